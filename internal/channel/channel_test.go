package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"carscout/internal/queue"
	"carscout/internal/ratelimit"
	"carscout/internal/store"
	"carscout/internal/telegram"
)

type fakeMessenger struct {
	sendErr error
	editErr error

	sent    []sentGroup
	edits   []sentEdit
	nextMsg int64
}

type sentGroup struct {
	chat    string
	images  []string
	caption string
}

type sentEdit struct {
	chat      string
	messageID int64
	caption   string
}

func (f *fakeMessenger) SendMediaGroup(ctx context.Context, chat string, images []string, caption string) (int64, error) {
	if f.sendErr != nil {
		return 0, f.sendErr
	}
	f.nextMsg++
	f.sent = append(f.sent, sentGroup{chat, images, caption})
	return f.nextMsg, nil
}

func (f *fakeMessenger) SendMessage(ctx context.Context, chat, text string) (int64, error) {
	return f.SendMediaGroup(ctx, chat, nil, text)
}

func (f *fakeMessenger) EditMessageCaption(ctx context.Context, chat string, messageID int64, caption string) error {
	if f.editErr != nil {
		return f.editErr
	}
	f.edits = append(f.edits, sentEdit{chat, messageID, caption})
	return nil
}

type fixture struct {
	s    *store.Store
	msgr *fakeMessenger
	d    *Deliverer
	src  uuid.UUID
	now  time.Time
	seq  int
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	s, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("open memory store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	src := &store.Source{Name: "mobile_bg", BaseURL: "https://mobile.bg", Enabled: true}
	if err := store.InsertSource(s.SqlDB(), src); err != nil {
		t.Fatalf("insert source: %v", err)
	}

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	f := &fixture{
		s:    s,
		msgr: &fakeMessenger{},
		src:  src.ID,
		now:  time.Date(2026, 2, 10, 12, 0, 0, 0, time.UTC),
	}
	f.d = New(zap.NewNop(), s, ratelimit.New(rdb), f.msgr, cfg).
		WithClock(func() time.Time { return f.now })
	return f
}

// addApproved creates a normalized, approved listing with one image and a
// comp cache carrying a prediction.
func (f *fixture) addApproved(t *testing.T, priceBGN int64) *store.Listing {
	t.Helper()
	f.seq++
	rawID, _, err := store.UpsertRawListing(f.s.SqlDB(), store.RawObservation{
		SourceID: f.src, SiteAdID: fmt.Sprintf("ad-%d", f.seq),
		URL:         fmt.Sprintf("https://mobile.bg/ad-%d", f.seq),
		ContentHash: fmt.Sprintf("h%d", f.seq),
		ObservedAt:  f.now.Add(-time.Hour),
	})
	if err != nil {
		t.Fatalf("raw: %v", err)
	}
	l := &store.Listing{RawID: rawID, Title: fmt.Sprintf("BMW 320d №%d", f.seq), FirstSeen: f.now.Add(-time.Hour)}
	if err := store.UpsertListingDraft(f.s.SqlDB(), l); err != nil {
		t.Fatalf("draft: %v", err)
	}
	l.BrandID, l.ModelID = "bmw", "320"
	l.Year = 2018
	l.MileageKM = 150000
	l.Fuel = store.FuelDiesel
	l.Gearbox = store.GearboxManual
	l.Region = "София"
	l.PriceBGN = decimal.NewFromInt(priceBGN)
	l.Status = store.ListingNormalized
	l.NormalizedAt = f.now
	if err := store.UpdateListingNormalized(f.s.SqlDB(), l); err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if err := store.ReplaceImages(f.s.SqlDB(), l.ID, []string{fmt.Sprintf("https://img/%d.jpg", f.seq)}); err != nil {
		t.Fatalf("images: %v", err)
	}
	if err := store.UpsertCompCache(f.s.SqlDB(), &store.CompCache{
		ListingID: l.ID, SampleSize: 40, Confidence: 0.8,
		P50: decimal.NewFromInt(15000), PredictedPrice: decimal.NewFromInt(15000),
		DiscountPct: 17.0, HasPrediction: true, ComputedAt: f.now, ModelVersion: "comps-v1",
	}); err != nil {
		t.Fatalf("comp cache: %v", err)
	}
	if err := store.UpsertScore(f.s.SqlDB(), &store.Score{
		ListingID: l.ID, Score: 8.1, State: store.StateApproved, ScoredAt: f.now,
	}); err != nil {
		t.Fatalf("score: %v", err)
	}
	return l
}

func TestDeliverPostsNewListing(t *testing.T) {
	f := newFixture(t, DefaultConfig("@deals"))
	l := f.addApproved(t, 12500)

	out, err := f.d.Deliver(context.Background(), l.ID)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if out != Posted {
		t.Fatalf("outcome = %s", out)
	}
	if len(f.msgr.sent) != 1 {
		t.Fatalf("sent = %d", len(f.msgr.sent))
	}
	got := f.msgr.sent[0]
	if got.chat != "@deals" || len(got.images) != 1 {
		t.Fatalf("send = %+v", got)
	}
	for _, want := range []string{l.Title, "12 500 лв", "−17%", "150 000 км", "София", "https://mobile.bg/ad-1"} {
		if !strings.Contains(got.caption, want) {
			t.Errorf("caption missing %q:\n%s", want, got.caption)
		}
	}
	post, err := store.GetChannelPost(f.s.SqlDB(), "@deals", l.ID)
	if err != nil {
		t.Fatalf("post row: %v", err)
	}
	if post.MessageID != 1 || !post.LastPriceBGN.Equal(decimal.NewFromInt(12500)) {
		t.Fatalf("post = %+v", post)
	}
}

func TestDeliverUnchangedIsNoop(t *testing.T) {
	f := newFixture(t, DefaultConfig("@deals"))
	l := f.addApproved(t, 12500)

	if _, err := f.d.Deliver(context.Background(), l.ID); err != nil {
		t.Fatalf("first: %v", err)
	}
	out, err := f.d.Deliver(context.Background(), l.ID)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if out != Unchanged {
		t.Fatalf("outcome = %s", out)
	}
	if len(f.msgr.sent) != 1 || len(f.msgr.edits) != 0 {
		t.Fatalf("sent %d edits %d", len(f.msgr.sent), len(f.msgr.edits))
	}
}

func TestDeliverEditsOnPriceChange(t *testing.T) {
	f := newFixture(t, DefaultConfig("@deals"))
	l := f.addApproved(t, 12500)
	if _, err := f.d.Deliver(context.Background(), l.ID); err != nil {
		t.Fatalf("first: %v", err)
	}

	l.PriceBGN = decimal.NewFromInt(11900)
	if err := store.UpdateListingNormalized(f.s.SqlDB(), l); err != nil {
		t.Fatalf("reprice: %v", err)
	}
	out, err := f.d.Deliver(context.Background(), l.ID)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if out != Edited {
		t.Fatalf("outcome = %s", out)
	}
	if len(f.msgr.edits) != 1 || f.msgr.edits[0].messageID != 1 {
		t.Fatalf("edits = %+v", f.msgr.edits)
	}
	if !strings.Contains(f.msgr.edits[0].caption, "11 900 лв") {
		t.Fatalf("edit caption = %s", f.msgr.edits[0].caption)
	}
	post, _ := store.GetChannelPost(f.s.SqlDB(), "@deals", l.ID)
	if !post.LastPriceBGN.Equal(decimal.NewFromInt(11900)) {
		t.Fatalf("recorded price = %s", post.LastPriceBGN)
	}
}

func TestDeliverDefersWhenBucketEmpty(t *testing.T) {
	cfg := DefaultConfig("@deals")
	cfg.BucketCapacity = 1
	cfg.RefillPerHour = 1
	f := newFixture(t, cfg)

	first := f.addApproved(t, 12500)
	second := f.addApproved(t, 13000)

	if out, _ := f.d.Deliver(context.Background(), first.ID); out != Posted {
		t.Fatalf("first outcome = %v", out)
	}
	out, err := f.d.Deliver(context.Background(), second.ID)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if out != Deferred {
		t.Fatalf("outcome = %s", out)
	}
	if len(f.msgr.sent) != 1 {
		t.Fatalf("sent = %d", len(f.msgr.sent))
	}
	// The deferred delivery is queued with a delay, not lost.
	var n int
	if err := f.s.SqlDB().QueryRow(
		"SELECT COUNT(*) FROM queue_jobs WHERE stage = ? AND listing_id = ?",
		queue.StageChannel, second.ID.String()).Scan(&n); err != nil {
		t.Fatalf("count jobs: %v", err)
	}
	if n != 1 {
		t.Fatalf("requeued jobs = %d", n)
	}
}

func TestDeliverHonorsDiversityCap(t *testing.T) {
	cfg := DefaultConfig("@deals")
	cfg.DiversityCap = 1
	f := newFixture(t, cfg)

	first := f.addApproved(t, 12500)
	second := f.addApproved(t, 13000) // same brand/model

	if out, _ := f.d.Deliver(context.Background(), first.ID); out != Posted {
		t.Fatalf("first outcome = %v", out)
	}
	out, err := f.d.Deliver(context.Background(), second.ID)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if out != Suppressed {
		t.Fatalf("outcome = %s", out)
	}
	if len(f.msgr.sent) != 1 {
		t.Fatalf("sent = %d", len(f.msgr.sent))
	}
}

// A delivery that reserved the last model slot but never posted must give the
// slot back, or one flaky send would mute the model for the whole window.
func TestFailedPostFreesDiversitySlot(t *testing.T) {
	cfg := DefaultConfig("@deals")
	cfg.DiversityCap = 1
	f := newFixture(t, cfg)

	first := f.addApproved(t, 12500)
	second := f.addApproved(t, 13000) // same brand/model

	f.msgr.sendErr = &telegram.TransientError{Cause: errors.New("bad gateway")}
	if _, err := f.d.Deliver(context.Background(), first.ID); err == nil {
		t.Fatal("transient error must surface for retry")
	}

	f.msgr.sendErr = nil
	out, err := f.d.Deliver(context.Background(), second.ID)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if out != Posted {
		t.Fatalf("outcome = %s, want posted", out)
	}
	if len(f.msgr.sent) != 1 {
		t.Fatalf("sent = %d", len(f.msgr.sent))
	}
}

func TestDeliverSkipsUnapproved(t *testing.T) {
	f := newFixture(t, DefaultConfig("@deals"))
	l := f.addApproved(t, 12500)
	if err := store.UpsertScore(f.s.SqlDB(), &store.Score{
		ListingID: l.ID, Score: 4.0, State: store.StateRejected, ScoredAt: f.now,
	}); err != nil {
		t.Fatalf("score: %v", err)
	}
	out, err := f.d.Deliver(context.Background(), l.ID)
	if err != nil || out != Suppressed {
		t.Fatalf("outcome = %v, %v", out, err)
	}
	if len(f.msgr.sent) != 0 {
		t.Fatal("unapproved listing was sent")
	}
}

func TestDeliverDropsOnPermanentError(t *testing.T) {
	f := newFixture(t, DefaultConfig("@deals"))
	l := f.addApproved(t, 12500)
	f.msgr.sendErr = &telegram.PermanentError{Code: 400, Description: "wrong file identifier"}

	out, err := f.d.Deliver(context.Background(), l.ID)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if out != Suppressed {
		t.Fatalf("outcome = %s", out)
	}
	if _, err := store.GetChannelPost(f.s.SqlDB(), "@deals", l.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("post row err = %v, want not found", err)
	}
}

func TestDeliverDefersOnTelegramRateLimit(t *testing.T) {
	f := newFixture(t, DefaultConfig("@deals"))
	l := f.addApproved(t, 12500)
	f.msgr.sendErr = &telegram.RateLimitedError{RetryAfter: 17 * time.Second}

	out, err := f.d.Deliver(context.Background(), l.ID)
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if out != Deferred {
		t.Fatalf("outcome = %s", out)
	}
}

func TestDeliverReturnsTransientForRetry(t *testing.T) {
	f := newFixture(t, DefaultConfig("@deals"))
	l := f.addApproved(t, 12500)
	f.msgr.sendErr = &telegram.TransientError{Cause: errors.New("bad gateway")}

	if _, err := f.d.Deliver(context.Background(), l.ID); err == nil {
		t.Fatal("transient error must surface for retry")
	}
}

func TestFormatBGN(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{950, "950"},
		{12500, "12 500"},
		{1234567, "1 234 567"},
	}
	for _, tt := range tests {
		if got := formatBGN(decimal.NewFromInt(tt.in)); got != tt.want {
			t.Errorf("formatBGN(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
