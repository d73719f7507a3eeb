// Package channel broadcasts approved listings to the public Telegram
// channel: rate limited from a shared token bucket, diversity filtered per
// model, and idempotent per (channel, listing) so re-deliveries edit instead
// of repost.
package channel

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"carscout/internal/queue"
	"carscout/internal/ratelimit"
	"carscout/internal/store"
	"carscout/internal/telegram"
)

// Outcome says what a delivery attempt did.
type Outcome int

const (
	// Posted published a fresh media-group message.
	Posted Outcome = iota
	// Edited updated the caption of an existing post after a price change.
	Edited
	// Unchanged found the post already current.
	Unchanged
	// Deferred hit a rate limit and re-enqueued itself with a delay.
	Deferred
	// Suppressed decided not to deliver: duplicate, unapproved, diversity
	// cap, or a permanent transport failure. Terminal.
	Suppressed
)

func (o Outcome) String() string {
	switch o {
	case Posted:
		return "posted"
	case Edited:
		return "edited"
	case Unchanged:
		return "unchanged"
	case Deferred:
		return "deferred"
	default:
		return "suppressed"
	}
}

// Config tunes one channel's delivery policy.
type Config struct {
	// Channel is the Telegram chat id or @name posts go to.
	Channel string
	// BucketCapacity and RefillPerHour shape the posting token bucket.
	BucketCapacity int
	RefillPerHour  float64
	// DiversityCap bounds posts per (brand, model) inside DiversityWindow.
	DiversityCap    int
	DiversityWindow time.Duration
}

// DefaultConfig posts at most 20/hour with 3 per model per 6 hours.
func DefaultConfig(channel string) Config {
	return Config{
		Channel:         channel,
		BucketCapacity:  20,
		RefillPerHour:   20,
		DiversityCap:    3,
		DiversityWindow: 6 * time.Hour,
	}
}

// Deliverer is the channel delivery worker.
type Deliverer struct {
	log     *zap.Logger
	db      *store.Store
	limiter *ratelimit.Limiter
	msgr    telegram.Messenger
	cfg     Config
	now     func() time.Time

	// flight serializes concurrent deliveries of the same listing; the
	// second caller shares the first one's outcome.
	flight singleflight.Group
}

// New builds a Deliverer.
func New(log *zap.Logger, db *store.Store, limiter *ratelimit.Limiter, msgr telegram.Messenger, cfg Config) *Deliverer {
	return &Deliverer{log: log, db: db, limiter: limiter, msgr: msgr, cfg: cfg, now: time.Now}
}

// WithClock overrides the time source. Tests only.
func (d *Deliverer) WithClock(now func() time.Time) *Deliverer {
	d.now = now
	return d
}

// Deliver posts, edits, or skips one listing on the configured channel.
func (d *Deliverer) Deliver(ctx context.Context, listingID uuid.UUID) (Outcome, error) {
	key := d.cfg.Channel + ":" + listingID.String()
	v, err, _ := d.flight.Do(key, func() (any, error) {
		return d.deliver(ctx, listingID)
	})
	if err != nil {
		return Suppressed, err
	}
	return v.(Outcome), nil
}

func (d *Deliverer) deliver(ctx context.Context, listingID uuid.UUID) (Outcome, error) {
	q := d.db.SqlDB()
	l, err := store.GetListing(q, listingID)
	if err != nil {
		return Suppressed, err
	}
	if l.IsDuplicate {
		d.log.Debug("not posting duplicate", zap.String("listing", listingID.String()))
		return Suppressed, nil
	}
	sc, err := store.GetScore(q, listingID)
	if errors.Is(err, store.ErrNotFound) {
		return Suppressed, nil
	}
	if err != nil {
		return Suppressed, err
	}
	if sc.State != store.StateApproved {
		d.log.Debug("not posting unapproved listing",
			zap.String("listing", listingID.String()), zap.String("state", sc.State))
		return Suppressed, nil
	}

	allowed, retryAfter, err := d.limiter.Take(ctx, "channel:"+d.cfg.Channel,
		d.cfg.BucketCapacity, d.cfg.RefillPerHour/3600)
	if err != nil {
		return Suppressed, err
	}
	if !allowed {
		return d.requeue(listingID, retryAfter)
	}

	existing, err := store.GetChannelPost(q, d.cfg.Channel, listingID)
	switch {
	case err == nil:
		return d.edit(ctx, l, existing)
	case !errors.Is(err, store.ErrNotFound):
		return Suppressed, err
	}

	ok, err := d.reserveDiversitySlot(ctx, l)
	if err != nil {
		return Suppressed, err
	}
	if !ok {
		return Suppressed, nil
	}
	out, err := d.post(ctx, l)
	// Anything short of a post gives the model slot back; a posted listing
	// keeps occupying it for the rest of the window.
	if out != Posted {
		d.freeDiversitySlot(ctx, l)
	}
	return out, err
}

// reserveDiversitySlot claims one of the model's posting slots for the
// current window. The Redis window member is the listing id, so a retry of
// the same listing re-claims its own slot instead of taking a second one;
// the durable post count backs the counter up across a Redis restart.
func (d *Deliverer) reserveDiversitySlot(ctx context.Context, l *store.Listing) (bool, error) {
	if d.cfg.DiversityCap <= 0 {
		return true, nil
	}
	reserved, err := d.limiter.RecordInWindow(ctx, d.diversityKey(l), l.ID.String(), d.cfg.DiversityWindow)
	if err != nil {
		return false, err
	}
	posted, err := store.CountRecentModelPosts(d.db.SqlDB(), d.cfg.Channel, l.BrandID, l.ModelID,
		d.cfg.DiversityWindow, d.now().UTC())
	if err != nil {
		d.freeDiversitySlot(ctx, l)
		return false, err
	}
	if reserved > d.cfg.DiversityCap || posted >= d.cfg.DiversityCap {
		d.freeDiversitySlot(ctx, l)
		d.log.Info("diversity cap reached",
			zap.String("brand", l.BrandID), zap.String("model", l.ModelID),
			zap.Int("reserved", reserved), zap.Int("posted", posted))
		return false, nil
	}
	return true, nil
}

func (d *Deliverer) freeDiversitySlot(ctx context.Context, l *store.Listing) {
	if d.cfg.DiversityCap <= 0 {
		return
	}
	if err := d.limiter.RemoveFromWindow(ctx, d.diversityKey(l), l.ID.String()); err != nil {
		d.log.Warn("diversity slot release failed",
			zap.String("listing", l.ID.String()), zap.Error(err))
	}
}

func (d *Deliverer) diversityKey(l *store.Listing) string {
	return fmt.Sprintf("diversity:%s:%s:%s", d.cfg.Channel, l.BrandID, l.ModelID)
}

func (d *Deliverer) post(ctx context.Context, l *store.Listing) (Outcome, error) {
	q := d.db.SqlDB()
	imgs, err := store.ListingImages(q, l.ID)
	if err != nil {
		return Suppressed, err
	}
	urls := make([]string, 0, len(imgs))
	for _, img := range imgs {
		urls = append(urls, img.URL)
	}
	caption, err := d.caption(l)
	if err != nil {
		return Suppressed, err
	}

	msgID, err := d.msgr.SendMediaGroup(ctx, d.cfg.Channel, urls, caption)
	if err != nil {
		return d.transportOutcome(l.ID, err)
	}
	err = store.InsertChannelPost(q, &store.ChannelPost{
		Channel:      d.cfg.Channel,
		ListingID:    l.ID,
		MessageID:    msgID,
		PostedAt:     d.now().UTC(),
		LastPriceBGN: l.PriceBGN,
	})
	if err != nil {
		return Suppressed, err
	}
	d.log.Info("posted listing",
		zap.String("listing", l.ID.String()), zap.Int64("message", msgID))
	return Posted, nil
}

func (d *Deliverer) edit(ctx context.Context, l *store.Listing, post *store.ChannelPost) (Outcome, error) {
	if post.LastPriceBGN.Equal(l.PriceBGN) {
		return Unchanged, nil
	}
	caption, err := d.caption(l)
	if err != nil {
		return Suppressed, err
	}
	if err := d.msgr.EditMessageCaption(ctx, d.cfg.Channel, post.MessageID, caption); err != nil {
		return d.transportOutcome(l.ID, err)
	}
	if err := store.UpdateChannelPostPrice(d.db.SqlDB(), d.cfg.Channel, l.ID, l.PriceBGN); err != nil {
		return Suppressed, err
	}
	d.log.Info("edited listing price",
		zap.String("listing", l.ID.String()),
		zap.String("old", post.LastPriceBGN.String()), zap.String("new", l.PriceBGN.String()))
	return Edited, nil
}

// transportOutcome maps the messenger's typed errors onto delivery outcomes:
// rate limits defer with the server's hint, dead recipients and other 4xx are
// logged and dropped, everything else bubbles up for retry.
func (d *Deliverer) transportOutcome(listingID uuid.UUID, err error) (Outcome, error) {
	var rl *telegram.RateLimitedError
	if errors.As(err, &rl) {
		return d.requeue(listingID, rl.RetryAfter)
	}
	var inv *telegram.InvalidRecipientError
	var perm *telegram.PermanentError
	if errors.As(err, &inv) || errors.As(err, &perm) {
		d.log.Warn("dropping undeliverable post",
			zap.String("listing", listingID.String()), zap.Error(err))
		return Suppressed, nil
	}
	return Suppressed, err
}

// requeue re-enqueues the delivery after the limiter's hint.
func (d *Deliverer) requeue(listingID uuid.UUID, after time.Duration) (Outcome, error) {
	if after < time.Second {
		after = time.Second
	}
	if _, err := queue.Enqueue(d.db.SqlDB(), queue.StageChannel, listingID, queue.WithDelay(after)); err != nil {
		return Suppressed, err
	}
	d.log.Debug("delivery deferred",
		zap.String("listing", listingID.String()), zap.Duration("after", after))
	return Deferred, nil
}

// caption renders the post text: title, price with the discount against the
// estimate when one exists, the key specs, and the source link.
func (d *Deliverer) caption(l *store.Listing) (string, error) {
	q := d.db.SqlDB()
	raw, err := store.GetRawListing(q, l.RawID)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "🚗 %s\n", l.Title)

	fmt.Fprintf(&b, "💰 %s лв", formatBGN(l.PriceBGN))
	cache, err := store.GetCompCache(q, l.ID)
	if err == nil && cache.HasPrediction && cache.DiscountPct >= 1 {
		fmt.Fprintf(&b, " (−%.0f%% спрямо пазарната %s лв)", cache.DiscountPct, formatBGN(cache.PredictedPrice))
	} else if err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", err
	}
	b.WriteString("\n")

	var specs []string
	if l.Year > 0 {
		specs = append(specs, fmt.Sprintf("%d г.", l.Year))
	}
	if l.MileageKM > 0 {
		specs = append(specs, fmt.Sprintf("%s км", formatBGN(decimal.NewFromInt(l.MileageKM))))
	}
	if l.Fuel != "" && l.Fuel != store.FuelOther {
		specs = append(specs, l.Fuel)
	}
	if l.Gearbox != "" && l.Gearbox != store.GearboxOther {
		specs = append(specs, l.Gearbox)
	}
	if l.Region != "" {
		specs = append(specs, l.Region)
	}
	if len(specs) > 0 {
		fmt.Fprintf(&b, "📋 %s\n", strings.Join(specs, " • "))
	}

	fmt.Fprintf(&b, "🔗 %s", raw.URL)
	return b.String(), nil
}

// formatBGN renders a whole-lev amount with thin thousands grouping.
func formatBGN(d decimal.Decimal) string {
	s := d.Round(0).String()
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	var parts []string
	for len(s) > 3 {
		parts = append([]string{s[len(s)-3:]}, parts...)
		s = s[:len(s)-3]
	}
	parts = append([]string{s}, parts...)
	out := strings.Join(parts, " ")
	if neg {
		return "-" + out
	}
	return out
}
