package scrape

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"carscout/internal/blob"
	"carscout/internal/queue"
	"carscout/internal/store"
)

type fakeAdapter struct {
	records   []Record
	pages     map[string][]byte
	listErr   error
	listCalls int
	fetches   int
}

func (f *fakeAdapter) ListRecent(ctx context.Context, cursor string) ([]Record, string, error) {
	f.listCalls++
	if f.listErr != nil {
		return nil, "", f.listErr
	}
	return f.records, "", nil
}

func (f *fakeAdapter) FetchDetail(ctx context.Context, url string) ([]byte, error) {
	f.fetches++
	body, ok := f.pages[url]
	if !ok {
		return nil, errors.New("404")
	}
	return body, nil
}

type scrapeFixture struct {
	s       *store.Store
	blobs   *blob.Memory
	adapter *fakeAdapter
	scraper *Scraper
	src     *store.Source
}

func newScrapeFixture(t *testing.T) *scrapeFixture {
	t.Helper()
	s, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("open memory store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	src := &store.Source{
		Name: "mobile_bg", BaseURL: "https://mobile.bg",
		Enabled: true, CrawlInterval: 10 * time.Minute,
	}
	if err := store.InsertSource(s.SqlDB(), src); err != nil {
		t.Fatalf("insert source: %v", err)
	}
	adapter := &fakeAdapter{pages: map[string][]byte{}}
	blobs := blob.NewMemory()
	return &scrapeFixture{
		s:       s,
		blobs:   blobs,
		adapter: adapter,
		scraper: NewScraper(zap.NewNop(), s, blobs, map[string]Adapter{"mobile_bg": adapter}),
		src:     src,
	}
}

func (f *scrapeFixture) setRecord(adID, url string, body []byte) {
	for i, r := range f.adapter.records {
		if r.SiteAdID == adID {
			f.adapter.records[i].URL = url
			f.adapter.pages[url] = body
			return
		}
	}
	f.adapter.records = append(f.adapter.records, Record{
		SiteAdID: adID, URL: url, HTTPStatus: 200,
		ObservedAt: time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC),
	})
	f.adapter.pages[url] = body
}

func (f *scrapeFixture) parseDepth(t *testing.T) int {
	t.Helper()
	depths, err := queue.Depths(f.s.SqlDB())
	if err != nil {
		t.Fatalf("depths: %v", err)
	}
	return depths[queue.StageParse]
}

func TestTickIngestsRecords(t *testing.T) {
	f := newScrapeFixture(t)
	f.setRecord("ad-1", "https://mobile.bg/ad-1", []byte("<html>one</html>"))
	f.setRecord("ad-2", "https://mobile.bg/ad-2", []byte("<html>two</html>"))

	if err := f.scraper.Tick(context.Background(), f.src.ID); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if d := f.parseDepth(t); d != 2 {
		t.Fatalf("parse depth = %d, want 2", d)
	}

	var rawID string
	var blobKey string
	err := f.s.SqlDB().QueryRow(
		"SELECT id, raw_blob_key FROM raw_listings WHERE site_ad_id = 'ad-1'").Scan(&rawID, &blobKey)
	if err != nil {
		t.Fatalf("raw row: %v", err)
	}
	body, err := f.blobs.Get(blobKey)
	if err != nil || string(body) != "<html>one</html>" {
		t.Fatalf("blob = %q, %v", body, err)
	}
}

func TestReobservationWithoutChangeDoesNotReparse(t *testing.T) {
	f := newScrapeFixture(t)
	f.setRecord("ad-1", "https://mobile.bg/ad-1", []byte("<html>same</html>"))

	for i := 0; i < 2; i++ {
		if err := f.scraper.Tick(context.Background(), f.src.ID); err != nil {
			t.Fatalf("tick %d: %v", i+1, err)
		}
	}
	if d := f.parseDepth(t); d != 1 {
		t.Fatalf("parse depth = %d, want 1 (unchanged content)", d)
	}
	var version int
	if err := f.s.SqlDB().QueryRow(
		"SELECT version FROM raw_listings WHERE site_ad_id = 'ad-1'").Scan(&version); err != nil {
		t.Fatalf("version: %v", err)
	}
	if version != 1 {
		t.Fatalf("version = %d, want 1", version)
	}
}

func TestContentChangeBumpsVersionAndReparses(t *testing.T) {
	f := newScrapeFixture(t)
	f.setRecord("ad-1", "https://mobile.bg/ad-1", []byte("<html>v1</html>"))
	if err := f.scraper.Tick(context.Background(), f.src.ID); err != nil {
		t.Fatalf("tick 1: %v", err)
	}

	f.setRecord("ad-1", "https://mobile.bg/ad-1", []byte("<html>v2 lower price</html>"))
	if err := f.scraper.Tick(context.Background(), f.src.ID); err != nil {
		t.Fatalf("tick 2: %v", err)
	}

	if d := f.parseDepth(t); d != 2 {
		t.Fatalf("parse depth = %d, want 2", d)
	}
	var version int
	if err := f.s.SqlDB().QueryRow(
		"SELECT version FROM raw_listings WHERE site_ad_id = 'ad-1'").Scan(&version); err != nil {
		t.Fatalf("version: %v", err)
	}
	if version != 2 {
		t.Fatalf("version = %d, want 2", version)
	}
}

func TestDisabledSourceIsSkipped(t *testing.T) {
	f := newScrapeFixture(t)
	f.setRecord("ad-1", "https://mobile.bg/ad-1", []byte("x"))
	if err := store.SetSourceEnabled(f.s.SqlDB(), f.src.ID, false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if err := f.scraper.Tick(context.Background(), f.src.ID); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if f.adapter.listCalls != 0 {
		t.Fatalf("adapter called %d times for disabled source", f.adapter.listCalls)
	}
}

func TestBreakerPausesFailingSource(t *testing.T) {
	f := newScrapeFixture(t)
	f.adapter.listErr = errors.New("connection reset")

	for i := 0; i < 6; i++ {
		err := f.scraper.Tick(context.Background(), f.src.ID)
		if err == nil {
			t.Fatalf("tick %d: expected error", i+1)
		}
	}
	calls := f.adapter.listCalls
	// Breaker is open now: further ticks fail fast without touching the site.
	err := f.scraper.Tick(context.Background(), f.src.ID)
	if !errors.Is(err, ErrSourcePaused) {
		t.Fatalf("err = %v, want ErrSourcePaused", err)
	}
	if f.adapter.listCalls != calls {
		t.Fatalf("adapter still called while paused")
	}
}

func TestTickUnknownAdapter(t *testing.T) {
	f := newScrapeFixture(t)
	other := &store.Source{Name: "unknown_site", BaseURL: "https://x", Enabled: true}
	if err := store.InsertSource(f.s.SqlDB(), other); err != nil {
		t.Fatalf("insert source: %v", err)
	}
	if err := f.scraper.Tick(context.Background(), other.ID); !errors.Is(err, ErrNoAdapter) {
		t.Fatalf("err = %v, want ErrNoAdapter", err)
	}
}

func TestSchedulerBucketsTicks(t *testing.T) {
	f := newScrapeFixture(t)
	now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	sched := NewScheduler(zap.NewNop(), f.s).WithClock(func() time.Time { return now })

	// Two passes inside the same interval bucket collapse to one job.
	for i := 0; i < 2; i++ {
		if err := sched.TickOnce(context.Background()); err != nil {
			t.Fatalf("pass %d: %v", i+1, err)
		}
	}
	depths, err := queue.Depths(f.s.SqlDB())
	if err != nil {
		t.Fatalf("depths: %v", err)
	}
	if depths[queue.StageScrape] != 1 {
		t.Fatalf("scrape depth = %d, want 1", depths[queue.StageScrape])
	}

	// Past the crawl interval a new bucket opens.
	now = now.Add(f.src.CrawlInterval + time.Minute)
	if err := sched.TickOnce(context.Background()); err != nil {
		t.Fatalf("late pass: %v", err)
	}
	depths, _ = queue.Depths(f.s.SqlDB())
	if depths[queue.StageScrape] != 2 {
		t.Fatalf("scrape depth = %d, want 2", depths[queue.StageScrape])
	}
}
