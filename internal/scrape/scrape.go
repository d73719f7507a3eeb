// Package scrape feeds the pipeline: per-source adapters list recently
// changed ads and fetch detail pages, the ingestor snapshots them as raw
// listings, and the scheduler emits idempotent crawl ticks.
package scrape

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"carscout/internal/blob"
	"carscout/internal/queue"
	"carscout/internal/store"
)

// Record is one observation from a list pass. Conditional-request metadata
// rides along so re-fetches can stay cheap.
type Record struct {
	SiteAdID     string
	URL          string
	HTTPStatus   int
	ETag         string
	LastModified string
	ObservedAt   time.Time
}

// Adapter is the per-source crawler contract. Adapters own their politeness
// budgets; the core only sequences calls and handles what comes back.
type Adapter interface {
	// ListRecent returns recently changed records starting at cursor, plus
	// the cursor for the next page. An empty next cursor ends the pass.
	ListRecent(ctx context.Context, cursor string) ([]Record, string, error)
	// FetchDetail retrieves the raw page body for one record URL.
	FetchDetail(ctx context.Context, url string) ([]byte, error)
}

// ErrSourcePaused reports that a source's circuit breaker is open.
var ErrSourcePaused = errors.New("source paused by circuit breaker")

// ErrNoAdapter reports a source with no registered adapter.
var ErrNoAdapter = errors.New("no adapter for source")

// maxListPages bounds one tick so a hot source cannot starve the rest.
const maxListPages = 10

// Scraper runs one crawl tick per job: list, fetch, snapshot, hand changed
// pages to parse.
type Scraper struct {
	log      *zap.Logger
	db       *store.Store
	blobs    blob.Store
	adapters map[string]Adapter
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewScraper builds a Scraper over the given adapters, keyed by source name.
func NewScraper(log *zap.Logger, db *store.Store, blobs blob.Store, adapters map[string]Adapter) *Scraper {
	return &Scraper{
		log:      log,
		db:       db,
		blobs:    blobs,
		adapters: adapters,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// breaker returns the per-source circuit breaker, creating it on first use.
// Five consecutive failing calls open it; a half-open probe is allowed after
// the pause window.
func (s *Scraper) breaker(name string) *gobreaker.CircuitBreaker {
	if cb, ok := s.breakers[name]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    10 * time.Minute,
		Timeout:     5 * time.Minute,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.Requests >= 5 && float64(c.TotalFailures)/float64(c.Requests) > 0.5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.log.Warn("source breaker state change",
				zap.String("source", name),
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	s.breakers[name] = cb
	return cb
}

// Tick crawls one source once: pages through ListRecent and ingests every
// record. Individual record failures are counted and skipped; transport
// failures on the list pass surface to the caller's retry policy.
func (s *Scraper) Tick(ctx context.Context, sourceID uuid.UUID) error {
	src, err := store.GetSource(s.db.SqlDB(), sourceID)
	if err != nil {
		return err
	}
	if !src.Enabled {
		s.log.Debug("skipping disabled source", zap.String("source", src.Name))
		return nil
	}
	adapter, ok := s.adapters[src.Name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoAdapter, src.Name)
	}
	cb := s.breaker(src.Name)

	var ingested, failed int
	cursor := ""
	for page := 0; page < maxListPages; page++ {
		records, next, err := listRecent(ctx, cb, adapter, cursor)
		if err != nil {
			return fmt.Errorf("list %s: %w", src.Name, err)
		}
		for _, rec := range records {
			if err := s.ingest(ctx, cb, adapter, src, rec); err != nil {
				failed++
				s.log.Warn("ingest failed",
					zap.String("source", src.Name),
					zap.String("ad", rec.SiteAdID), zap.Error(err))
				if errors.Is(err, ErrSourcePaused) {
					return err
				}
				continue
			}
			ingested++
		}
		if next == "" {
			break
		}
		cursor = next
	}
	s.log.Info("crawl tick done",
		zap.String("source", src.Name), zap.Int("ingested", ingested), zap.Int("failed", failed))
	return nil
}

func listRecent(ctx context.Context, cb *gobreaker.CircuitBreaker, a Adapter, cursor string) ([]Record, string, error) {
	type pageResult struct {
		records []Record
		next    string
	}
	v, err := cb.Execute(func() (any, error) {
		records, next, err := a.ListRecent(ctx, cursor)
		if err != nil {
			return nil, err
		}
		return pageResult{records, next}, nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, "", ErrSourcePaused
	}
	if err != nil {
		return nil, "", err
	}
	page := v.(pageResult)
	return page.records, page.next, nil
}

// ingest snapshots one record: fetch the page, store the blob, upsert the raw
// row, and enqueue parse when the content changed. The upsert and the enqueue
// share one transaction.
func (s *Scraper) ingest(ctx context.Context, cb *gobreaker.CircuitBreaker, a Adapter, src *store.Source, rec Record) error {
	v, err := cb.Execute(func() (any, error) {
		return a.FetchDetail(ctx, rec.URL)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrSourcePaused
	}
	if err != nil {
		return fmt.Errorf("fetch detail: %w", err)
	}
	body := v.([]byte)

	sum := sha256.Sum256(body)
	contentHash := hex.EncodeToString(sum[:])
	// Hash-addressed key: a changed page gets a fresh blob, an unchanged one
	// rewrites the same bytes.
	blobKey := fmt.Sprintf("raw/%s/%s-%s.html", src.Name, rec.SiteAdID, contentHash[:12])
	if err := s.blobs.Put(blobKey, body); err != nil {
		return fmt.Errorf("store blob: %w", err)
	}

	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		rawID, changed, err := store.UpsertRawListing(tx, store.RawObservation{
			SourceID:     src.ID,
			SiteAdID:     rec.SiteAdID,
			URL:          rec.URL,
			RawBlobKey:   blobKey,
			ContentHash:  contentHash,
			HTTPStatus:   rec.HTTPStatus,
			ETag:         rec.ETag,
			LastModified: rec.LastModified,
			ObservedAt:   rec.ObservedAt,
		})
		if err != nil {
			return err
		}
		if !changed {
			return nil
		}
		_, err = queue.Enqueue(tx, queue.StageParse, rawID)
		return err
	})
}

// Scheduler turns source crawl intervals into scrape jobs. Ticks are
// idempotent: the dedupe key buckets time by the source's own interval, so
// however many scheduler replicas run, one bucket yields one job.
type Scheduler struct {
	log *zap.Logger
	db  *store.Store
	now func() time.Time

	// Poll is how often the scheduler re-reads the source table.
	Poll time.Duration
}

// NewScheduler builds a Scheduler.
func NewScheduler(log *zap.Logger, db *store.Store) *Scheduler {
	return &Scheduler{log: log, db: db, now: time.Now, Poll: 15 * time.Second}
}

// WithClock overrides the time source. Tests only.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}

// Run emits ticks until the context ends.
func (s *Scheduler) Run(ctx context.Context) error {
	t := time.NewTicker(s.Poll)
	defer t.Stop()
	for {
		if err := s.TickOnce(ctx); err != nil {
			s.log.Error("scheduler pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

// TickOnce enqueues one scrape job per enabled source whose current interval
// bucket has no job yet.
func (s *Scheduler) TickOnce(ctx context.Context) error {
	sources, err := store.EnabledSources(s.db.SqlDB())
	if err != nil {
		return err
	}
	now := s.now().UTC()
	for _, src := range sources {
		interval := src.CrawlInterval
		if interval <= 0 {
			interval = 15 * time.Minute
		}
		bucket := now.Unix() / int64(interval/time.Second)
		key := fmt.Sprintf("scrape:%s:%d", src.ID, bucket)
		inserted, err := queue.Enqueue(s.db.SqlDB(), queue.StageScrape, src.ID, queue.WithDedupeKey(key))
		if err != nil {
			return fmt.Errorf("enqueue tick for %s: %w", src.Name, err)
		}
		if inserted {
			s.log.Debug("scrape tick scheduled",
				zap.String("source", src.Name), zap.Int64("bucket", bucket))
		}
	}
	// Done rows keep their tick keys; drop them once the bucket is long over.
	if _, err := queue.PruneDone(s.db.SqlDB(), 24*time.Hour); err != nil {
		s.log.Warn("queue prune failed", zap.Error(err))
	}
	return nil
}
