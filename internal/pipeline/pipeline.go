// Package pipeline binds the queue stages to their workers and owns the
// stage-to-stage handoffs: each handler does its work and enqueues the next
// stage inside the same transaction, so a crash between stages loses nothing.
package pipeline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"carscout/internal/alert"
	"carscout/internal/channel"
	"carscout/internal/dedupe"
	"carscout/internal/normalize"
	"carscout/internal/parse"
	"carscout/internal/price"
	"carscout/internal/queue"
	"carscout/internal/risk"
	"carscout/internal/scrape"
	"carscout/internal/score"
	"carscout/internal/store"
)

// Deps collects the stage workers.
type Deps struct {
	Log        *zap.Logger
	DB         *store.Store
	Scraper    *scrape.Scraper
	Parser     *parse.Parser
	Normalizer *normalize.Normalizer
	Deduper    *dedupe.Deduper
	Estimator  *price.Estimator
	Risk       *risk.Engine
	Thresholds score.Thresholds
	Channel    *channel.Deliverer
	Alerts     *alert.Engine
	Notifier   *alert.Notifier
}

// Pipeline dispatches queue jobs to the stage workers.
type Pipeline struct {
	d   Deps
	now func() time.Time
}

// New builds a Pipeline.
func New(d Deps) *Pipeline {
	return &Pipeline{d: d, now: time.Now}
}

// Register installs every stage handler on the runner.
func (p *Pipeline) Register(r *queue.Runner) {
	r.Handle(queue.StageScrape, p.scrape)
	r.Handle(queue.StageParse, p.parse)
	r.Handle(queue.StageNormalize, p.normalize)
	r.Handle(queue.StageDedupe, p.dedupe)
	r.Handle(queue.StagePrice, p.price)
	r.Handle(queue.StageRisk, p.risk)
	r.Handle(queue.StageScore, p.score)
	r.Handle(queue.StageChannel, p.channel)
	r.Handle(queue.StageAlertMatch, p.alertMatch)
	r.Handle(queue.StageNotify, p.notify)
}

// scrape jobs carry a source id, not a listing id.
func (p *Pipeline) scrape(ctx context.Context, job queue.Job) (queue.Result, error) {
	err := p.d.Scraper.Tick(ctx, job.ListingID)
	switch {
	case err == nil:
		return queue.Done, nil
	case errors.Is(err, scrape.ErrNoAdapter):
		return queue.DeadLetter, err
	default:
		// A paused source retries like any transport failure; the breaker
		// makes the retries cheap until the pause window ends.
		return queue.Retry, err
	}
}

// parse jobs carry a raw listing id.
func (p *Pipeline) parse(ctx context.Context, job queue.Job) (queue.Result, error) {
	if _, err := p.d.Parser.Parse(ctx, job.ListingID); err != nil {
		return queue.Retry, err
	}
	return queue.Done, nil
}

func (p *Pipeline) normalize(ctx context.Context, job queue.Job) (queue.Result, error) {
	l, err := store.GetListing(p.d.DB.SqlDB(), job.ListingID)
	if errors.Is(err, store.ErrNotFound) {
		return queue.DeadLetter, err
	}
	if err != nil {
		return queue.Retry, err
	}
	var seller normalize.SellerInfo
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &seller); err != nil {
			return queue.DeadLetter, err
		}
	}
	err = p.d.DB.WithTx(ctx, func(tx *sql.Tx) error {
		if err := p.d.Normalizer.Normalize(tx, l, seller); err != nil {
			return err
		}
		if l.Status != store.ListingNormalized {
			return nil
		}
		if err := store.UpdateListingNormalized(tx, l); err != nil {
			return err
		}
		_, err := queue.Enqueue(tx, queue.StageDedupe, l.ID)
		return err
	})
	if err != nil {
		return queue.Retry, err
	}
	if l.Status != store.ListingNormalized {
		// Unmappable input stays a draft; a later re-parse may fix it.
		p.d.Log.Info("listing stays draft", zap.String("listing", l.ID.String()))
		return queue.Skip, nil
	}
	return queue.Done, nil
}

func (p *Pipeline) dedupe(ctx context.Context, job queue.Job) (queue.Result, error) {
	db := p.d.DB.SqlDB()
	l, err := store.GetListing(db, job.ListingID)
	if errors.Is(err, store.ErrNotFound) {
		return queue.DeadLetter, err
	}
	if err != nil {
		return queue.Retry, err
	}
	// Fingerprinting may fetch images; keep it outside the transaction.
	sig := p.d.Deduper.Signature(ctx, db, l)

	var dec *dedupe.Decision
	err = p.d.DB.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		dec, err = p.d.Deduper.Run(ctx, tx, l, sig)
		if err != nil {
			return err
		}
		if dec.IsDuplicate {
			// Duplicates end here; the canonical carries the group forward.
			return nil
		}
		_, err = queue.Enqueue(tx, queue.StagePrice, l.ID)
		return err
	})
	if err != nil {
		return queue.Retry, err
	}
	return queue.Done, nil
}

func (p *Pipeline) price(ctx context.Context, job queue.Job) (queue.Result, error) {
	l, err := store.GetListing(p.d.DB.SqlDB(), job.ListingID)
	if errors.Is(err, store.ErrNotFound) {
		return queue.DeadLetter, err
	}
	if err != nil {
		return queue.Retry, err
	}
	err = p.d.DB.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := p.d.Estimator.Estimate(tx, l); err != nil {
			return err
		}
		_, err := queue.Enqueue(tx, queue.StageRisk, l.ID)
		return err
	})
	if err != nil {
		return queue.Retry, err
	}
	return queue.Done, nil
}

func (p *Pipeline) risk(ctx context.Context, job queue.Job) (queue.Result, error) {
	db := p.d.DB.SqlDB()
	l, err := store.GetListing(db, job.ListingID)
	if errors.Is(err, store.ErrNotFound) {
		return queue.DeadLetter, err
	}
	if err != nil {
		return queue.Retry, err
	}
	cache, err := store.GetCompCache(db, l.ID)
	if errors.Is(err, store.ErrNotFound) {
		cache = &store.CompCache{ListingID: l.ID}
	} else if err != nil {
		return queue.Retry, err
	}

	// The evaluation may call the LLM; run it on the plain connection and
	// persist the verdict in its own transaction afterwards.
	ev, err := p.d.Risk.Evaluate(ctx, db, l, cache.PredictedPrice, cache.DiscountPct)
	if err != nil {
		return queue.Retry, err
	}
	ev.EvaluatedAt = p.now().UTC()
	err = p.d.DB.WithTx(ctx, func(tx *sql.Tx) error {
		if err := store.UpsertRiskEvaluation(tx, ev); err != nil {
			return err
		}
		_, err := queue.Enqueue(tx, queue.StageScore, l.ID)
		return err
	})
	if err != nil {
		return queue.Retry, err
	}
	return queue.Done, nil
}

func (p *Pipeline) score(ctx context.Context, job queue.Job) (queue.Result, error) {
	db := p.d.DB.SqlDB()
	l, err := store.GetListing(db, job.ListingID)
	if errors.Is(err, store.ErrNotFound) {
		return queue.DeadLetter, err
	}
	if err != nil {
		return queue.Retry, err
	}
	cache, err := store.GetCompCache(db, l.ID)
	if errors.Is(err, store.ErrNotFound) {
		cache = &store.CompCache{ListingID: l.ID}
	} else if err != nil {
		return queue.Retry, err
	}
	ev, err := store.GetRiskEvaluation(db, l.ID)
	if err != nil {
		return queue.Retry, err
	}

	sc := score.Compute(l, cache, ev, p.d.Thresholds, p.now().UTC())
	err = p.d.DB.WithTx(ctx, func(tx *sql.Tx) error {
		if err := store.UpsertScore(tx, sc); err != nil {
			return err
		}
		if sc.State != store.StateApproved || l.IsDuplicate {
			return nil
		}
		if _, err := queue.Enqueue(tx, queue.StageChannel, l.ID); err != nil {
			return err
		}
		_, err := queue.Enqueue(tx, queue.StageAlertMatch, l.ID)
		return err
	})
	if err != nil {
		return queue.Retry, err
	}
	return queue.Done, nil
}

func (p *Pipeline) channel(ctx context.Context, job queue.Job) (queue.Result, error) {
	if _, err := p.d.Channel.Deliver(ctx, job.ListingID); err != nil {
		return queue.Retry, err
	}
	return queue.Done, nil
}

func (p *Pipeline) alertMatch(ctx context.Context, job queue.Job) (queue.Result, error) {
	if _, err := p.d.Alerts.MatchListing(ctx, job.ListingID); err != nil {
		return queue.Retry, err
	}
	return queue.Done, nil
}

// notify jobs carry an alert match id.
func (p *Pipeline) notify(ctx context.Context, job queue.Job) (queue.Result, error) {
	_, err := p.d.Notifier.Notify(ctx, job.ListingID)
	if errors.Is(err, store.ErrNotFound) {
		return queue.DeadLetter, err
	}
	if err != nil {
		return queue.Retry, err
	}
	return queue.Done, nil
}
