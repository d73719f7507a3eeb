package queue

import (
	"context"
	"database/sql"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Handler processes one job. Returning an error with Retry reschedules the
// job; the error is recorded on the row for operators.
type Handler func(ctx context.Context, job Job) (Result, error)

// Runner polls the queue and dispatches jobs to stage handlers.
type Runner struct {
	db       *sql.DB
	log      *zap.Logger
	handlers map[string]Handler
	fanout   map[string]int

	// PollInterval is the idle sleep between empty polls.
	PollInterval time.Duration
	// StageDeadline bounds each handler invocation; it also sizes the lease
	// so a crashed worker's job becomes visible again shortly after.
	StageDeadline time.Duration
	// MaxAttempts dead-letters a job after this many tries.
	MaxAttempts int
	// DefaultFanout is the worker count for stages without an override.
	DefaultFanout int
}

// NewRunner builds an empty runner; register handlers before Run.
func NewRunner(db *sql.DB, log *zap.Logger) *Runner {
	return &Runner{
		db:            db,
		log:           log,
		handlers:      make(map[string]Handler),
		fanout:        make(map[string]int),
		PollInterval:  500 * time.Millisecond,
		StageDeadline: time.Minute,
		MaxAttempts:   5,
		DefaultFanout: 1,
	}
}

// Handle registers the handler for a stage.
func (r *Runner) Handle(stage string, h Handler) {
	r.handlers[stage] = h
}

// Fanout sets the worker count for one stage.
func (r *Runner) Fanout(stage string, n int) {
	if n > 0 {
		r.fanout[stage] = n
	}
}

// Run starts the worker goroutines and blocks until ctx is cancelled.
// Each stage gets its own workers so a slow stage cannot starve the rest.
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for stage := range r.handlers {
		n := r.fanout[stage]
		if n == 0 {
			n = r.DefaultFanout
		}
		for i := 0; i < n; i++ {
			stage := stage
			g.Go(func() error {
				r.workLoop(ctx, stage)
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (r *Runner) workLoop(ctx context.Context, stage string) {
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := dequeue(r.db, []string{stage}, r.lease())
		if err != nil {
			r.log.Warn("dequeue failed", zap.String("stage", stage), zap.Error(err))
			r.sleep(ctx)
			continue
		}
		if job == nil {
			r.sleep(ctx)
			continue
		}
		r.runJob(ctx, *job)
	}
}

// lease keeps reaped jobs from resurfacing while a live handler still runs.
func (r *Runner) lease() time.Duration {
	return r.StageDeadline + 30*time.Second
}

func (r *Runner) runJob(ctx context.Context, job Job) {
	jctx, cancel := context.WithTimeout(ctx, r.StageDeadline)
	defer cancel()

	res, err := r.invoke(jctx, job)
	if err != nil && res == Done {
		res = Retry
	}

	switch res {
	case Done, Skip:
		if cerr := complete(r.db, job.ID); cerr != nil {
			r.log.Error("complete failed", zap.Int64("job", job.ID), zap.Error(cerr))
		}
	case Retry:
		cause := "retry"
		if err != nil {
			cause = err.Error()
		}
		if job.Attempts >= r.MaxAttempts {
			r.log.Error("job exhausted retries",
				zap.Int64("job", job.ID), zap.String("stage", job.Stage),
				zap.String("listing", job.ListingID.String()),
				zap.Int("attempts", job.Attempts), zap.String("cause", cause))
			if derr := deadLetter(r.db, job.ID, cause); derr != nil {
				r.log.Error("dead-letter failed", zap.Int64("job", job.ID), zap.Error(derr))
			}
			return
		}
		delay := retryDelay(job.Attempts)
		r.log.Warn("job retry",
			zap.Int64("job", job.ID), zap.String("stage", job.Stage),
			zap.Int("attempt", job.Attempts), zap.Duration("delay", delay),
			zap.String("cause", cause))
		if rerr := retry(r.db, job.ID, delay, cause); rerr != nil {
			r.log.Error("retry failed", zap.Int64("job", job.ID), zap.Error(rerr))
		}
	case DeadLetter:
		cause := "dead-lettered by handler"
		if err != nil {
			cause = err.Error()
		}
		r.log.Error("job dead-lettered",
			zap.Int64("job", job.ID), zap.String("stage", job.Stage),
			zap.String("listing", job.ListingID.String()), zap.String("cause", cause))
		if derr := deadLetter(r.db, job.ID, cause); derr != nil {
			r.log.Error("dead-letter failed", zap.Int64("job", job.ID), zap.Error(derr))
		}
	}
}

// invoke runs the handler, converting a panic into a retryable error so one
// bad listing cannot take the worker down.
func (r *Runner) invoke(ctx context.Context, job Job) (res Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			res = Retry
			err = fmt.Errorf("handler panic: %v", p)
			r.log.Error("handler panic",
				zap.Int64("job", job.ID), zap.String("stage", job.Stage),
				zap.Any("panic", p), zap.ByteString("stack", debug.Stack()))
		}
	}()
	h := r.handlers[job.Stage]
	if h == nil {
		return DeadLetter, fmt.Errorf("no handler for stage %s", job.Stage)
	}
	return h(ctx, job)
}

func (r *Runner) sleep(ctx context.Context) {
	t := time.NewTimer(r.PollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// retryDelay grows exponentially with jitter: roughly 5s, 10s, 20s, capped
// at two minutes.
func retryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Second
	b.MaxInterval = 2 * time.Minute
	b.RandomizationFactor = 0.2
	b.Multiplier = 2
	b.Reset()
	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	if d == backoff.Stop || d > b.MaxInterval {
		d = b.MaxInterval
	}
	return d
}
