// Package queue is the durable, typed work queue connecting pipeline stages.
// Jobs live in the same SQLite database as the entities they reference, so an
// enqueue inside a store transaction is a transactional outbox: either the
// stage's writes and the follow-up job both commit, or neither does.
package queue

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"carscout/internal/store"
)

// Pipeline stage names. One queue serves all stages; jobs are typed by name.
const (
	StageScrape     = "scrape"
	StageParse      = "parse"
	StageNormalize  = "normalize"
	StageDedupe     = "dedupe"
	StagePrice      = "price"
	StageRisk       = "risk"
	StageScore      = "score"
	StageChannel    = "channel"
	StageAlertMatch = "alert_match"
	StageNotify     = "notify"
)

// Result tells the queue layer what to do with a finished job.
type Result int

const (
	// Done completes the job.
	Done Result = iota
	// Retry reschedules with backoff, dead-lettering past the retry budget.
	Retry
	// DeadLetter parks the job immediately for operator attention.
	DeadLetter
	// Skip completes the job without treating it as success (terminal no-op).
	Skip
)

// Job is one unit of stage work.
type Job struct {
	ID        int64
	Stage     string
	ListingID uuid.UUID
	Payload   []byte
	Attempts  int
	RunAt     time.Time
}

// Option customizes an enqueue.
type Option func(*enqueueOpts)

type enqueueOpts struct {
	delay     time.Duration
	dedupeKey string
	payload   any
}

// WithDelay schedules the job for now+d instead of immediately.
func WithDelay(d time.Duration) Option {
	return func(o *enqueueOpts) { o.delay = d }
}

// WithDedupeKey collapses concurrent enqueues carrying the same key; the
// second and later inserts are silently dropped.
func WithDedupeKey(key string) Option {
	return func(o *enqueueOpts) { o.dedupeKey = key }
}

// WithPayload attaches a JSON payload to the job.
func WithPayload(v any) Option {
	return func(o *enqueueOpts) { o.payload = v }
}

// Enqueue inserts a job. Pass a *sql.Tx as q to make the enqueue part of a
// stage's transaction. Returns false when a dedupe key suppressed the insert.
func Enqueue(q store.Querier, stage string, listingID uuid.UUID, opts ...Option) (bool, error) {
	var o enqueueOpts
	for _, opt := range opts {
		opt(&o)
	}
	payload := "{}"
	if o.payload != nil {
		b, err := json.Marshal(o.payload)
		if err != nil {
			return false, fmt.Errorf("marshal payload: %w", err)
		}
		payload = string(b)
	}
	now := time.Now().UTC()
	res, err := q.Exec(`
		INSERT OR IGNORE INTO queue_jobs
		  (stage, listing_id, payload, dedupe_key, run_at, attempts, state, created_at)
		VALUES (?, ?, ?, ?, ?, 0, 'pending', ?)`,
		stage, listingID.String(), payload, nullKey(o.dedupeKey),
		store.FormatTime(now.Add(o.delay)), store.FormatTime(now))
	if err != nil {
		return false, fmt.Errorf("enqueue %s: %w", stage, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func nullKey(k string) sql.NullString {
	if k == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: k, Valid: true}
}

// dequeue leases the oldest ready job for any of the given stages. A job is
// ready when pending and due, or leased with an expired lease (crashed
// worker). Returns nil when the queue is empty.
func dequeue(db *sql.DB, stages []string, lease time.Duration) (*Job, error) {
	now := time.Now().UTC()
	nowStr := store.FormatTime(now)

	tx, err := db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin dequeue: %w", err)
	}
	defer tx.Rollback()

	args := make([]any, 0, len(stages)+3)
	placeholders := ""
	for i, s := range stages {
		if i > 0 {
			placeholders += ","
		}
		placeholders += "?"
		args = append(args, s)
	}
	args = append(args, nowStr, nowStr)

	row := tx.QueryRow(`
		SELECT id, stage, listing_id, payload, attempts
		  FROM queue_jobs
		 WHERE stage IN (`+placeholders+`)
		   AND ((state = 'pending' AND run_at <= ?)
		     OR (state = 'leased' AND lease_until <= ?))
		 ORDER BY run_at, id
		 LIMIT 1`, args...)

	var (
		j      Job
		lidStr string
	)
	err = row.Scan(&j.ID, &j.Stage, &lidStr, &j.Payload, &j.Attempts)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select job: %w", err)
	}
	j.ListingID, _ = uuid.Parse(lidStr)

	res, err := tx.Exec(`
		UPDATE queue_jobs
		   SET state = 'leased', lease_until = ?, attempts = attempts + 1
		 WHERE id = ? AND state IN ('pending', 'leased')`,
		store.FormatTime(now.Add(lease)), j.ID)
	if err != nil {
		return nil, fmt.Errorf("lease job: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	j.Attempts++
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit lease: %w", err)
	}
	return &j, nil
}

// complete marks a job done. The dedupe key stays on the row: it is the
// idempotency record, and clearing it would let the scheduler re-insert a
// tick for a bucket that already ran.
func complete(db *sql.DB, id int64) error {
	_, err := db.Exec(`
		UPDATE queue_jobs SET state = 'done', lease_until = NULL
		 WHERE id = ?`, id)
	return err
}

// retry reschedules a job after delay, recording the error for operators.
func retry(db *sql.DB, id int64, delay time.Duration, cause string) error {
	_, err := db.Exec(`
		UPDATE queue_jobs
		   SET state = 'pending', run_at = ?, lease_until = NULL, last_error = ?
		 WHERE id = ?`,
		store.FormatTime(time.Now().UTC().Add(delay)), cause, id)
	return err
}

// deadLetter parks a job. The dedupe key is released so a terminal failure
// does not block a later legitimate enqueue with the same key.
func deadLetter(db *sql.DB, id int64, cause string) error {
	_, err := db.Exec(`
		UPDATE queue_jobs SET state = 'dead', dedupe_key = NULL, lease_until = NULL, last_error = ?
		 WHERE id = ?`, cause, id)
	return err
}

// PruneDone deletes completed jobs older than keepFor. Done rows carry their
// dedupe key as the idempotency record, so they must outlive the key's window
// (the scheduler's tick buckets); callers pass a retention comfortably past
// the longest crawl interval.
func PruneDone(q store.Querier, keepFor time.Duration) (int64, error) {
	cutoff := store.FormatTime(time.Now().UTC().Add(-keepFor))
	res, err := q.Exec(`DELETE FROM queue_jobs WHERE state = 'done' AND run_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune done jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Depths returns the pending backlog per stage, the backpressure signal.
func Depths(q store.Querier) (map[string]int, error) {
	rows, err := q.Query(`
		SELECT stage, COUNT(*) FROM queue_jobs WHERE state = 'pending' GROUP BY stage`)
	if err != nil {
		return nil, fmt.Errorf("queue depths: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var (
			stage string
			n     int
		)
		if err := rows.Scan(&stage, &n); err != nil {
			return nil, err
		}
		out[stage] = n
	}
	return out, rows.Err()
}

// DeadJobs returns dead-lettered jobs for the operational API.
func DeadJobs(q store.Querier, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.Query(`
		SELECT id, stage, listing_id, payload, attempts
		  FROM queue_jobs WHERE state = 'dead' ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("dead jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		var (
			j      Job
			lidStr string
		)
		if err := rows.Scan(&j.ID, &j.Stage, &lidStr, &j.Payload, &j.Attempts); err != nil {
			return nil, err
		}
		j.ListingID, _ = uuid.Parse(lidStr)
		out = append(out, j)
	}
	return out, rows.Err()
}
