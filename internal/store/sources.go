package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// InsertSource creates a new source. The name must be unique.
func InsertSource(q Querier, src *Source) error {
	if src.ID == uuid.Nil {
		src.ID = uuid.New()
	}
	if src.CreatedAt.IsZero() {
		src.CreatedAt = time.Now().UTC()
	}
	_, err := q.Exec(`
		INSERT INTO sources (id, name, base_url, enabled, crawl_interval_s, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		src.ID.String(), src.Name, src.BaseURL, src.Enabled,
		int64(src.CrawlInterval/time.Second), FormatTime(src.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert source %q: %w", src.Name, err)
	}
	return nil
}

// SetSourceEnabled flips the enabled flag; a disabled source is skipped by the
// scheduler on the next tick.
func SetSourceEnabled(q Querier, id uuid.UUID, enabled bool) error {
	res, err := q.Exec("UPDATE sources SET enabled = ? WHERE id = ?", enabled, id.String())
	if err != nil {
		return fmt.Errorf("set source enabled: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// EnabledSources returns all sources the scheduler should tick.
func EnabledSources(q Querier) ([]Source, error) {
	rows, err := q.Query(`
		SELECT id, name, base_url, enabled, crawl_interval_s, created_at
		  FROM sources
		 WHERE enabled = 1
		 ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list enabled sources: %w", err)
	}
	defer rows.Close()
	return scanSources(rows)
}

// AllSources returns every source, enabled or not.
func AllSources(q Querier) ([]Source, error) {
	rows, err := q.Query(`
		SELECT id, name, base_url, enabled, crawl_interval_s, created_at
		  FROM sources
		 ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()
	return scanSources(rows)
}

// GetSource looks up one source by id.
func GetSource(q Querier, id uuid.UUID) (*Source, error) {
	row := q.QueryRow(`
		SELECT id, name, base_url, enabled, crawl_interval_s, created_at
		  FROM sources WHERE id = ?`, id.String())
	var (
		src       Source
		idStr     string
		intervalS int64
		createdAt string
	)
	err := row.Scan(&idStr, &src.Name, &src.BaseURL, &src.Enabled, &intervalS, &createdAt)
	if err != nil {
		return nil, wrapNotFound("get source", err)
	}
	src.ID, _ = uuid.Parse(idStr)
	src.CrawlInterval = time.Duration(intervalS) * time.Second
	src.CreatedAt, _ = ParseTime(createdAt)
	return &src, nil
}

func scanSources(rows *sql.Rows) ([]Source, error) {
	var out []Source
	for rows.Next() {
		var (
			src       Source
			idStr     string
			intervalS int64
			createdAt string
		)
		if err := rows.Scan(&idStr, &src.Name, &src.BaseURL, &src.Enabled, &intervalS, &createdAt); err != nil {
			return nil, err
		}
		src.ID, _ = uuid.Parse(idStr)
		src.CrawlInterval = time.Duration(intervalS) * time.Second
		src.CreatedAt, _ = ParseTime(createdAt)
		out = append(out, src)
	}
	return out, rows.Err()
}
