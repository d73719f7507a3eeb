package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// InsertAlert stores a saved search. MaxAlerts enforcement happens at the API
// boundary; the store only persists.
func InsertAlert(q Querier, a *Alert) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := q.Exec(`
		INSERT INTO alerts (id, user_id, dsl_query, filters, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID.String(), a.UserID.String(), a.DSLQuery, a.FiltersJSON, a.Active,
		FormatTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

// SetAlertActive toggles an alert.
func SetAlertActive(q Querier, id uuid.UUID, active bool) error {
	res, err := q.Exec("UPDATE alerts SET active = ? WHERE id = ?", active, id.String())
	if err != nil {
		return fmt.Errorf("set alert active: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetAlert loads one alert.
func GetAlert(q Querier, id uuid.UUID) (*Alert, error) {
	return scanAlert(q.QueryRow(`
		SELECT id, user_id, dsl_query, filters, active, created_at
		  FROM alerts WHERE id = ?`, id.String()))
}

func scanAlert(row *sql.Row) (*Alert, error) {
	var (
		a            Alert
		idStr, uStr  string
		createdAt    string
	)
	err := row.Scan(&idStr, &uStr, &a.DSLQuery, &a.FiltersJSON, &a.Active, &createdAt)
	if err != nil {
		return nil, wrapNotFound("get alert", err)
	}
	a.ID, _ = uuid.Parse(idStr)
	a.UserID, _ = uuid.Parse(uStr)
	a.CreatedAt, _ = ParseTime(createdAt)
	return &a, nil
}

// ActiveAlerts returns every active alert, for the match stage.
func ActiveAlerts(q Querier) ([]Alert, error) {
	rows, err := q.Query(`
		SELECT id, user_id, dsl_query, filters, active, created_at
		  FROM alerts WHERE active = 1`)
	if err != nil {
		return nil, fmt.Errorf("list active alerts: %w", err)
	}
	defer rows.Close()

	var out []Alert
	for rows.Next() {
		var (
			a           Alert
			idStr, uStr string
			createdAt   string
		)
		if err := rows.Scan(&idStr, &uStr, &a.DSLQuery, &a.FiltersJSON, &a.Active, &createdAt); err != nil {
			return nil, err
		}
		a.ID, _ = uuid.Parse(idStr)
		a.UserID, _ = uuid.Parse(uStr)
		a.CreatedAt, _ = ParseTime(createdAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

// CountUserAlerts counts a user's alerts (active or not) for MaxAlerts checks.
func CountUserAlerts(q Querier, userID uuid.UUID) (int, error) {
	var n int
	err := q.QueryRow("SELECT COUNT(*) FROM alerts WHERE user_id = ?", userID.String()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count user alerts: %w", err)
	}
	return n, nil
}

// InsertAlertMatch records a match; the (alert, listing) unique constraint
// collapses concurrent duplicates. Returns false when the pair already exists.
func InsertAlertMatch(q Querier, m *AlertMatch) (bool, error) {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.MatchedAt.IsZero() {
		m.MatchedAt = time.Now().UTC()
	}
	if m.Status == "" {
		m.Status = MatchPending
	}
	res, err := q.Exec(`
		INSERT OR IGNORE INTO alert_matches
		  (id, alert_id, listing_id, matched_at, notify_after, notified_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID.String(), m.AlertID.String(), m.ListingID.String(),
		FormatTime(m.MatchedAt), FormatTime(m.NotifyAfter), nullTime(m.NotifiedAt), m.Status)
	if err != nil {
		return false, fmt.Errorf("insert alert match: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetAlertMatch loads one match by id.
func GetAlertMatch(q Querier, id uuid.UUID) (*AlertMatch, error) {
	var (
		m                AlertMatch
		idStr, aStr, lStr string
		matchedAt        string
		notifyAfter      string
		notifiedAt       sql.NullString
	)
	err := q.QueryRow(`
		SELECT id, alert_id, listing_id, matched_at, notify_after, notified_at, status
		  FROM alert_matches WHERE id = ?`, id.String()).
		Scan(&idStr, &aStr, &lStr, &matchedAt, &notifyAfter, &notifiedAt, &m.Status)
	if err != nil {
		return nil, wrapNotFound("get alert match", err)
	}
	m.ID, _ = uuid.Parse(idStr)
	m.AlertID, _ = uuid.Parse(aStr)
	m.ListingID, _ = uuid.Parse(lStr)
	m.MatchedAt, _ = ParseTime(matchedAt)
	m.NotifyAfter, _ = ParseTime(notifyAfter)
	m.NotifiedAt, _ = ParseTime(notifiedAt.String)
	return &m, nil
}

// SettleAlertMatch finalizes a match's delivery outcome. Only pending matches
// transition, so re-delivery of an acked match is a no-op.
func SettleAlertMatch(q Querier, id uuid.UUID, status string, notifiedAt time.Time) (bool, error) {
	res, err := q.Exec(`
		UPDATE alert_matches SET status = ?, notified_at = ?
		 WHERE id = ? AND status = ?`,
		status, nullTime(notifiedAt), id.String(), MatchPending)
	if err != nil {
		return false, fmt.Errorf("settle alert match: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CountNotifiedToday counts notifications delivered to a user's alerts during
// the UTC day containing now. Used for plan daily caps.
func CountNotifiedToday(q Querier, userID uuid.UUID, now time.Time) (int, error) {
	dayStart := now.UTC().Truncate(24 * time.Hour)
	var n int
	err := q.QueryRow(`
		SELECT COUNT(*)
		  FROM alert_matches m
		  JOIN alerts a ON a.id = m.alert_id
		 WHERE a.user_id = ? AND m.status = ? AND m.notified_at >= ?`,
		userID.String(), MatchNotified, FormatTime(dayStart)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count notified today: %w", err)
	}
	return n, nil
}
