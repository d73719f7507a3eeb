package store

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// UpsertSeller finds or creates the seller for a phone hash, bumping the
// contact count on every sighting. Returns the seller id.
func UpsertSeller(q Querier, phoneHash, profileURL string) (uuid.UUID, error) {
	if phoneHash == "" {
		return uuid.Nil, fmt.Errorf("upsert seller: empty phone hash")
	}
	var idStr string
	err := q.QueryRow("SELECT id FROM sellers WHERE phone_hash = ?", phoneHash).Scan(&idStr)
	switch {
	case err == sql.ErrNoRows:
		id := uuid.New()
		_, err := q.Exec(`
			INSERT INTO sellers (id, phone_hash, profile_url, contact_count, blacklisted)
			VALUES (?, ?, ?, 1, 0)`,
			id.String(), phoneHash, nullStr(profileURL))
		if err != nil {
			return uuid.Nil, fmt.Errorf("insert seller: %w", err)
		}
		return id, nil
	case err != nil:
		return uuid.Nil, fmt.Errorf("lookup seller: %w", err)
	}
	if _, err := q.Exec("UPDATE sellers SET contact_count = contact_count + 1 WHERE id = ?", idStr); err != nil {
		return uuid.Nil, fmt.Errorf("bump seller contact count: %w", err)
	}
	id, _ := uuid.Parse(idStr)
	return id, nil
}

// GetSeller loads one seller by id.
func GetSeller(q Querier, id uuid.UUID) (*Seller, error) {
	var (
		s       Seller
		idStr   string
		profile sql.NullString
	)
	err := q.QueryRow(`
		SELECT id, phone_hash, profile_url, contact_count, blacklisted
		  FROM sellers WHERE id = ?`, id.String()).
		Scan(&idStr, &s.PhoneHash, &profile, &s.ContactCount, &s.Blacklisted)
	if err != nil {
		return nil, wrapNotFound("get seller", err)
	}
	s.ID, _ = uuid.Parse(idStr)
	s.ProfileURL = profile.String
	return &s, nil
}

// SetSellerBlacklisted flips the blacklist flag.
func SetSellerBlacklisted(q Querier, id uuid.UUID, blacklisted bool) error {
	res, err := q.Exec("UPDATE sellers SET blacklisted = ? WHERE id = ?", blacklisted, id.String())
	if err != nil {
		return fmt.Errorf("set seller blacklisted: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
