package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RawObservation is what a scrape tick hands the store for one record.
type RawObservation struct {
	SourceID     uuid.UUID
	SiteAdID     string
	URL          string
	RawBlobKey   string
	ContentHash  string
	HTTPStatus   int
	ETag         string
	LastModified string
	ObservedAt   time.Time
}

// UpsertRawListing records one observation. On first sight it inserts the row
// with first_seen = observed_at. On re-observation it bumps last_seen, and if
// the content hash changed it stores the new blob key and increments version.
// Returns the raw id and whether the content changed (a changed row re-enters
// the pipeline at parse).
func UpsertRawListing(q Querier, obs RawObservation) (uuid.UUID, bool, error) {
	if obs.ObservedAt.IsZero() {
		obs.ObservedAt = time.Now().UTC()
	}
	row := q.QueryRow(`
		SELECT id, content_hash FROM raw_listings
		 WHERE source_id = ? AND site_ad_id = ?`,
		obs.SourceID.String(), obs.SiteAdID)

	var idStr, prevHash string
	err := row.Scan(&idStr, &prevHash)
	switch {
	case err == sql.ErrNoRows:
		id := uuid.New()
		_, err := q.Exec(`
			INSERT INTO raw_listings
			  (id, source_id, site_ad_id, url, raw_blob_key, content_hash,
			   http_status, etag, last_modified, first_seen, last_seen, is_active, version)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, 1)`,
			id.String(), obs.SourceID.String(), obs.SiteAdID, obs.URL,
			nullStr(obs.RawBlobKey), nullStr(obs.ContentHash),
			obs.HTTPStatus, nullStr(obs.ETag), nullStr(obs.LastModified),
			FormatTime(obs.ObservedAt), FormatTime(obs.ObservedAt),
		)
		if err != nil {
			return uuid.Nil, false, fmt.Errorf("insert raw listing: %w", err)
		}
		return id, true, nil
	case err != nil:
		return uuid.Nil, false, fmt.Errorf("lookup raw listing: %w", err)
	}

	id, _ := uuid.Parse(idStr)
	changed := obs.ContentHash != "" && obs.ContentHash != prevHash
	if changed {
		_, err = q.Exec(`
			UPDATE raw_listings
			   SET last_seen = ?, raw_blob_key = ?, content_hash = ?, http_status = ?,
			       etag = ?, last_modified = ?, is_active = 1, version = version + 1
			 WHERE id = ?`,
			FormatTime(obs.ObservedAt), nullStr(obs.RawBlobKey), obs.ContentHash,
			obs.HTTPStatus, nullStr(obs.ETag), nullStr(obs.LastModified), idStr)
	} else {
		_, err = q.Exec(`
			UPDATE raw_listings
			   SET last_seen = ?, http_status = ?, etag = ?, last_modified = ?, is_active = 1
			 WHERE id = ?`,
			FormatTime(obs.ObservedAt), obs.HTTPStatus,
			nullStr(obs.ETag), nullStr(obs.LastModified), idStr)
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("update raw listing: %w", err)
	}
	return id, changed, nil
}

// GetRawListing loads one raw listing by id.
func GetRawListing(q Querier, id uuid.UUID) (*RawListing, error) {
	row := q.QueryRow(`
		SELECT id, source_id, site_ad_id, url, raw_blob_key, content_hash,
		       http_status, etag, last_modified, parse_errors,
		       first_seen, last_seen, is_active, version
		  FROM raw_listings WHERE id = ?`, id.String())

	var (
		r                         RawListing
		idStr, srcStr             string
		blobKey, hash, etag, lm   sql.NullString
		httpStatus                sql.NullInt64
		firstSeen, lastSeen       string
	)
	err := row.Scan(&idStr, &srcStr, &r.SiteAdID, &r.URL, &blobKey, &hash,
		&httpStatus, &etag, &lm, &r.ParseErrors, &firstSeen, &lastSeen, &r.IsActive, &r.Version)
	if err != nil {
		return nil, wrapNotFound("get raw listing", err)
	}
	r.ID, _ = uuid.Parse(idStr)
	r.SourceID, _ = uuid.Parse(srcStr)
	r.RawBlobKey = blobKey.String
	r.ContentHash = hash.String
	r.HTTPStatus = int(httpStatus.Int64)
	r.ETag = etag.String
	r.LastModified = lm.String
	r.FirstSeen, _ = ParseTime(firstSeen)
	r.LastSeen, _ = ParseTime(lastSeen)
	return &r, nil
}

// RecordParseError increments the consecutive parse error counter and
// deactivates the row once maxErrors is reached. Returns the new count.
func RecordParseError(q Querier, id uuid.UUID, maxErrors int) (int, error) {
	_, err := q.Exec("UPDATE raw_listings SET parse_errors = parse_errors + 1 WHERE id = ?", id.String())
	if err != nil {
		return 0, fmt.Errorf("record parse error: %w", err)
	}
	var count int
	if err := q.QueryRow("SELECT parse_errors FROM raw_listings WHERE id = ?", id.String()).Scan(&count); err != nil {
		return 0, wrapNotFound("read parse errors", err)
	}
	if count >= maxErrors {
		if _, err := q.Exec("UPDATE raw_listings SET is_active = 0 WHERE id = ?", id.String()); err != nil {
			return count, fmt.Errorf("deactivate raw listing: %w", err)
		}
	}
	return count, nil
}

// ClearParseErrors resets the counter after a successful parse.
func ClearParseErrors(q Querier, id uuid.UUID) error {
	_, err := q.Exec("UPDATE raw_listings SET parse_errors = 0 WHERE id = ?", id.String())
	if err != nil {
		return fmt.Errorf("clear parse errors: %w", err)
	}
	return nil
}
