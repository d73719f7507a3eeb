package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// nullDec converts an optional decimal; zero means unset.
func nullDec(d decimal.Decimal) sql.NullString {
	if d.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: d.StringFixed(2), Valid: true}
}

func decFrom(ns sql.NullString) decimal.Decimal {
	if !ns.Valid || ns.String == "" {
		return decimal.Decimal{}
	}
	d, err := decimal.NewFromString(ns.String)
	if err != nil {
		return decimal.Decimal{}
	}
	return d
}

// UpsertListingDraft writes the parse-stage draft for a raw listing. A
// re-parse of the same raw id replaces the draft in place, bumps version, and
// resets the pipeline flags so the listing runs the stages again.
func UpsertListingDraft(q Querier, l *Listing) error {
	features, _ := json.Marshal(l.Features)
	if l.ID == uuid.Nil {
		l.ID = uuid.New()
	}

	var existing string
	err := q.QueryRow("SELECT id FROM listings WHERE raw_id = ?", l.RawID.String()).Scan(&existing)
	switch {
	case err == sql.ErrNoRows:
		_, err := q.Exec(`
			INSERT INTO listings
			  (id, raw_id, brand_id, model_id, year, mileage_km, fuel, gearbox, body,
			   price, currency, price_bgn, region, title, description, description_hash,
			   features, power_hp, seller_id, status, is_duplicate, canonical_of,
			   version, first_seen, normalized_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?, ?, NULL, ?, ?, NULL,
			        'draft', 0, NULL, 1, ?, NULL)`,
			l.ID.String(), l.RawID.String(),
			nullStr(l.BrandID), nullStr(l.ModelID), nullInt(int64(l.Year)), nullInt(l.MileageKM),
			nullStr(l.Fuel), nullStr(l.Gearbox), nullStr(l.Body),
			nullDec(l.Price), nullStr(l.Currency), nullStr(l.Region),
			l.Title, l.Description, string(features), nullInt(int64(l.PowerHP)),
			FormatTime(l.FirstSeen),
		)
		if err != nil {
			return fmt.Errorf("insert listing draft: %w", err)
		}
		l.Version = 1
		return nil
	case err != nil:
		return fmt.Errorf("lookup listing by raw id: %w", err)
	}

	l.ID, _ = uuid.Parse(existing)
	_, err = q.Exec(`
		UPDATE listings
		   SET brand_id = ?, model_id = ?, year = ?, mileage_km = ?, fuel = ?,
		       gearbox = ?, body = ?, price = ?, currency = ?, price_bgn = NULL,
		       region = ?, title = ?, description = ?, description_hash = NULL,
		       features = ?, power_hp = ?, status = 'draft', is_duplicate = 0,
		       canonical_of = NULL, version = version + 1, normalized_at = NULL
		 WHERE id = ?`,
		nullStr(l.BrandID), nullStr(l.ModelID), nullInt(int64(l.Year)), nullInt(l.MileageKM),
		nullStr(l.Fuel), nullStr(l.Gearbox), nullStr(l.Body),
		nullDec(l.Price), nullStr(l.Currency), nullStr(l.Region),
		l.Title, l.Description, string(features), nullInt(int64(l.PowerHP)),
		l.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("update listing draft: %w", err)
	}
	return nil
}

// UpdateListingNormalized persists the normalize-stage result.
func UpdateListingNormalized(q Querier, l *Listing) error {
	var sellerID sql.NullString
	if l.SellerID != uuid.Nil {
		sellerID = sql.NullString{String: l.SellerID.String(), Valid: true}
	}
	res, err := q.Exec(`
		UPDATE listings
		   SET brand_id = ?, model_id = ?, year = ?, mileage_km = ?, fuel = ?,
		       gearbox = ?, body = ?, price_bgn = ?, region = ?,
		       description_hash = ?, power_hp = ?, seller_id = ?, status = ?,
		       normalized_at = ?
		 WHERE id = ?`,
		nullStr(l.BrandID), nullStr(l.ModelID), nullInt(int64(l.Year)), nullInt(l.MileageKM),
		nullStr(l.Fuel), nullStr(l.Gearbox), nullStr(l.Body),
		nullDec(l.PriceBGN), nullStr(l.Region),
		nullStr(l.DescriptionHash), nullInt(int64(l.PowerHP)), sellerID, l.Status,
		nullTime(l.NormalizedAt), l.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("update normalized listing: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const listingCols = `
	l.id, l.raw_id, l.brand_id, l.model_id, l.year, l.mileage_km, l.fuel,
	l.gearbox, l.body, l.price, l.currency, l.price_bgn, l.region, l.title,
	l.description, l.description_hash, l.features, l.power_hp, l.seller_id,
	l.status, l.is_duplicate, l.canonical_of, l.version, l.first_seen, l.normalized_at`

func scanListing(row *sql.Row) (*Listing, error) {
	var (
		l                              Listing
		idStr, rawStr                  string
		brand, model, fuel, gb, body   sql.NullString
		price, currency, priceBGN      sql.NullString
		region, descHash, sellerID     sql.NullString
		canonicalOf, normalizedAt      sql.NullString
		year, mileage, power           sql.NullInt64
		features, firstSeen            string
	)
	err := row.Scan(&idStr, &rawStr, &brand, &model, &year, &mileage, &fuel,
		&gb, &body, &price, &currency, &priceBGN, &region, &l.Title,
		&l.Description, &descHash, &features, &power, &sellerID,
		&l.Status, &l.IsDuplicate, &canonicalOf, &l.Version, &firstSeen, &normalizedAt)
	if err != nil {
		return nil, err
	}
	l.ID, _ = uuid.Parse(idStr)
	l.RawID, _ = uuid.Parse(rawStr)
	l.BrandID, l.ModelID = brand.String, model.String
	l.Year, l.MileageKM, l.PowerHP = int(year.Int64), mileage.Int64, int(power.Int64)
	l.Fuel, l.Gearbox, l.Body = fuel.String, gb.String, body.String
	l.Price, l.PriceBGN = decFrom(price), decFrom(priceBGN)
	l.Currency, l.Region, l.DescriptionHash = currency.String, region.String, descHash.String
	json.Unmarshal([]byte(features), &l.Features)
	if sellerID.Valid {
		l.SellerID, _ = uuid.Parse(sellerID.String)
	}
	if canonicalOf.Valid {
		l.CanonicalOf, _ = uuid.Parse(canonicalOf.String)
	}
	l.FirstSeen, _ = ParseTime(firstSeen)
	l.NormalizedAt, _ = ParseTime(normalizedAt.String)
	return &l, nil
}

// GetListing loads one normalized listing by id.
func GetListing(q Querier, id uuid.UUID) (*Listing, error) {
	row := q.QueryRow("SELECT "+listingCols+" FROM listings l WHERE l.id = ?", id.String())
	l, err := scanListing(row)
	if err != nil {
		return nil, wrapNotFound("get listing", err)
	}
	return l, nil
}

// GetListingByRawID loads the listing for a raw row, if parsed yet.
func GetListingByRawID(q Querier, rawID uuid.UUID) (*Listing, error) {
	row := q.QueryRow("SELECT "+listingCols+" FROM listings l WHERE l.raw_id = ?", rawID.String())
	l, err := scanListing(row)
	if err != nil {
		return nil, wrapNotFound("get listing by raw id", err)
	}
	return l, nil
}

// MarkDuplicate marks listing id a duplicate of canonical and logs the
// decision. The caller resolves the canonical (earliest first_seen) first.
func MarkDuplicate(q Querier, entry DuplicateEntry) error {
	if entry.DecidedAt.IsZero() {
		entry.DecidedAt = time.Now().UTC()
	}
	res, err := q.Exec(`
		UPDATE listings SET is_duplicate = 1, canonical_of = ? WHERE id = ?`,
		entry.DuplicateOf.String(), entry.ListingID.String())
	if err != nil {
		return fmt.Errorf("mark duplicate: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	_, err = q.Exec(`
		INSERT INTO duplicate_log (listing_id, duplicate_of, method, confidence, decided_at)
		VALUES (?, ?, ?, ?, ?)`,
		entry.ListingID.String(), entry.DuplicateOf.String(), entry.Method,
		entry.Confidence, FormatTime(entry.DecidedAt))
	if err != nil {
		return fmt.Errorf("log duplicate: %w", err)
	}
	return nil
}

// ResolveCanonical follows canonical_of pointers to the root, compressing the
// path if chains deeper than one level appear.
func ResolveCanonical(q Querier, id uuid.UUID) (uuid.UUID, error) {
	cur := id
	for hops := 0; hops < 32; hops++ {
		var canonical sql.NullString
		err := q.QueryRow("SELECT canonical_of FROM listings WHERE id = ?", cur.String()).Scan(&canonical)
		if err != nil {
			return uuid.Nil, wrapNotFound("resolve canonical", err)
		}
		if !canonical.Valid {
			if cur != id {
				// Path-compress so the next read is one hop.
				if _, err := q.Exec("UPDATE listings SET canonical_of = ? WHERE id = ? AND canonical_of IS NOT NULL",
					cur.String(), id.String()); err != nil {
					return uuid.Nil, fmt.Errorf("compress canonical path: %w", err)
				}
			}
			return cur, nil
		}
		cur, _ = uuid.Parse(canonical.String)
	}
	return uuid.Nil, fmt.Errorf("canonical chain too deep for %s", id)
}

// ListingFirstSeen returns the first_seen timestamp for one listing.
func ListingFirstSeen(q Querier, id uuid.UUID) (time.Time, error) {
	var s string
	if err := q.QueryRow("SELECT first_seen FROM listings WHERE id = ?", id.String()).Scan(&s); err != nil {
		return time.Time{}, wrapNotFound("listing first_seen", err)
	}
	return ParseTime(s)
}
