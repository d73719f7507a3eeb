package store

import (
	"bytes"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// SaveSignature persists the dedupe fingerprints for a listing and rebuilds
// its rows in the inverted trigram index. Called in the same transaction that
// settles the listing's duplicate decision.
func SaveSignature(q Querier, sig *Signature) error {
	var phash sql.NullInt64
	if sig.HasPhash {
		phash = sql.NullInt64{Int64: int64(sig.FirstImagePhash), Valid: true}
	}
	var embedding any
	if len(sig.Embedding) > 0 {
		embedding = encodeVector(sig.Embedding)
	}
	_, err := q.Exec(`
		INSERT INTO dedupe_signatures (listing_id, title_trgm, desc_minhash, first_image_phash, embedding)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(listing_id) DO UPDATE SET
		  title_trgm = excluded.title_trgm, desc_minhash = excluded.desc_minhash,
		  first_image_phash = excluded.first_image_phash, embedding = excluded.embedding`,
		sig.ListingID.String(), strings.Join(sig.TitleTrigrams, " "),
		sig.DescMinhash, phash, embedding)
	if err != nil {
		return fmt.Errorf("save signature: %w", err)
	}

	if _, err := q.Exec("DELETE FROM title_trigrams WHERE listing_id = ?", sig.ListingID.String()); err != nil {
		return fmt.Errorf("clear trigram index: %w", err)
	}
	for _, t := range sig.TitleTrigrams {
		if _, err := q.Exec(`
			INSERT OR IGNORE INTO title_trigrams (trgm, listing_id) VALUES (?, ?)`,
			t, sig.ListingID.String()); err != nil {
			return fmt.Errorf("index trigram: %w", err)
		}
	}
	return nil
}

// GetSignature loads the fingerprints for a listing.
func GetSignature(q Querier, listingID uuid.UUID) (*Signature, error) {
	var (
		sig    Signature
		idStr  string
		trgm   string
		phash  sql.NullInt64
		vector []byte
	)
	err := q.QueryRow(`
		SELECT listing_id, title_trgm, desc_minhash, first_image_phash, embedding
		  FROM dedupe_signatures WHERE listing_id = ?`, listingID.String()).
		Scan(&idStr, &trgm, &sig.DescMinhash, &phash, &vector)
	if err != nil {
		return nil, wrapNotFound("get signature", err)
	}
	sig.ListingID, _ = uuid.Parse(idStr)
	if trgm != "" {
		sig.TitleTrigrams = strings.Fields(trgm)
	}
	if phash.Valid {
		sig.FirstImagePhash = uint64(phash.Int64)
		sig.HasPhash = true
	}
	sig.Embedding = decodeVector(vector)
	return &sig, nil
}

// DupCandidate is one potential duplicate with the fields the cascade needs
// for tie-breaking.
type DupCandidate struct {
	ListingID uuid.UUID
	Year      int
	MileageKM int64
	PriceBGN  decimal.Decimal
	FirstSeen time.Time
	Phash     uint64
	HasPhash  bool
	Embedding []float32
}

const dupCandidateCols = `
	c.id, c.year, c.mileage_km, c.price_bgn, c.first_seen`

func scanDupCandidates(rows *sql.Rows, withSig bool) ([]DupCandidate, error) {
	var out []DupCandidate
	for rows.Next() {
		var (
			d         DupCandidate
			idStr     string
			year      sql.NullInt64
			mileage   sql.NullInt64
			price     sql.NullString
			firstSeen string
			phash     sql.NullInt64
			vector    []byte
		)
		dest := []any{&idStr, &year, &mileage, &price, &firstSeen}
		if withSig {
			dest = append(dest, &phash, &vector)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		d.ListingID, _ = uuid.Parse(idStr)
		d.Year = int(year.Int64)
		d.MileageKM = mileage.Int64
		d.PriceBGN = decFrom(price)
		d.FirstSeen, _ = ParseTime(firstSeen)
		if phash.Valid {
			d.Phash = uint64(phash.Int64)
			d.HasPhash = true
		}
		d.Embedding = decodeVector(vector)
		out = append(out, d)
	}
	return out, rows.Err()
}

// PhoneDupCandidates returns active non-duplicate listings of the same brand
// and model offered by the same seller, excluding the listing itself.
func PhoneDupCandidates(q Querier, l *Listing) ([]DupCandidate, error) {
	if l.SellerID == uuid.Nil || l.BrandID == "" || l.ModelID == "" {
		return nil, nil
	}
	rows, err := q.Query(`
		SELECT `+dupCandidateCols+`
		  FROM listings c
		  JOIN raw_listings r ON r.id = c.raw_id
		 WHERE c.seller_id = ? AND c.brand_id = ? AND c.model_id = ?
		   AND c.id != ? AND c.is_duplicate = 0 AND r.is_active = 1
		   AND c.price_bgn IS NOT NULL`,
		l.SellerID.String(), l.BrandID, l.ModelID, l.ID.String())
	if err != nil {
		return nil, fmt.Errorf("phone dup candidates: %w", err)
	}
	defer rows.Close()
	return scanDupCandidates(rows, false)
}

// SignatureDupCandidates returns active non-duplicate listings of the same
// brand/model carrying a persisted signature (phash and/or embedding).
func SignatureDupCandidates(q Querier, l *Listing) ([]DupCandidate, error) {
	if l.BrandID == "" || l.ModelID == "" {
		return nil, nil
	}
	rows, err := q.Query(`
		SELECT `+dupCandidateCols+`, s.first_image_phash, s.embedding
		  FROM listings c
		  JOIN raw_listings r ON r.id = c.raw_id
		  JOIN dedupe_signatures s ON s.listing_id = c.id
		 WHERE c.brand_id = ? AND c.model_id = ?
		   AND c.id != ? AND c.is_duplicate = 0 AND r.is_active = 1`,
		l.BrandID, l.ModelID, l.ID.String())
	if err != nil {
		return nil, fmt.Errorf("signature dup candidates: %w", err)
	}
	defer rows.Close()
	return scanDupCandidates(rows, true)
}

// TrigramMatch pairs a candidate listing with its shared-trigram count.
type TrigramMatch struct {
	ListingID uuid.UUID
	Shared    int
	Total     int
}

// TrigramDupCandidates queries the inverted trigram index for listings
// sharing at least one trigram with the given set, returning shared and total
// counts so the caller can compute similarity. The listing itself and settled
// duplicates are excluded.
func TrigramDupCandidates(q Querier, self uuid.UUID, trigrams []string) ([]TrigramMatch, error) {
	if len(trigrams) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(trigrams)), ",")
	args := make([]any, 0, len(trigrams)+1)
	for _, t := range trigrams {
		args = append(args, t)
	}
	args = append(args, self.String())

	rows, err := q.Query(`
		SELECT t.listing_id,
		       COUNT(*) AS shared,
		       (SELECT COUNT(*) FROM title_trigrams tt WHERE tt.listing_id = t.listing_id) AS total
		  FROM title_trigrams t
		  JOIN listings c ON c.id = t.listing_id
		  JOIN raw_listings r ON r.id = c.raw_id
		 WHERE t.trgm IN (`+placeholders+`)
		   AND t.listing_id != ?
		   AND c.is_duplicate = 0 AND r.is_active = 1
		 GROUP BY t.listing_id
		 ORDER BY shared DESC
		 LIMIT 50`, args...)
	if err != nil {
		return nil, fmt.Errorf("trigram dup candidates: %w", err)
	}
	defer rows.Close()

	var out []TrigramMatch
	for rows.Next() {
		var (
			m     TrigramMatch
			idStr string
		)
		if err := rows.Scan(&idStr, &m.Shared, &m.Total); err != nil {
			return nil, err
		}
		m.ListingID, _ = uuid.Parse(idStr)
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetDupCandidate loads the tie-break fields for one listing id.
func GetDupCandidate(q Querier, id uuid.UUID) (*DupCandidate, error) {
	rows, err := q.Query(`
		SELECT `+dupCandidateCols+`
		  FROM listings c WHERE c.id = ?`, id.String())
	if err != nil {
		return nil, fmt.Errorf("get dup candidate: %w", err)
	}
	defer rows.Close()
	cands, err := scanDupCandidates(rows, false)
	if err != nil {
		return nil, err
	}
	if len(cands) == 0 {
		return nil, ErrNotFound
	}
	return &cands[0], nil
}

// DuplicateLogFor returns the dedupe decisions recorded for a listing.
func DuplicateLogFor(q Querier, listingID uuid.UUID) ([]DuplicateEntry, error) {
	rows, err := q.Query(`
		SELECT listing_id, duplicate_of, method, confidence, decided_at
		  FROM duplicate_log WHERE listing_id = ? ORDER BY decided_at`, listingID.String())
	if err != nil {
		return nil, fmt.Errorf("duplicate log: %w", err)
	}
	defer rows.Close()

	var out []DuplicateEntry
	for rows.Next() {
		var (
			e            DuplicateEntry
			lid, dup, at string
		)
		if err := rows.Scan(&lid, &dup, &e.Method, &e.Confidence, &at); err != nil {
			return nil, err
		}
		e.ListingID, _ = uuid.Parse(lid)
		e.DuplicateOf, _ = uuid.Parse(dup)
		e.DecidedAt, _ = ParseTime(at)
		out = append(out, e)
	}
	return out, rows.Err()
}

// encodeVector packs float32s little-endian for BLOB storage.
func encodeVector(v []float32) []byte {
	buf := bytes.NewBuffer(make([]byte, 0, len(v)*4))
	for _, f := range v {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], math.Float32bits(f))
		buf.Write(b[:])
	}
	return buf.Bytes()
}

func decodeVector(b []byte) []float32 {
	if len(b) < 4 {
		return nil
	}
	out := make([]float32, 0, len(b)/4)
	for i := 0; i+4 <= len(b); i += 4 {
		out = append(out, math.Float32frombits(binary.LittleEndian.Uint32(b[i:])))
	}
	return out
}
