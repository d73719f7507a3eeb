package store

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// MaxImagesPerListing caps stored photos per listing.
const MaxImagesPerListing = 5

// ReplaceImages swaps the image set for a listing with the given URLs,
// keeping at most MaxImagesPerListing in order.
func ReplaceImages(q Querier, listingID uuid.UUID, urls []string) error {
	if _, err := q.Exec("DELETE FROM images WHERE listing_id = ?", listingID.String()); err != nil {
		return fmt.Errorf("clear images: %w", err)
	}
	if len(urls) > MaxImagesPerListing {
		urls = urls[:MaxImagesPerListing]
	}
	for i, url := range urls {
		_, err := q.Exec(`
			INSERT INTO images (id, listing_id, url, idx) VALUES (?, ?, ?, ?)`,
			uuid.New().String(), listingID.String(), url, i)
		if err != nil {
			return fmt.Errorf("insert image %d: %w", i, err)
		}
	}
	return nil
}

// ListingImages returns images ordered by index.
func ListingImages(q Querier, listingID uuid.UUID) ([]Image, error) {
	rows, err := q.Query(`
		SELECT id, listing_id, url, content_hash, width, height, idx
		  FROM images WHERE listing_id = ? ORDER BY idx`, listingID.String())
	if err != nil {
		return nil, fmt.Errorf("list images: %w", err)
	}
	defer rows.Close()

	var out []Image
	for rows.Next() {
		var (
			img           Image
			idStr, lidStr string
			hash          sql.NullString
			w, h          sql.NullInt64
		)
		if err := rows.Scan(&idStr, &lidStr, &img.URL, &hash, &w, &h, &img.Index); err != nil {
			return nil, err
		}
		img.ID, _ = uuid.Parse(idStr)
		img.ListingID, _ = uuid.Parse(lidStr)
		img.ContentHash = hash.String
		img.Width, img.Height = int(w.Int64), int(h.Int64)
		out = append(out, img)
	}
	return out, rows.Err()
}
