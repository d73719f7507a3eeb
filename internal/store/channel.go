package store

import (
	"time"

	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// GetChannelPost returns the broadcast record for (channel, listing), or
// ErrNotFound when the listing has never been posted there.
func GetChannelPost(q Querier, channel string, listingID uuid.UUID) (*ChannelPost, error) {
	var (
		p        ChannelPost
		lidStr   string
		postedAt string
		price    string
	)
	err := q.QueryRow(`
		SELECT channel, listing_id, message_id, posted_at, last_price_bgn
		  FROM channel_posts WHERE channel = ? AND listing_id = ?`,
		channel, listingID.String()).
		Scan(&p.Channel, &lidStr, &p.MessageID, &postedAt, &price)
	if err != nil {
		return nil, wrapNotFound("get channel post", err)
	}
	p.ListingID, _ = uuid.Parse(lidStr)
	p.PostedAt, _ = ParseTime(postedAt)
	p.LastPriceBGN, _ = decimal.NewFromString(price)
	return &p, nil
}

// InsertChannelPost records a fresh broadcast. The (channel, listing) primary
// key makes a double insert fail rather than fork a second row.
func InsertChannelPost(q Querier, p *ChannelPost) error {
	if p.PostedAt.IsZero() {
		p.PostedAt = time.Now().UTC()
	}
	_, err := q.Exec(`
		INSERT INTO channel_posts (channel, listing_id, message_id, posted_at, last_price_bgn)
		VALUES (?, ?, ?, ?, ?)`,
		p.Channel, p.ListingID.String(), p.MessageID, FormatTime(p.PostedAt),
		p.LastPriceBGN.StringFixed(2))
	if err != nil {
		return fmt.Errorf("insert channel post: %w", err)
	}
	return nil
}

// UpdateChannelPostPrice records the price shown after an edit.
func UpdateChannelPostPrice(q Querier, channel string, listingID uuid.UUID, price decimal.Decimal) error {
	res, err := q.Exec(`
		UPDATE channel_posts SET last_price_bgn = ? WHERE channel = ? AND listing_id = ?`,
		price.StringFixed(2), channel, listingID.String())
	if err != nil {
		return fmt.Errorf("update channel post price: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountRecentModelPosts counts posts in a channel for one (brand, model)
// within the diversity window ending at now.
func CountRecentModelPosts(q Querier, channel, brandID, modelID string, window time.Duration, now time.Time) (int, error) {
	since := now.Add(-window)
	var n int
	err := q.QueryRow(`
		SELECT COUNT(*)
		  FROM channel_posts p
		  JOIN listings l ON l.id = p.listing_id
		 WHERE p.channel = ? AND l.brand_id = ? AND l.model_id = ? AND p.posted_at >= ?`,
		channel, brandID, modelID, FormatTime(since)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count recent model posts: %w", err)
	}
	return n, nil
}
