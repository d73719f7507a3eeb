// Package dedupe decides whether a freshly normalized listing is a repost of
// one already in the system. Four methods run in fixed order, each with its
// own confidence; the first hit wins. The earliest-seen listing of a match
// group is always the canonical one, regardless of arrival order.
package dedupe

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"carscout/internal/store"
)

// Method confidences and thresholds.
const (
	phoneConfidence     = 0.95
	imageConfidence     = 0.90
	textConfidence      = 0.75
	embeddingConfidence = 0.80

	maxHamming        = 10
	trigramThreshold  = 0.80
	cosineThreshold   = 0.85
	priceTolerancePct = 10
	mileageTolerance  = 30
)

// ImageFetcher retrieves raw image bytes for perceptual hashing. Optional.
type ImageFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Embedder produces description embeddings. Optional; the embedding method
// only runs when both sides carry a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Decision is the dedupe outcome for one listing.
type Decision struct {
	IsDuplicate bool
	CanonicalID uuid.UUID
	Method      string
	Confidence  float64
}

// Deduper runs the cascade.
type Deduper struct {
	log      *zap.Logger
	fetcher  ImageFetcher
	embedder Embedder
}

// New builds a Deduper. fetcher and embedder may be nil, disabling the image
// and embedding methods respectively.
func New(log *zap.Logger, fetcher ImageFetcher, embedder Embedder) *Deduper {
	return &Deduper{log: log, fetcher: fetcher, embedder: embedder}
}

// Signature computes the listing's fingerprints. Image and embedding parts
// are best-effort: a fetch or embed failure just leaves that method disabled
// for this listing.
func (d *Deduper) Signature(ctx context.Context, q store.Querier, l *store.Listing) *store.Signature {
	sig := &store.Signature{
		ListingID:     l.ID,
		TitleTrigrams: Trigrams(l.Title),
		DescMinhash:   MinHash(l.Description),
	}

	if d.fetcher != nil {
		if imgs, err := store.ListingImages(q, l.ID); err == nil && len(imgs) > 0 {
			if data, err := d.fetcher.Fetch(ctx, imgs[0].URL); err == nil {
				if h, err := DecodeAHash(data); err == nil {
					sig.FirstImagePhash = h
					sig.HasPhash = true
				}
			} else {
				d.log.Debug("image fetch failed",
					zap.String("listing", l.ID.String()), zap.Error(err))
			}
		}
	}

	if d.embedder != nil && l.Description != "" {
		if vec, err := d.embedder.Embed(ctx, l.Description); err == nil {
			sig.Embedding = vec
		} else {
			d.log.Debug("embedding failed",
				zap.String("listing", l.ID.String()), zap.Error(err))
		}
	}
	return sig
}

// Run executes the cascade for l with its computed signature and settles the
// outcome: either the listing is marked duplicate of the group's earliest
// member, or its signature is persisted so future listings can match it.
// Everything runs on q, which the caller scopes to one transaction.
func (d *Deduper) Run(ctx context.Context, q store.Querier, l *store.Listing, sig *store.Signature) (*Decision, error) {
	match, err := d.findMatch(q, l, sig)
	if err != nil {
		return nil, err
	}
	if match == nil {
		if err := store.SaveSignature(q, sig); err != nil {
			return nil, err
		}
		return &Decision{}, nil
	}

	canonical, err := d.settle(q, l, sig, match)
	if err != nil {
		return nil, err
	}
	dec := &Decision{
		IsDuplicate: canonical != l.ID,
		CanonicalID: canonical,
		Method:      match.method,
		Confidence:  match.confidence,
	}
	d.log.Info("duplicate detected",
		zap.String("listing", l.ID.String()),
		zap.String("canonical", canonical.String()),
		zap.String("method", match.method),
		zap.Float64("confidence", match.confidence))
	return dec, nil
}

type matchResult struct {
	listingID  uuid.UUID
	method     string
	confidence float64
}

func (d *Deduper) findMatch(q store.Querier, l *store.Listing, sig *store.Signature) (*matchResult, error) {
	// 1. Shared seller phone on the same model with a close price.
	if l.SellerID != uuid.Nil {
		cands, err := store.PhoneDupCandidates(q, l)
		if err != nil {
			return nil, err
		}
		for _, c := range cands {
			if withinPct(l.PriceBGN, c.PriceBGN, priceTolerancePct) {
				return &matchResult{c.ListingID, store.MethodPhone, phoneConfidence}, nil
			}
		}
	}

	// Signature-bearing candidates serve both the image and embedding passes.
	var sigCands []store.DupCandidate
	if sig.HasPhash || len(sig.Embedding) > 0 {
		var err error
		sigCands, err = store.SignatureDupCandidates(q, l)
		if err != nil {
			return nil, err
		}
	}

	// 2. First-image perceptual hash.
	if sig.HasPhash {
		for _, c := range sigCands {
			if c.HasPhash && HammingDistance(sig.FirstImagePhash, c.Phash) <= maxHamming {
				return &matchResult{c.ListingID, store.MethodImage, imageConfidence}, nil
			}
		}
	}

	// 3. Title trigram similarity, tie-broken on the structured fields.
	tms, err := store.TrigramDupCandidates(q, l.ID, sig.TitleTrigrams)
	if err != nil {
		return nil, err
	}
	for _, tm := range tms {
		if TrigramSimilarity(tm.Shared, len(sig.TitleTrigrams), tm.Total) < trigramThreshold {
			continue
		}
		other, err := store.GetListing(q, tm.ListingID)
		if err != nil {
			return nil, err
		}
		if d.textTieBreak(l, other) {
			return &matchResult{tm.ListingID, store.MethodText, textConfidence}, nil
		}
	}

	// 4. Description embedding cosine.
	if len(sig.Embedding) > 0 {
		for _, c := range sigCands {
			if Cosine(sig.Embedding, c.Embedding) >= cosineThreshold {
				return &matchResult{c.ListingID, store.MethodEmbedding, embeddingConfidence}, nil
			}
		}
	}
	return nil, nil
}

// textTieBreak confirms a title match with the structured fields: same model,
// same year, mileage within 30%, price within 10%.
func (d *Deduper) textTieBreak(a, b *store.Listing) bool {
	if a.BrandID != b.BrandID || a.ModelID != b.ModelID {
		return false
	}
	if a.Year != 0 && b.Year != 0 && a.Year != b.Year {
		return false
	}
	if a.MileageKM > 0 && b.MileageKM > 0 && !withinPctInt(a.MileageKM, b.MileageKM, mileageTolerance) {
		return false
	}
	return withinPct(a.PriceBGN, b.PriceBGN, priceTolerancePct)
}

// settle picks the canonical (earliest first_seen across the whole group)
// and records the decision. When the new listing predates the group's
// current root, the root flips to a duplicate of the new listing.
func (d *Deduper) settle(q store.Querier, l *store.Listing, sig *store.Signature, match *matchResult) (uuid.UUID, error) {
	root, err := store.ResolveCanonical(q, match.listingID)
	if err != nil {
		return uuid.Nil, err
	}
	rootSeen, err := store.ListingFirstSeen(q, root)
	if err != nil {
		return uuid.Nil, err
	}

	now := time.Now().UTC()
	if l.FirstSeen.Before(rootSeen) {
		// The new listing is the group's earliest: it becomes canonical.
		if err := store.SaveSignature(q, sig); err != nil {
			return uuid.Nil, err
		}
		err := store.MarkDuplicate(q, store.DuplicateEntry{
			ListingID:   root,
			DuplicateOf: l.ID,
			Method:      match.method,
			Confidence:  match.confidence,
			DecidedAt:   now,
		})
		if err != nil {
			return uuid.Nil, err
		}
		return l.ID, nil
	}

	err = store.MarkDuplicate(q, store.DuplicateEntry{
		ListingID:   l.ID,
		DuplicateOf: root,
		Method:      match.method,
		Confidence:  match.confidence,
		DecidedAt:   now,
	})
	if err != nil {
		return uuid.Nil, err
	}
	return root, nil
}

func withinPct(a, b decimal.Decimal, pct int64) bool {
	if a.IsZero() || b.IsZero() {
		// A listing without a price cannot confirm a price-based tie-break.
		return false
	}
	diff := a.Sub(b).Abs()
	limit := b.Mul(decimal.NewFromInt(pct)).Div(decimal.NewFromInt(100))
	return diff.LessThanOrEqual(limit)
}

func withinPctInt(a, b int64, pct int64) bool {
	diff := a - b
	if diff < 0 {
		diff = -diff
	}
	return diff*100 <= b*pct
}
