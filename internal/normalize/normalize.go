// Package normalize turns parse-stage drafts into canonical listings: brand
// and model resolution against the alias table, enum folding, numeric
// plausibility checks, BGN conversion, region canonicalization, and the
// hashes the later stages key on.
package normalize

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"go.uber.org/zap"

	"carscout/internal/store"
)

// SellerInfo is the contact data the parse stage recovered. The raw phone
// never reaches the database, only its keyed hash does: when the contact
// crosses a queue boundary the parse stage pre-hashes it and sets PhoneHash.
type SellerInfo struct {
	Phone      string `json:"-"`
	PhoneHash  string `json:"phone_hash,omitempty"`
	ProfileURL string `json:"profile_url,omitempty"`
}

// Normalizer applies the canonicalization rules to draft listings.
type Normalizer struct {
	log  *zap.Logger
	salt string
	now  func() time.Time
}

// New builds a Normalizer. salt keys the seller phone hash.
func New(log *zap.Logger, salt string) *Normalizer {
	return &Normalizer{log: log, salt: salt, now: time.Now}
}

// WithClock overrides the time source. Tests only.
func (n *Normalizer) WithClock(now func() time.Time) *Normalizer {
	n.now = now
	return n
}

// Normalize canonicalizes a draft listing in place. A listing whose brand and
// model cannot be confidently resolved stays a draft; everything else becomes
// status normalized and is ready for dedupe. The caller persists and, for
// normalized listings, enqueues the next stage in the same transaction.
func (n *Normalizer) Normalize(q store.Querier, l *store.Listing, seller SellerInfo) error {
	now := n.now().UTC()

	matcher, err := LoadMatcher(q)
	if err != nil {
		return err
	}
	brandID, modelID, ok := matcher.Match(l.BrandID, l.ModelID)
	if !ok {
		// Second chance: many sites front-load "brand model" in the title.
		brandID, modelID, ok = matcher.MatchTitle(l.Title)
	}
	if !ok {
		n.log.Debug("no brand/model mapping",
			zap.String("listing", l.ID.String()),
			zap.String("brand", l.BrandID), zap.String("model", l.ModelID))
		l.Status = store.ListingDraft
		return nil
	}
	l.BrandID, l.ModelID = brandID, modelID

	text := l.Title + "\n" + l.Description
	l.Fuel = Fuel(l.Fuel)
	l.Gearbox = Gearbox(l.Gearbox)
	l.Body = Body(l.Body)
	l.Year = Year(l.Year, text, now)
	l.MileageKM = Mileage(l.MileageKM, text)
	l.PowerHP = Power(l.PowerHP, text)
	l.Region = Region(l.Region)

	if !l.Price.IsZero() {
		rate, err := store.FXRate(q, now, l.Currency)
		if err != nil {
			return err
		}
		l.PriceBGN = l.Price.Mul(rate).Round(2)
	}

	l.DescriptionHash = DescriptionHash(l.Description)

	hash := seller.PhoneHash
	if hash == "" && seller.Phone != "" {
		hash = n.PhoneHash(seller.Phone)
	}
	if hash != "" {
		sellerID, err := store.UpsertSeller(q, hash, seller.ProfileURL)
		if err != nil {
			return err
		}
		l.SellerID = sellerID
	}

	l.Status = store.ListingNormalized
	l.NormalizedAt = now
	return nil
}

// MatchTitle tries to resolve brand and model from the leading words of a
// title, greedily: the longest alias-table match wins.
func (m *Matcher) MatchTitle(title string) (string, string, bool) {
	words := strings.Fields(cleanText(title))
	if len(words) < 2 {
		return "", "", false
	}
	// Longest prefix first, bounded: titles rarely need more than four words
	// for "mercedes benz c 220".
	max := len(words)
	if max > 5 {
		max = 5
	}
	for n := max; n >= 2; n-- {
		key := strings.Join(words[:n], " ")
		if bm, ok := m.exact[key]; ok {
			return bm.BrandID, bm.ModelID, true
		}
	}
	return "", "", false
}

// DescriptionHash is SHA-256 over the whitespace-normalized description,
// the key for dedupe text identity and the LLM cache.
func DescriptionHash(description string) string {
	norm := strings.Join(strings.Fields(description), " ")
	sum := sha256.Sum256([]byte(norm))
	return hex.EncodeToString(sum[:])
}

// PhoneHash is HMAC-SHA256 of the digit-normalized phone under the
// configured salt.
func (n *Normalizer) PhoneHash(phone string) string {
	mac := hmac.New(sha256.New, []byte(n.salt))
	mac.Write([]byte(normalizePhone(phone)))
	return hex.EncodeToString(mac.Sum(nil))
}

// normalizePhone keeps digits and folds the +359 country code onto the
// domestic 0-prefix so the same number always hashes the same.
func normalizePhone(phone string) string {
	digits := digitsOnly(phone)
	if strings.HasPrefix(digits, "359") && len(digits) > 3 {
		digits = "0" + digits[3:]
	}
	return digits
}
