// Package parse recovers structured listing drafts from raw scraped pages.
// Every source has an extractor keyed by its name; a field an extractor
// cannot read with confidence stays unset, never guessed. Normalization of
// the recovered values happens downstream.
package parse

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"carscout/internal/blob"
	"carscout/internal/normalize"
	"carscout/internal/queue"
	"carscout/internal/store"
)

// Draft is what an extractor could safely read from one page. Zero values
// mean unknown.
type Draft struct {
	Title       string
	Brand       string
	Model       string
	Price       decimal.Decimal
	Currency    string
	Year        int
	MileageKM   int64
	Fuel        string
	Gearbox     string
	Body        string
	Region      string
	PowerHP     int
	Description string
	Images      []string
	SellerPhone string
	SellerURL   string
}

// Extractor pulls a Draft out of one raw page body.
type Extractor interface {
	Source() string
	Extract(raw []byte, url string) (*Draft, error)
}

// Registry resolves extractors by source name. Sources without a dedicated
// extractor fall back to the structured-record JSON extractor, which covers
// adapters that hand over parsed fields directly.
type Registry struct {
	byName map[string]Extractor
}

// NewRegistry indexes the given extractors by source name.
func NewRegistry(extractors ...Extractor) *Registry {
	r := &Registry{byName: make(map[string]Extractor, len(extractors))}
	for _, e := range extractors {
		r.byName[e.Source()] = e
	}
	return r
}

// DefaultRegistry carries the extractors for the supported marketplaces.
func DefaultRegistry() *Registry {
	return NewRegistry(MobileBG{}, CarsBG{})
}

// Lookup returns the extractor for a source, falling back to JSONFeed.
func (r *Registry) Lookup(source string) Extractor {
	if e, ok := r.byName[source]; ok {
		return e
	}
	return JSONFeed{source: source}
}

// MaxParseErrors deactivates a raw row after this many consecutive failures.
const MaxParseErrors = 3

// Parser runs the parse stage for one raw listing: fetch the stored page,
// extract, persist the draft, hand the listing to normalize.
type Parser struct {
	log       *zap.Logger
	db        *store.Store
	blobs     blob.Store
	reg       *Registry
	hashPhone func(string) string

	MaxErrors int
}

// New builds a Parser. hashPhone keys seller contact hashes; the raw phone
// never leaves the parse stage.
func New(log *zap.Logger, db *store.Store, blobs blob.Store, reg *Registry, hashPhone func(string) string) *Parser {
	return &Parser{log: log, db: db, blobs: blobs, reg: reg, hashPhone: hashPhone, MaxErrors: MaxParseErrors}
}

// Parse processes one raw listing. Extraction failures count against the raw
// row's consecutive-error budget and are returned so the caller's retry
// policy applies. A missing or empty blob is terminal until a fresh scrape
// stores a new one. Returns the draft listing id on success.
func (p *Parser) Parse(ctx context.Context, rawID uuid.UUID) (uuid.UUID, error) {
	raw, err := store.GetRawListing(p.db.SqlDB(), rawID)
	if err != nil {
		return uuid.Nil, err
	}
	if !raw.IsActive {
		p.log.Debug("skipping inactive raw listing", zap.String("raw", rawID.String()))
		return uuid.Nil, nil
	}
	src, err := store.GetSource(p.db.SqlDB(), raw.SourceID)
	if err != nil {
		return uuid.Nil, err
	}

	if raw.RawBlobKey == "" {
		p.log.Warn("raw listing has no stored page", zap.String("raw", rawID.String()))
		return uuid.Nil, nil
	}
	data, err := p.blobs.Get(raw.RawBlobKey)
	if errors.Is(err, blob.ErrNotFound) || (err == nil && len(data) == 0) {
		p.log.Warn("stored page missing or empty",
			zap.String("raw", rawID.String()), zap.String("key", raw.RawBlobKey))
		return uuid.Nil, nil
	}
	if err != nil {
		return uuid.Nil, err
	}

	draft, err := p.reg.Lookup(src.Name).Extract(data, raw.URL)
	if err != nil {
		return uuid.Nil, p.fail(raw.ID, src.Name, err)
	}

	l := draftListing(raw, draft)
	seller := normalize.SellerInfo{ProfileURL: draft.SellerURL}
	if draft.SellerPhone != "" && p.hashPhone != nil {
		seller.PhoneHash = p.hashPhone(draft.SellerPhone)
	}

	err = p.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := store.UpsertListingDraft(tx, l); err != nil {
			return err
		}
		if err := store.ReplaceImages(tx, l.ID, draft.Images); err != nil {
			return err
		}
		if err := store.ClearParseErrors(tx, raw.ID); err != nil {
			return err
		}
		_, err := queue.Enqueue(tx, queue.StageNormalize, l.ID, queue.WithPayload(seller))
		return err
	})
	if err != nil {
		return uuid.Nil, err
	}
	p.log.Info("parsed listing",
		zap.String("source", src.Name),
		zap.String("listing", l.ID.String()),
		zap.String("title", l.Title))
	return l.ID, nil
}

func (p *Parser) fail(rawID uuid.UUID, source string, cause error) error {
	maxErrs := p.MaxErrors
	if maxErrs <= 0 {
		maxErrs = MaxParseErrors
	}
	count, err := store.RecordParseError(p.db.SqlDB(), rawID, maxErrs)
	if err != nil {
		return err
	}
	if count >= maxErrs {
		p.log.Warn("raw listing deactivated after repeated parse failures",
			zap.String("raw", rawID.String()), zap.String("source", source),
			zap.Int("errors", count), zap.Error(cause))
	}
	return fmt.Errorf("extract %s: %w", source, cause)
}

func draftListing(raw *store.RawListing, d *Draft) *store.Listing {
	return &store.Listing{
		RawID:       raw.ID,
		BrandID:     d.Brand,
		ModelID:     d.Model,
		Year:        d.Year,
		MileageKM:   d.MileageKM,
		Fuel:        d.Fuel,
		Gearbox:     d.Gearbox,
		Body:        d.Body,
		Price:       d.Price,
		Currency:    d.Currency,
		Region:      d.Region,
		Title:       d.Title,
		Description: d.Description,
		PowerHP:     d.PowerHP,
		FirstSeen:   raw.FirstSeen,
	}
}

var numberRe = regexp.MustCompile(`\d[\d\s.,]*`)

// parsePrice reads the first number out of a price string, tolerating space
// and comma thousands separators ("23 500", "23,500", "14490") and a dotted
// decimal tail ("12,015.36").
func parsePrice(text string) decimal.Decimal {
	m := numberRe.FindString(text)
	if m == "" {
		return decimal.Decimal{}
	}
	clean := strings.NewReplacer(" ", "", "\u00a0", "", ",", "").Replace(strings.TrimRight(m, ". ,"))
	d, err := decimal.NewFromString(clean)
	if err != nil {
		return decimal.Decimal{}
	}
	return d
}

// currencyOf recognizes the currency markers the Bulgarian sites use.
func currencyOf(text string) string {
	up := strings.ToUpper(text)
	switch {
	case strings.Contains(up, "EUR") || strings.Contains(text, "€"):
		return "EUR"
	case strings.Contains(up, "BGN") || strings.Contains(up, "ЛВ") || strings.Contains(text, "лв"):
		return "BGN"
	default:
		return ""
	}
}

func atoiSafe(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}

// collapseSpace folds runs of whitespace, including newlines, to one space.
func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
