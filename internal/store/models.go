package store

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Canonical enum values. Free-form site values are folded into these by the
// normalize stage; "other" absorbs anything recognized but unmapped.
const (
	FuelPetrol   = "petrol"
	FuelDiesel   = "diesel"
	FuelHybrid   = "hybrid"
	FuelElectric = "electric"
	FuelLPG      = "lpg"
	FuelCNG      = "cng"
	FuelOther    = "other"

	GearboxManual   = "manual"
	GearboxAuto     = "automatic"
	GearboxSemiAuto = "semi_auto"
	GearboxOther    = "other"

	BodySedan       = "sedan"
	BodyHatchback   = "hatchback"
	BodyEstate      = "estate"
	BodySUV         = "suv"
	BodyCoupe       = "coupe"
	BodyConvertible = "convertible"
	BodyVan         = "van"
	BodyPickup      = "pickup"
	BodyOther       = "other"
)

// Risk levels.
const (
	RiskGreen  = "green"
	RiskYellow = "yellow"
	RiskRed    = "red"
)

// Score states.
const (
	StateDraft    = "draft"
	StateApproved = "approved"
	StateRejected = "rejected"
)

// Listing statuses through the pipeline.
const (
	ListingDraft      = "draft"
	ListingNormalized = "normalized"
)

// Alert match delivery statuses.
const (
	MatchPending  = "pending"
	MatchNotified = "notified"
	MatchSkipped  = "skipped"
	MatchFailed   = "failed"
)

// Dedupe methods, in cascade order.
const (
	MethodPhone     = "phone"
	MethodImage     = "image"
	MethodText      = "text"
	MethodEmbedding = "embedding"
)

// Plan names.
const (
	PlanFree    = "free"
	PlanPremium = "premium"
	PlanPro     = "pro"
)

// Source is a marketplace the scheduler ticks.
type Source struct {
	ID            uuid.UUID
	Name          string
	BaseURL       string
	Enabled       bool
	CrawlInterval time.Duration
	CreatedAt     time.Time
}

// RawListing is one observed classified ad, unique per (source, site ad id).
type RawListing struct {
	ID           uuid.UUID
	SourceID     uuid.UUID
	SiteAdID     string
	URL          string
	RawBlobKey   string
	ContentHash  string
	HTTPStatus   int
	ETag         string
	LastModified string
	ParseErrors  int
	FirstSeen    time.Time
	LastSeen     time.Time
	IsActive     bool
	Version      int
}

// Listing is the normalized view of a raw listing, one per parse generation.
type Listing struct {
	ID              uuid.UUID
	RawID           uuid.UUID
	BrandID         string
	ModelID         string
	Year            int
	MileageKM       int64
	Fuel            string
	Gearbox         string
	Body            string
	Price           decimal.Decimal
	Currency        string
	PriceBGN        decimal.Decimal
	Region          string
	Title           string
	Description     string
	DescriptionHash string
	Features        []string
	PowerHP         int
	SellerID        uuid.UUID
	Status          string
	IsDuplicate     bool
	CanonicalOf     uuid.UUID
	Version         int
	FirstSeen       time.Time
	NormalizedAt    time.Time
}

// BrandModel maps free-form brand/model spellings to canonical ids.
type BrandModel struct {
	ID      uuid.UUID
	BrandID string
	ModelID string
	Aliases []string
	Locale  string
	Active  bool
}

// Image is one listing photo; at most five are kept per listing.
type Image struct {
	ID          uuid.UUID
	ListingID   uuid.UUID
	URL         string
	ContentHash string
	Width       int
	Height      int
	Index       int
}

// Seller is keyed by an HMAC of the phone digits; the raw number is never
// stored.
type Seller struct {
	ID           uuid.UUID
	PhoneHash    string
	ProfileURL   string
	ContactCount int
	Blacklisted  bool
}

// PricePoint is one append-only price observation.
type PricePoint struct {
	ListingID uuid.UUID
	PriceBGN  decimal.Decimal
	SeenAt    time.Time
}

// CompCache holds the comparable-based price estimate for a listing.
type CompCache struct {
	ListingID      uuid.UUID
	P10            decimal.Decimal
	P25            decimal.Decimal
	P50            decimal.Decimal
	P75            decimal.Decimal
	P90            decimal.Decimal
	PredictedPrice decimal.Decimal
	HasPrediction  bool
	DiscountPct    float64
	SampleSize     int
	Confidence     float64
	ComputedAt     time.Time
	ModelVersion   string
}

// RiskEvaluation is the merged rule + LLM verdict for a listing.
type RiskEvaluation struct {
	ListingID      uuid.UUID
	Flags          map[string][]string
	RiskLevel      string
	RuleConfidence float64
	LLMSummary     string
	LLMReasons     []string
	LLMConfidence  float64
	LLMUsed        bool
	LLMUnavailable bool
	EvaluatedAt    time.Time
}

// Score is the 1-10 verdict plus its explainable components.
type Score struct {
	ListingID   uuid.UUID
	Score       float64
	PriceScore  float64
	RiskPenalty float64
	Freshness   float64
	Liquidity   float64
	Reasons     []string
	State       string
	ScoredAt    time.Time
}

// Signature holds the dedupe fingerprints persisted for future matching.
type Signature struct {
	ListingID       uuid.UUID
	TitleTrigrams   []string
	DescMinhash     string
	FirstImagePhash uint64
	HasPhash        bool
	Embedding       []float32
}

// DuplicateEntry records one dedupe decision.
type DuplicateEntry struct {
	ListingID   uuid.UUID
	DuplicateOf uuid.UUID
	Method      string
	Confidence  float64
	DecidedAt   time.Time
}

// Plan is a subscription tier with its notification entitlements.
type Plan struct {
	ID        uuid.UUID
	Name      string
	MaxAlerts int
	Delay     time.Duration
	DailyCap  int // -1 means unlimited
}

// User is an alert subscriber.
type User struct {
	ID             uuid.UUID
	TelegramUserID int64
	PlanID         uuid.UUID
	Status         string
}

// Subscription is the billing-side projection consulted at dispatch time.
type Subscription struct {
	UserID           uuid.UUID
	PlanID           uuid.UUID
	Status           string
	CurrentPeriodEnd time.Time
}

// Alert is a saved search in DSL form plus its normalized filters (JSON).
type Alert struct {
	ID          uuid.UUID
	UserID      uuid.UUID
	DSLQuery    string
	FiltersJSON string
	Active      bool
	CreatedAt   time.Time
}

// AlertMatch pairs an alert with a listing; unique per pair.
type AlertMatch struct {
	ID          uuid.UUID
	AlertID     uuid.UUID
	ListingID   uuid.UUID
	MatchedAt   time.Time
	NotifyAfter time.Time
	NotifiedAt  time.Time
	Status      string
}

// ChannelPost records a broadcast message, unique per (channel, listing).
type ChannelPost struct {
	Channel      string
	ListingID    uuid.UUID
	MessageID    int64
	PostedAt     time.Time
	LastPriceBGN decimal.Decimal
}
