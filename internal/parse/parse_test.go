package parse

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"carscout/internal/blob"
	"carscout/internal/queue"
	"carscout/internal/store"
)

const carsBGPage = `<html>
<head><title>CARS.BG - Ford Focus 2.0 TDCi, 14490 BGN, Дизел</title></head>
<body>
<h2>Ford Focus 2.0 TDCi/150к.с</h2>
<div class="text-copy">Март 2016, Хечбек, Употребяван автомобил, В добро състояние, Дизел, 185 000км, Ръчни скорости, 150к.с., EURO 6, 2000см3, 4/5 врати, Червен</div>
<div class="text-copy">Колата е обслужена, нови гуми, сервизна история.</div>
<div class="card-location">София</div>
<a href="tel:+359878129005">Позвъни</a>
<img src="https://g1-bg.cars.bg/2025-10-16_1/68f0a83d6de3c97b7202f3f3o.jpg">
<img src="https://g1-bg.cars.bg/2025-10-16_1/68f0a83d6de3c97b7202f3f3o.jpg">
<img src="https://www.cars.bg/static/logo.png">
</body></html>`

func TestCarsBGExtract(t *testing.T) {
	d, err := CarsBG{}.Extract([]byte(carsBGPage), "https://www.cars.bg/offer/68f0a83d")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if d.Title != "Ford Focus 2.0 TDCi/150к.с" {
		t.Errorf("title = %q", d.Title)
	}
	if d.Brand != "Ford" || d.Model != "Focus 2.0 TDCi/150к.с" {
		t.Errorf("brand/model = %q / %q", d.Brand, d.Model)
	}
	if !d.Price.Equal(decimal.NewFromInt(14490)) || d.Currency != "BGN" {
		t.Errorf("price = %s %s", d.Price, d.Currency)
	}
	if d.Year != 2016 {
		t.Errorf("year = %d", d.Year)
	}
	if d.MileageKM != 185000 {
		t.Errorf("mileage = %d", d.MileageKM)
	}
	if d.PowerHP != 150 {
		t.Errorf("power = %d", d.PowerHP)
	}
	if d.Fuel != "diesel" || d.Gearbox != "manual" || d.Body != "hatchback" {
		t.Errorf("enums = %q %q %q", d.Fuel, d.Gearbox, d.Body)
	}
	if d.Region != "София" {
		t.Errorf("region = %q", d.Region)
	}
	if d.SellerPhone != "+359878129005" {
		t.Errorf("phone = %q", d.SellerPhone)
	}
	if len(d.Images) != 1 || !strings.Contains(d.Images[0], "g1-bg.cars.bg") {
		t.Errorf("images = %v", d.Images)
	}
	if !strings.Contains(d.Description, "сервизна история") {
		t.Errorf("description = %q", d.Description)
	}
}

func TestCarsBGExtractTitleFromHead(t *testing.T) {
	page := `<html><head><title>CARS.BG - Peugeot 308 HDI/USB/NAVI, 15900 BGN, Дизел</title></head><body></body></html>`
	d, err := CarsBG{}.Extract([]byte(page), "")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if d.Title != "Peugeot 308 HDI/USB/NAVI" {
		t.Errorf("title = %q", d.Title)
	}
	if d.Brand != "Peugeot" || d.Model != "308 HDI/USB/NAVI" {
		t.Errorf("brand/model = %q / %q", d.Brand, d.Model)
	}
	if !d.Price.Equal(decimal.NewFromInt(15900)) {
		t.Errorf("price = %s", d.Price)
	}
}

func TestCarsBGExtractNoTitle(t *testing.T) {
	if _, err := (CarsBG{}).Extract([]byte("<html><body></body></html>"), ""); err == nil {
		t.Fatal("expected error for empty page")
	}
}

func TestMobileBGExtractJSON(t *testing.T) {
	record := `{
		"id": 12345678,
		"make": "BMW", "model": "320d", "year": 2018,
		"mileage": 150000, "price": 25500, "currency": "BGN",
		"fuel": "diesel", "transmission": "automatic",
		"description": "Перфектно състояние, първи собственик.",
		"images": [{"url": "https://img.mobile.bg/1.jpg"}, "https://img.mobile.bg/2.jpg"],
		"phone": "0888123456",
		"location": {"city": "Пловдив"}
	}`
	d, err := MobileBG{}.Extract([]byte(record), "https://www.mobile.bg/adv.php?adv=12345678")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if d.Title != "BMW 320d 2018" {
		t.Errorf("title = %q", d.Title)
	}
	if d.Brand != "BMW" || d.Model != "320d" || d.Year != 2018 || d.MileageKM != 150000 {
		t.Errorf("fields = %+v", d)
	}
	if !d.Price.Equal(decimal.NewFromInt(25500)) || d.Currency != "BGN" {
		t.Errorf("price = %s %s", d.Price, d.Currency)
	}
	if d.Fuel != "diesel" || d.Gearbox != "automatic" {
		t.Errorf("enums = %q %q", d.Fuel, d.Gearbox)
	}
	if len(d.Images) != 2 || d.Images[0] != "https://img.mobile.bg/1.jpg" {
		t.Errorf("images = %v", d.Images)
	}
	if d.SellerPhone != "0888123456" || d.Region != "Пловдив" {
		t.Errorf("seller = %q region = %q", d.SellerPhone, d.Region)
	}
}

func TestMobileBGExtractHTML(t *testing.T) {
	page := `<html><head><title>mobile.bg</title></head><body>
<h1>Opel Astra 1.7 CDTI</h1>
<div class="price">9 500 лв.</div>
<div>Първа регистрация: 2012 г, Пробег: 220 000 км, Дизел, Ръчна кутия</div>
<div class="description">Запазена, редовни масла.</div>
<div class="region">обл. Варна</div>
<div class="ad-photos"><img src="https://img.mobile.bg/a.jpg"></div>
</body></html>`
	d, err := MobileBG{}.Extract([]byte(page), "")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if d.Brand != "Opel" || d.Model != "Astra 1.7" {
		t.Errorf("brand/model = %q / %q", d.Brand, d.Model)
	}
	if !d.Price.Equal(decimal.NewFromInt(9500)) || d.Currency != "BGN" {
		t.Errorf("price = %s %s", d.Price, d.Currency)
	}
	if d.Year != 2012 || d.MileageKM != 220000 {
		t.Errorf("year/mileage = %d / %d", d.Year, d.MileageKM)
	}
	if d.Fuel != "diesel" || d.Gearbox != "manual" {
		t.Errorf("enums = %q %q", d.Fuel, d.Gearbox)
	}
	if d.Region != "обл. Варна" {
		t.Errorf("region = %q", d.Region)
	}
	if len(d.Images) != 1 {
		t.Errorf("images = %v", d.Images)
	}
}

func TestRegistryFallsBackToJSONFeed(t *testing.T) {
	reg := DefaultRegistry()
	ext := reg.Lookup("partner_api")
	if ext.Source() != "partner_api" {
		t.Fatalf("source = %q", ext.Source())
	}
	d, err := ext.Extract([]byte(`{"brand": "Dacia", "model": "Duster", "price": 30000, "image_urls": ["https://x/1.jpg"]}`), "")
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if d.Brand != "Dacia" || d.Model != "Duster" || len(d.Images) != 1 {
		t.Errorf("draft = %+v", d)
	}
	if d.Currency != "BGN" {
		t.Errorf("currency = %q, want BGN default", d.Currency)
	}
}

func TestJSONFeedRejectsJunk(t *testing.T) {
	for _, raw := range []string{"not json", "[1,2,3]", "{}"} {
		if _, err := NewJSONFeed("x").Extract([]byte(raw), ""); err == nil {
			t.Errorf("Extract(%q) succeeded, want error", raw)
		}
	}
}

type parseFixture struct {
	s     *store.Store
	blobs *blob.Memory
	p     *Parser
	src   uuid.UUID
}

func newParseFixture(t *testing.T, sourceName string) *parseFixture {
	t.Helper()
	s, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("open memory store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	src := &store.Source{Name: sourceName, BaseURL: "https://" + sourceName, Enabled: true}
	if err := store.InsertSource(s.SqlDB(), src); err != nil {
		t.Fatalf("insert source: %v", err)
	}
	blobs := blob.NewMemory()
	hash := func(phone string) string { return "hashed:" + phone }
	return &parseFixture{
		s:     s,
		blobs: blobs,
		p:     New(zap.NewNop(), s, blobs, DefaultRegistry(), hash),
		src:   src.ID,
	}
}

func (f *parseFixture) addRaw(t *testing.T, adID, blobKey string, page []byte) uuid.UUID {
	t.Helper()
	if page != nil {
		if err := f.blobs.Put(blobKey, page); err != nil {
			t.Fatalf("put blob: %v", err)
		}
	}
	rawID, _, err := store.UpsertRawListing(f.s.SqlDB(), store.RawObservation{
		SourceID:    f.src,
		SiteAdID:    adID,
		URL:         "https://example/" + adID,
		RawBlobKey:  blobKey,
		ContentHash: "hash-" + adID,
		ObservedAt:  time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("upsert raw: %v", err)
	}
	return rawID
}

func TestParserWritesDraftAndEnqueuesNormalize(t *testing.T) {
	f := newParseFixture(t, "cars_bg")
	rawID := f.addRaw(t, "68f0a83d", "raw/cars_bg/68f0a83d", []byte(carsBGPage))

	listingID, err := f.p.Parse(context.Background(), rawID)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	l, err := store.GetListingByRawID(f.s.SqlDB(), rawID)
	if err != nil {
		t.Fatalf("load draft: %v", err)
	}
	if l.ID != listingID || l.Status != store.ListingDraft {
		t.Fatalf("listing = %+v", l)
	}
	if l.BrandID != "Ford" || l.Year != 2016 || l.MileageKM != 185000 {
		t.Fatalf("draft fields = %+v", l)
	}
	imgs, err := store.ListingImages(f.s.SqlDB(), l.ID)
	if err != nil || len(imgs) != 1 {
		t.Fatalf("images = %v err = %v", imgs, err)
	}

	depths, err := queue.Depths(f.s.SqlDB())
	if err != nil {
		t.Fatalf("depths: %v", err)
	}
	if depths[queue.StageNormalize] != 1 {
		t.Fatalf("normalize depth = %d", depths[queue.StageNormalize])
	}

	// The queued payload carries the hashed contact, never the raw phone.
	var payload string
	if err := f.s.SqlDB().QueryRow(
		"SELECT payload FROM queue_jobs WHERE stage = ?", queue.StageNormalize).Scan(&payload); err != nil {
		t.Fatalf("read payload: %v", err)
	}
	if strings.Contains(payload, "878129005") {
		t.Fatalf("raw phone leaked into queue payload: %s", payload)
	}
	if !strings.Contains(payload, "hashed:+359878129005") {
		t.Fatalf("phone hash missing from payload: %s", payload)
	}
}

func TestParserDeactivatesAfterRepeatedFailures(t *testing.T) {
	f := newParseFixture(t, "cars_bg")
	rawID := f.addRaw(t, "bad", "raw/cars_bg/bad", []byte("<html><body>nothing here</body></html>"))

	for i := 0; i < MaxParseErrors; i++ {
		if _, err := f.p.Parse(context.Background(), rawID); err == nil {
			t.Fatalf("attempt %d: expected extract error", i+1)
		}
	}
	raw, err := store.GetRawListing(f.s.SqlDB(), rawID)
	if err != nil {
		t.Fatalf("load raw: %v", err)
	}
	if raw.IsActive {
		t.Fatal("raw row still active after error budget")
	}
	// Inactive rows are skipped without error.
	if id, err := f.p.Parse(context.Background(), rawID); err != nil || id != uuid.Nil {
		t.Fatalf("inactive parse = %s, %v", id, err)
	}
}

func TestParserMissingBlobIsTerminal(t *testing.T) {
	f := newParseFixture(t, "cars_bg")
	rawID := f.addRaw(t, "gone", "raw/cars_bg/gone", nil)

	id, err := f.p.Parse(context.Background(), rawID)
	if err != nil || id != uuid.Nil {
		t.Fatalf("parse = %s, %v, want terminal no-op", id, err)
	}
	raw, err := store.GetRawListing(f.s.SqlDB(), rawID)
	if err != nil {
		t.Fatalf("load raw: %v", err)
	}
	if raw.ParseErrors != 0 {
		t.Fatalf("parse errors = %d, want 0 for missing blob", raw.ParseErrors)
	}
}

func TestParserSuccessClearsErrorCounter(t *testing.T) {
	f := newParseFixture(t, "cars_bg")
	rawID := f.addRaw(t, "flaky", "raw/cars_bg/flaky", []byte("<html><body>junk</body></html>"))

	if _, err := f.p.Parse(context.Background(), rawID); err == nil {
		t.Fatal("expected extract error")
	}
	if err := f.blobs.Put("raw/cars_bg/flaky", []byte(carsBGPage)); err != nil {
		t.Fatalf("put blob: %v", err)
	}
	if _, err := f.p.Parse(context.Background(), rawID); err != nil {
		t.Fatalf("parse: %v", err)
	}
	raw, err := store.GetRawListing(f.s.SqlDB(), rawID)
	if err != nil {
		t.Fatalf("load raw: %v", err)
	}
	if raw.ParseErrors != 0 {
		t.Fatalf("parse errors = %d, want reset", raw.ParseErrors)
	}
}
