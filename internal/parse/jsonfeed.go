package parse

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// JSONFeed extracts drafts from sources whose adapters emit structured
// records instead of pages. Field names follow the common classified-ad
// vocabulary with the aliases the site APIs are known to use.
type JSONFeed struct {
	source string
}

// NewJSONFeed builds a JSONFeed for one source name.
func NewJSONFeed(source string) JSONFeed {
	return JSONFeed{source: source}
}

func (j JSONFeed) Source() string { return j.source }

func (j JSONFeed) Extract(raw []byte, url string) (*Draft, error) {
	d, ok := draftFromJSON(raw)
	if !ok {
		return nil, errors.New("record is not a usable JSON object")
	}
	return d, nil
}

// draftFromJSON reads a structured ad record. Returns false when the bytes
// are not a JSON object or carry none of the known fields.
func draftFromJSON(raw []byte) (*Draft, bool) {
	if !gjson.ValidBytes(raw) {
		return nil, false
	}
	doc := gjson.ParseBytes(raw)
	if !doc.IsObject() {
		return nil, false
	}

	d := &Draft{
		Title:       first(doc, "title").String(),
		Brand:       first(doc, "make", "brand").String(),
		Model:       first(doc, "model").String(),
		Year:        int(first(doc, "year").Int()),
		MileageKM:   first(doc, "mileage", "mileage_km").Int(),
		Fuel:        first(doc, "fuel", "fuel_type").String(),
		Gearbox:     first(doc, "transmission", "gearbox").String(),
		Body:        first(doc, "body", "body_type").String(),
		Description: first(doc, "description").String(),
		SellerPhone: first(doc, "phone", "seller_phone").String(),
		SellerURL:   first(doc, "seller_url").String(),
	}

	if p := first(doc, "price"); p.Exists() {
		d.Price = decimal.NewFromFloat(p.Float())
		d.Currency = first(doc, "currency").String()
		if d.Currency == "" {
			d.Currency = "BGN"
		}
	}

	if r := first(doc, "region", "location.city", "location", "city"); r.Type == gjson.String {
		d.Region = r.String()
	}
	if hp := first(doc, "power_hp", "power"); hp.Exists() {
		d.PowerHP = int(hp.Int())
	}

	// Images arrive either as plain URLs or as {url: ...} objects.
	first(doc, "images", "image_urls").ForEach(func(_, v gjson.Result) bool {
		url := v.String()
		if v.IsObject() {
			url = v.Get("url").String()
		}
		if url != "" {
			d.Images = append(d.Images, url)
		}
		return true
	})

	if d.Title == "" && d.Brand == "" && d.Price.IsZero() && d.Description == "" {
		return nil, false
	}
	return d, true
}

func first(doc gjson.Result, paths ...string) gjson.Result {
	for _, p := range paths {
		if v := doc.Get(p); v.Exists() {
			return v
		}
	}
	return gjson.Result{}
}
