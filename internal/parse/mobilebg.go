package parse

import (
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// MobileBG extracts drafts from mobile.bg. The site serves JSON from its ad
// API and classic HTML everywhere else, so JSON is tried first.
type MobileBG struct{}

func (MobileBG) Source() string { return "mobile_bg" }

func (m MobileBG) Extract(raw []byte, url string) (*Draft, error) {
	if d, ok := draftFromJSON(raw); ok {
		if d.Title == "" && d.Brand != "" && d.Model != "" && d.Year > 0 {
			d.Title = fmt.Sprintf("%s %s %d", d.Brand, d.Model, d.Year)
		}
		return d, nil
	}
	return m.fromHTML(raw)
}

var (
	mobileYearRe    = regexp.MustCompile(`(\d{4})\s*г`)
	mobileMileageRe = regexp.MustCompile(`(\d[\d\s]*)\s*км`)
)

func (MobileBG) fromHTML(raw []byte) (*Draft, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}

	title := collapseSpace(doc.Find("h1").First().Text())
	if title == "" {
		title = collapseSpace(doc.Find("title").First().Text())
	}
	if title == "" {
		return nil, errors.New("no title on page")
	}

	d := &Draft{Title: title}

	// Titles front-load "Brand Model ...".
	words := strings.Fields(title)
	if len(words) > 0 {
		d.Brand = words[0]
	}
	if len(words) > 1 {
		end := 3
		if end > len(words) {
			end = len(words)
		}
		d.Model = strings.Join(words[1:end], " ")
	}

	priceText := doc.Find(".price, .ad-price").First().Text()
	if p := parsePrice(priceText); !p.IsZero() {
		d.Price = p
		if d.Currency = currencyOf(priceText); d.Currency == "" {
			d.Currency = "BGN"
		}
	}

	body := doc.Text()
	if m := mobileYearRe.FindStringSubmatch(body); m != nil {
		d.Year = atoiSafe(m[1])
	}
	if m := mobileMileageRe.FindStringSubmatch(body); m != nil {
		d.MileageKM = int64(atoiSafe(strings.ReplaceAll(m[1], " ", "")))
	}
	d.Fuel = fuelKeyword(body)
	switch {
	case strings.Contains(body, "Автоматична"):
		d.Gearbox = "automatic"
	case strings.Contains(body, "Ръчна"):
		d.Gearbox = "manual"
	}

	d.Description = collapseSpace(doc.Find(".description, .ad-description").First().Text())
	d.Region = collapseSpace(doc.Find(".region, .ad-location").First().Text())
	d.SellerPhone = collapseSpace(doc.Find(".phone, .ad-phone").First().Text())

	doc.Find(".car-image img, .ad-photos img").Each(func(_ int, s *goquery.Selection) {
		if src, ok := s.Attr("src"); ok && src != "" {
			d.Images = append(d.Images, src)
		}
	})
	return d, nil
}

// fuelKeyword scans page text for the Bulgarian fuel markers.
func fuelKeyword(text string) string {
	switch {
	case strings.Contains(text, "Дизел"):
		return "diesel"
	case strings.Contains(text, "Бензин"):
		return "petrol"
	case strings.Contains(text, "Газ") || strings.Contains(text, "ГАЗ"):
		return "lpg"
	case strings.Contains(text, "Електро"):
		return "electric"
	case strings.Contains(text, "Хибрид"):
		return "hybrid"
	}
	return ""
}
