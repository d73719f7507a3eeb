package parse

import (
	"bytes"
	"errors"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// CarsBG extracts drafts from cars.bg offer pages. Most structured data
// lives in one comma-separated details paragraph ("Март 2016, Хечбек,
// Употребяван автомобил, Дизел, 185 000км, Ръчни скорости, 150к.с., ...")
// and the page <title> is the most reliable price source.
type CarsBG struct{}

func (CarsBG) Source() string { return "cars_bg" }

var (
	carsPriceBGNRe = regexp.MustCompile(`(\d[\d\s,]*)\s*BGN`)
	carsPriceEURRe = regexp.MustCompile(`(\d[\d\s,.]*)\s*EUR`)
	carsYearRe     = regexp.MustCompile(`\b(19|20)\d{2}\b`)
	carsMileageRe  = regexp.MustCompile(`(?i)(\d[\d\s]*)\s*км`)
	carsPowerRe    = regexp.MustCompile(`(\d+)\s*к\.с\.`)
)

// monthYearRes matches "Март 2016" style first-registration dates.
var monthYearRes = func() []*regexp.Regexp {
	months := []string{
		"Януари", "Февруари", "Март", "Април", "Май", "Юни",
		"Юли", "Август", "Септември", "Октомври", "Ноември", "Декември",
	}
	res := make([]*regexp.Regexp, len(months))
	for i, m := range months {
		res[i] = regexp.MustCompile(m + `\s+(\d{4})`)
	}
	return res
}()

// carsBrands is ordered so multi-word brands match before their prefixes.
var carsBrands = []string{
	"Mercedes-Benz", "Mercedes", "Alfa Romeo", "Land Rover", "Range Rover",
	"Rolls-Royce", "Audi", "BMW", "VW", "Volkswagen", "Opel", "Ford",
	"Toyota", "Renault", "Peugeot", "Citroën", "Citroen", "Mazda", "Nissan",
	"Honda", "Hyundai", "Kia", "Škoda", "Skoda", "Seat", "Fiat", "Dacia",
	"Suzuki", "Mitsubishi", "Subaru", "Volvo", "Lexus", "Infiniti",
	"Porsche", "Jaguar", "Mini", "Smart", "Jeep", "Chevrolet", "Dodge",
	"Chrysler", "Cadillac", "Tesla", "Bentley",
}

func (CarsBG) Extract(raw []byte, url string) (*Draft, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}

	pageTitle := collapseSpace(doc.Find("title").First().Text())
	title := collapseSpace(doc.Find("h2").First().Text())
	if title == "" && strings.Contains(pageTitle, "CARS.BG") {
		// "CARS.BG - Ford Focus 2.0 TDC/ 150к.с, 14490 BGN, Дизел"
		rest := strings.TrimSpace(strings.TrimPrefix(pageTitle, "CARS.BG -"))
		title = strings.TrimSpace(strings.SplitN(rest, ",", 2)[0])
	}
	if title == "" {
		return nil, errors.New("no title on page")
	}

	d := &Draft{Title: title}
	d.Brand, d.Model = carsBrandModel(title)

	for _, text := range []string{pageTitle, strings.Join(doc.Find(`[class*="price"]`).Map(textOf), " ")} {
		if m := carsPriceBGNRe.FindStringSubmatch(text); m != nil {
			d.Price, d.Currency = parsePrice(m[1]), "BGN"
			break
		}
		if m := carsPriceEURRe.FindStringSubmatch(text); m != nil {
			d.Price, d.Currency = parsePrice(m[1]), "EUR"
			break
		}
	}

	detailParts := doc.Find(".text-copy").Map(textOf)
	details := ""
	if len(detailParts) > 0 {
		details = collapseSpace(detailParts[0])
	}
	if details == "" {
		details = collapseSpace(strings.Join(doc.Find("p").Map(textOf), " "))
	}

	for _, re := range monthYearRes {
		if m := re.FindStringSubmatch(details); m != nil {
			d.Year = atoiSafe(m[1])
			break
		}
	}
	if d.Year == 0 {
		if m := carsYearRe.FindString(details); m != "" {
			d.Year = atoiSafe(m)
		}
	}
	if m := carsMileageRe.FindStringSubmatch(details); m != nil {
		d.MileageKM = int64(atoiSafe(strings.ReplaceAll(m[1], " ", "")))
	}
	if m := carsPowerRe.FindStringSubmatch(details); m != nil {
		d.PowerHP = atoiSafe(m[1])
	}
	d.Fuel = fuelKeyword(details)
	switch {
	case strings.Contains(details, "Автоматични"):
		d.Gearbox = "automatic"
	case strings.Contains(details, "Ръчни"):
		d.Gearbox = "manual"
	}
	d.Body = carsBody(details)

	// Everything in .text-copy after the details paragraph is free text.
	if len(detailParts) > 1 {
		d.Description = collapseSpace(strings.Join(detailParts[1:], " "))
	} else {
		d.Description = details
	}

	if region := collapseSpace(doc.Find(`[class*="location"]`).First().Text()); region != "" {
		d.Region = region
	}

	if tel, ok := doc.Find(`a[href^="tel:"]`).First().Attr("href"); ok {
		d.SellerPhone = strings.TrimPrefix(tel, "tel:")
	}

	seen := make(map[string]bool)
	doc.Find(`img[src*="cars.bg"]`).Each(func(_ int, s *goquery.Selection) {
		src, _ := s.Attr("src")
		// Car photos live under dated paths; icons and logos do not.
		if strings.HasPrefix(src, "http") && strings.Contains(src, "/2") && !seen[src] {
			seen[src] = true
			d.Images = append(d.Images, src)
		}
	})
	return d, nil
}

// carsBrandModel splits "Peugeot 308 HDI/USB/NAVI" into brand and a short
// model: up to three tokens after the brand, trailing punctuation trimmed.
func carsBrandModel(title string) (string, string) {
	up := strings.ToUpper(title)
	for _, b := range carsBrands {
		pos := strings.Index(up, strings.ToUpper(b))
		if pos < 0 {
			continue
		}
		after := strings.TrimSpace(title[pos+len(b):])
		if cut := strings.IndexAny(after, ","); cut >= 0 {
			after = after[:cut]
		}
		parts := strings.Fields(after)
		if len(parts) > 3 {
			parts = parts[:3]
		}
		model := strings.TrimRight(strings.Join(parts, " "), "/.-")
		return b, strings.TrimSpace(model)
	}
	return "", ""
}

func carsBody(details string) string {
	switch {
	case strings.Contains(details, "Хечбек"):
		return "hatchback"
	case strings.Contains(details, "Седан"):
		return "sedan"
	case strings.Contains(details, "Комби") || strings.Contains(details, "Стейшън"):
		return "estate"
	case strings.Contains(details, "Купе"):
		return "coupe"
	case strings.Contains(details, "Джип") || strings.Contains(details, "SUV"):
		return "suv"
	case strings.Contains(details, "Миниван") || strings.Contains(details, "Ван"):
		return "van"
	case strings.Contains(details, "Кабрио"):
		return "convertible"
	}
	return ""
}

func textOf(_ int, s *goquery.Selection) string { return s.Text() }
