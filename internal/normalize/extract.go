package normalize

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Plausibility bounds for extracted numbers.
const (
	minYear      = 1980
	maxMileageKM = 1_000_000
)

var (
	// \b is ASCII-only in Go regexp, so the Cyrillic unit suffixes are
	// delimited with an explicit non-letter class instead.
	yearRe = regexp.MustCompile(`\b(19[89]\d|20\d{2})\b`)
	// 150 000 км / 150000km / 150.000 км
	mileageRe = regexp.MustCompile(`(?i)\b(\d{1,3}(?:[ .,]?\d{3})*|\d+)\s*(?:км|km|к\.м\.?)(?:[^\p{L}]|$)`)
	powerRe   = regexp.MustCompile(`(?i)\b(\d{2,4})\s*(?:к\.с\.?|кс|hp|ps)(?:[^\p{L}]|$)`)
)

// Year validates a structured year or recovers one from text. Returns 0 when
// nothing plausible is found.
func Year(structured int, text string, now time.Time) int {
	if plausibleYear(structured, now) {
		return structured
	}
	for _, m := range yearRe.FindAllStringSubmatch(text, -1) {
		y, _ := strconv.Atoi(m[1])
		if plausibleYear(y, now) {
			return y
		}
	}
	return 0
}

func plausibleYear(y int, now time.Time) bool {
	return y >= minYear && y <= now.Year()+1
}

// Mileage validates a structured mileage or recovers one from text. Zero
// means unknown, both in and out.
func Mileage(structured int64, text string) int64 {
	if plausibleMileage(structured) {
		return structured
	}
	for _, m := range mileageRe.FindAllStringSubmatch(text, -1) {
		v, err := strconv.ParseInt(digitsOnly(m[1]), 10, 64)
		if err == nil && plausibleMileage(v) {
			return v
		}
	}
	return 0
}

func plausibleMileage(km int64) bool {
	return km > 0 && km <= maxMileageKM
}

// Power recovers engine power in hp from text when the structured value is
// missing.
func Power(structured int, text string) int {
	if structured > 0 {
		return structured
	}
	if m := powerRe.FindStringSubmatch(text); m != nil {
		v, _ := strconv.Atoi(m[1])
		if v > 0 && v < 2000 {
			return v
		}
	}
	return 0
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
