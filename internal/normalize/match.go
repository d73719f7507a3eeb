package normalize

import (
	"regexp"
	"strings"

	"carscout/internal/store"
)

// Matcher resolves free-form brand/model text to canonical ids using the
// alias table. Built per normalize batch so alias edits are picked up without
// a restart.
type Matcher struct {
	// exact maps "brand model" (case-folded, cleaned) to canonical ids.
	exact map[string]store.BrandModel
	// byBrand groups rows for the fuzzy pass.
	byBrand map[string][]store.BrandModel
}

var nonWord = regexp.MustCompile(`[^\p{L}\p{N}\s-]+`)
var spaces = regexp.MustCompile(`\s+`)

// cleanText lowercases, strips punctuation, and collapses whitespace.
func cleanText(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = nonWord.ReplaceAllString(s, "")
	return spaces.ReplaceAllString(s, " ")
}

// NewMatcher indexes the active alias rows.
func NewMatcher(rows []store.BrandModel) *Matcher {
	m := &Matcher{
		exact:   make(map[string]store.BrandModel),
		byBrand: make(map[string][]store.BrandModel),
	}
	for _, bm := range rows {
		if !bm.Active {
			continue
		}
		brand := cleanText(bm.BrandID)
		model := cleanText(bm.ModelID)
		m.exact[brand+" "+model] = bm
		for _, alias := range bm.Aliases {
			m.exact[brand+" "+cleanText(alias)] = bm
			// Aliases may carry the full "brand model" spelling.
			m.exact[cleanText(alias)] = bm
		}
		m.byBrand[brand] = append(m.byBrand[brand], bm)
	}
	return m
}

// LoadMatcher builds a Matcher from the active alias table.
func LoadMatcher(q store.Querier) (*Matcher, error) {
	rows, err := store.ActiveBrandModels(q)
	if err != nil {
		return nil, err
	}
	return NewMatcher(rows), nil
}

// Match resolves (brand, model) text. Exact and alias lookups come first;
// when the brand is known the model falls back to edit distance <= 2. The
// boolean reports a confident mapping.
func (m *Matcher) Match(brand, model string) (brandID, modelID string, ok bool) {
	b := cleanText(brand)
	mo := cleanText(model)
	if b == "" || mo == "" {
		return "", "", false
	}

	if bm, found := m.exact[b+" "+mo]; found {
		return bm.BrandID, bm.ModelID, true
	}

	// Fuzzy within the brand's models only; cross-brand fuzzing would invite
	// bad merges like "320" onto the wrong marque.
	candidates, found := m.byBrand[b]
	if !found {
		return "", "", false
	}
	best := store.BrandModel{}
	bestDist := 3
	for _, bm := range candidates {
		names := append([]string{bm.ModelID}, bm.Aliases...)
		for _, name := range names {
			d := editDistance(mo, cleanText(name))
			if d < bestDist {
				bestDist = d
				best = bm
			}
		}
	}
	if bestDist <= 2 && best.BrandID != "" {
		// Short model names flip too easily: require distance proportional
		// to length.
		if len(mo) <= 3 && bestDist > 0 {
			return "", "", false
		}
		return best.BrandID, best.ModelID, true
	}
	return "", "", false
}

// MatchWords resolves the longest alias-table match over the leading words:
// brand+model first, then a brand-only fallback. Returns the canonical ids and
// how many words were consumed; zero means no match at all.
func (m *Matcher) MatchWords(words []string) (brandID, modelID string, consumed int) {
	max := len(words)
	if max > 5 {
		max = 5
	}
	for n := max; n >= 2; n-- {
		key := cleanText(strings.Join(words[:n], " "))
		if bm, ok := m.exact[key]; ok {
			return bm.BrandID, bm.ModelID, n
		}
	}
	// Brand names span at most two words ("mercedes benz", "land rover").
	for n := 2; n >= 1; n-- {
		if n > len(words) {
			continue
		}
		key := cleanText(strings.Join(words[:n], " "))
		if rows, ok := m.byBrand[key]; ok && len(rows) > 0 {
			return rows[0].BrandID, "", n
		}
	}
	return "", "", 0
}

// editDistance is Levenshtein over runes.
func editDistance(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}
	prev := make([]int, len(rb)+1)
	cur := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		cur[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			cur[j] = min3(cur[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, cur = cur, prev
	}
	return prev[len(rb)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}
