package normalize

import (
	"strings"

	"carscout/internal/store"
)

// fuelMap folds the site vocabularies, Bulgarian first, onto the canonical
// fuel enum.
var fuelMap = map[string]string{
	"дизел":    store.FuelDiesel,
	"diesel":   store.FuelDiesel,
	"бензин":   store.FuelPetrol,
	"petrol":   store.FuelPetrol,
	"gasoline": store.FuelPetrol,
	"газ":      store.FuelLPG,
	"газ/бензин": store.FuelLPG,
	"lpg":      store.FuelLPG,
	"метан":    store.FuelCNG,
	"cng":      store.FuelCNG,
	"електро":  store.FuelElectric,
	"електрически": store.FuelElectric,
	"electric": store.FuelElectric,
	"хибрид":   store.FuelHybrid,
	"хибриден": store.FuelHybrid,
	"hybrid":   store.FuelHybrid,
}

var gearboxMap = map[string]string{
	"автоматична":     store.GearboxAuto,
	"автоматик":       store.GearboxAuto,
	"automatic":       store.GearboxAuto,
	"auto":            store.GearboxAuto,
	"ръчна":           store.GearboxManual,
	"manual":          store.GearboxManual,
	"полуавтоматична": store.GearboxSemiAuto,
	"semi-automatic":  store.GearboxSemiAuto,
	"semi_auto":       store.GearboxSemiAuto,
}

var bodyMap = map[string]string{
	"седан":       store.BodySedan,
	"sedan":       store.BodySedan,
	"хечбек":      store.BodyHatchback,
	"хетчбек":     store.BodyHatchback,
	"hatchback":   store.BodyHatchback,
	"комби":       store.BodyEstate,
	"wagon":       store.BodyEstate,
	"estate":      store.BodyEstate,
	"джип":        store.BodySUV,
	"suv":         store.BodySUV,
	"кабрио":      store.BodyConvertible,
	"кабриолет":   store.BodyConvertible,
	"convertible": store.BodyConvertible,
	"купе":        store.BodyCoupe,
	"coupe":       store.BodyCoupe,
	"ван":         store.BodyVan,
	"van":         store.BodyVan,
	"пикап":       store.BodyPickup,
	"pickup":      store.BodyPickup,
}

// Fuel maps a free-form fuel value to the canonical enum; recognized but
// unmapped values become "other", empty stays empty.
func Fuel(s string) string {
	return lookupEnum(fuelMap, s)
}

// Gearbox maps a free-form gearbox value to the canonical enum.
func Gearbox(s string) string {
	return lookupEnum(gearboxMap, s)
}

// Body maps a free-form body value to the canonical enum.
func Body(s string) string {
	return lookupEnum(bodyMap, s)
}

// FuelToken resolves s only when it is a known fuel word; unlike Fuel it
// never folds unknowns into "other". Alert queries need the distinction.
func FuelToken(s string) (string, bool) {
	return tokenLookup(fuelMap, s)
}

// GearboxToken resolves s only when it is a known gearbox word.
func GearboxToken(s string) (string, bool) {
	return tokenLookup(gearboxMap, s)
}

// BodyToken resolves s only when it is a known body-style word.
func BodyToken(s string) (string, bool) {
	return tokenLookup(bodyMap, s)
}

func tokenLookup(m map[string]string, s string) (string, bool) {
	v, ok := m[strings.ToLower(strings.TrimSpace(s))]
	return v, ok
}

func lookupEnum(m map[string]string, s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ""
	}
	if v, ok := m[s]; ok {
		return v
	}
	return "other"
}

// regionAliases maps spellings to the closed canonical region set.
var regionAliases = map[string]string{
	"софия":          "sofia",
	"sofia":          "sofia",
	"софия-град":     "sofia",
	"гр. софия":      "sofia",
	"пловдив":        "plovdiv",
	"plovdiv":        "plovdiv",
	"варна":          "varna",
	"varna":          "varna",
	"бургас":         "burgas",
	"burgas":         "burgas",
	"русе":           "ruse",
	"ruse":           "ruse",
	"стара загора":   "stara_zagora",
	"stara zagora":   "stara_zagora",
	"плевен":         "pleven",
	"pleven":         "pleven",
	"сливен":         "sliven",
	"sliven":         "sliven",
	"добрич":         "dobrich",
	"dobrich":        "dobrich",
	"шумен":          "shumen",
	"shumen":         "shumen",
	"перник":         "pernik",
	"pernik":         "pernik",
	"хасково":        "haskovo",
	"haskovo":        "haskovo",
	"ямбол":          "yambol",
	"yambol":         "yambol",
	"пазарджик":      "pazardzhik",
	"pazardzhik":     "pazardzhik",
	"благоевград":    "blagoevgrad",
	"blagoevgrad":    "blagoevgrad",
	"велико търново": "veliko_tarnovo",
	"veliko tarnovo": "veliko_tarnovo",
	"враца":          "vratsa",
	"vratsa":         "vratsa",
	"габрово":        "gabrovo",
	"gabrovo":        "gabrovo",
	"видин":          "vidin",
	"vidin":          "vidin",
	"монтана":        "montana",
	"montana":        "montana",
	"ловеч":          "lovech",
	"lovech":         "lovech",
	"разград":        "razgrad",
	"razgrad":        "razgrad",
	"силистра":       "silistra",
	"silistra":       "silistra",
	"търговище":      "targovishte",
	"targovishte":    "targovishte",
	"кърджали":       "kardzhali",
	"kardzhali":      "kardzhali",
	"кюстендил":      "kyustendil",
	"kyustendil":     "kyustendil",
	"смолян":         "smolyan",
	"smolyan":        "smolyan",
}

// Region canonicalizes a location string. Exact alias first, then a
// containment pass so "София, кв. Люлин" still resolves to sofia. Unknown
// regions come back empty.
func Region(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ""
	}
	if r, ok := regionAliases[s]; ok {
		return r
	}
	for alias, canon := range regionAliases {
		if strings.Contains(s, alias) {
			return canon
		}
	}
	return ""
}

// RegionContains reports whether region b lies within region a, one
// containment level deep. With a closed flat set this is equality, kept as a
// seam for district-level regions.
func RegionContains(a, b string) bool {
	return a == b
}
