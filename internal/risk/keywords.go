package risk

// Keyword sets are versioned together with the rule logic; bump rulesVersion
// whenever a list changes so stored evaluations can be told apart.
const rulesVersion = "bg-v1"

// Red flag categories. Accident and salvage are hard categories that force a
// red verdict on their own; the rest are soft signals.
const (
	CatAccident = "accident"
	CatSalvage  = "salvage"
	CatImport   = "import"
	CatUrgency  = "urgency"
	CatOdometer = "odometer_tamper"
	CatCosmetic = "cosmetic"
)

// hardCategories force red regardless of anything else in the text.
var hardCategories = map[string]bool{
	CatAccident: true,
	CatSalvage:  true,
}

// redFlagKeywords is Bulgarian-first with the English phrases that show up in
// cross-posted listings.
var redFlagKeywords = map[string][]string{
	CatAccident: {
		"катастрофирал", "катастрофа", "удар", "ударен", "повреди от катастрофа",
		"accident", "crashed", "collision",
	},
	CatSalvage: {
		"тотал", "дерегистриран", "бракуван", "на части",
		"salvage", "totaled", "write-off", "for parts",
	},
	CatImport: {
		"нов внос", "пресен внос", "американски внос", "от америка",
		"fresh import", "imported from",
	},
	CatOdometer: {
		// Sellers assert authenticity exactly when buyers doubt it.
		"реални километри", "неманипулиран километраж", "верен километраж",
		"real mileage", "original mileage",
	},
	CatUrgency: {
		"спешно", "бърза продажба", "зле ми са парите", "заминавам",
		"urgent", "quick sale", "need money",
	},
	CatCosmetic: {
		"драскотини", "вдлъбнатини", "нуждае се от бояджийски",
		"scratches", "dents", "needs bodywork",
	},
}

// positiveKeywords soften the verdict when nothing red is present.
var positiveKeywords = map[string][]string{
	"maintenance": {
		"сервизна история", "редовно обслужвана", "на гаранция",
		"service history", "well maintained", "under warranty",
	},
	"ownership": {
		"първи собственик", "един собственик", "личен автомобил",
		"first owner", "one owner", "personal use",
	},
	"condition": {
		"перфектно състояние", "отлично състояние", "много запазена",
		"perfect condition", "excellent condition", "well preserved",
	},
}
