package store

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// UpsertBrandModel inserts or refreshes one alias mapping.
func UpsertBrandModel(q Querier, bm *BrandModel) error {
	if bm.ID == uuid.Nil {
		bm.ID = uuid.New()
	}
	if bm.Locale == "" {
		bm.Locale = "bg"
	}
	aliases, _ := json.Marshal(bm.Aliases)
	_, err := q.Exec(`
		INSERT INTO brand_models (id, brand_id, model_id, aliases, locale, active)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(brand_id, model_id) DO UPDATE SET
		  aliases = excluded.aliases, locale = excluded.locale, active = excluded.active`,
		bm.ID.String(), bm.BrandID, bm.ModelID, string(aliases), bm.Locale, bm.Active)
	if err != nil {
		return fmt.Errorf("upsert brand model %s/%s: %w", bm.BrandID, bm.ModelID, err)
	}
	return nil
}

// SeedBrandModels installs a starter alias table covering the models that
// dominate the Bulgarian second-hand market. Idempotent; operators extend the
// table through the same upsert.
func SeedBrandModels(q Querier) error {
	seed := []BrandModel{
		{BrandID: "bmw", ModelID: "320", Aliases: []string{"бмв 320", "bmw 320d", "bmw 320i"}},
		{BrandID: "bmw", ModelID: "520", Aliases: []string{"бмв 520", "bmw 520d"}},
		{BrandID: "bmw", ModelID: "x5", Aliases: []string{"бмв x5", "бмв х5"}},
		{BrandID: "audi", ModelID: "a4", Aliases: []string{"ауди а4", "audi а4"}},
		{BrandID: "audi", ModelID: "a6", Aliases: []string{"ауди а6", "audi а6"}},
		{BrandID: "vw", ModelID: "golf", Aliases: []string{"фолксваген голф", "vw голф", "volkswagen golf"}},
		{BrandID: "vw", ModelID: "passat", Aliases: []string{"фолксваген пасат", "vw пасат", "volkswagen passat"}},
		{BrandID: "mercedes", ModelID: "c_class", Aliases: []string{"мерцедес c", "мерцедес ц класа", "mercedes c class", "mercedes-benz c"}},
		{BrandID: "mercedes", ModelID: "e_class", Aliases: []string{"мерцедес e", "мерцедес е класа", "mercedes e class", "mercedes-benz e"}},
		{BrandID: "opel", ModelID: "astra", Aliases: []string{"опел астра"}},
		{BrandID: "opel", ModelID: "corsa", Aliases: []string{"опел корса"}},
		{BrandID: "toyota", ModelID: "corolla", Aliases: []string{"тойота корола"}},
		{BrandID: "toyota", ModelID: "rav4", Aliases: []string{"тойота рав4", "toyota rav 4"}},
		{BrandID: "renault", ModelID: "megane", Aliases: []string{"рено меган"}},
		{BrandID: "renault", ModelID: "clio", Aliases: []string{"рено клио"}},
		{BrandID: "ford", ModelID: "focus", Aliases: []string{"форд фокус"}},
		{BrandID: "ford", ModelID: "fiesta", Aliases: []string{"форд фиеста"}},
		{BrandID: "peugeot", ModelID: "308", Aliases: []string{"пежо 308"}},
		{BrandID: "skoda", ModelID: "octavia", Aliases: []string{"шкода октавия"}},
		{BrandID: "honda", ModelID: "civic", Aliases: []string{"хонда сивик"}},
	}
	for i := range seed {
		seed[i].Active = true
		if err := UpsertBrandModel(q, &seed[i]); err != nil {
			return err
		}
	}
	return nil
}

// ActiveBrandModels returns every active mapping for the in-memory matcher.
func ActiveBrandModels(q Querier) ([]BrandModel, error) {
	rows, err := q.Query(`
		SELECT id, brand_id, model_id, aliases, locale, active
		  FROM brand_models WHERE active = 1`)
	if err != nil {
		return nil, fmt.Errorf("list brand models: %w", err)
	}
	defer rows.Close()

	var out []BrandModel
	for rows.Next() {
		var (
			bm      BrandModel
			idStr   string
			aliases string
		)
		if err := rows.Scan(&idStr, &bm.BrandID, &bm.ModelID, &aliases, &bm.Locale, &bm.Active); err != nil {
			return nil, err
		}
		bm.ID, _ = uuid.Parse(idStr)
		json.Unmarshal([]byte(aliases), &bm.Aliases)
		out = append(out, bm)
	}
	return out, rows.Err()
}
