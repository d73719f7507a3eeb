package store

func (s *Store) migrate() error {
	version := 0
	s.sql.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)

	if version < 1 {
		_, err := s.sql.Exec(`
			CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY);

			CREATE TABLE IF NOT EXISTS sources (
				id               TEXT PRIMARY KEY,
				name             TEXT NOT NULL UNIQUE,
				base_url         TEXT NOT NULL,
				enabled          INTEGER NOT NULL DEFAULT 1,
				crawl_interval_s INTEGER NOT NULL DEFAULT 120,
				created_at       TEXT NOT NULL
			);

			CREATE TABLE IF NOT EXISTS raw_listings (
				id            TEXT PRIMARY KEY,
				source_id     TEXT NOT NULL REFERENCES sources(id),
				site_ad_id    TEXT NOT NULL,
				url           TEXT NOT NULL,
				raw_blob_key  TEXT,
				content_hash  TEXT,
				http_status   INTEGER,
				etag          TEXT,
				last_modified TEXT,
				parse_errors  INTEGER NOT NULL DEFAULT 0,
				first_seen    TEXT NOT NULL,
				last_seen     TEXT NOT NULL,
				is_active     INTEGER NOT NULL DEFAULT 1,
				version       INTEGER NOT NULL DEFAULT 1,
				UNIQUE(source_id, site_ad_id)
			);
			CREATE INDEX IF NOT EXISTS idx_raw_first_seen ON raw_listings(first_seen);
			CREATE INDEX IF NOT EXISTS idx_raw_active ON raw_listings(is_active);

			CREATE TABLE IF NOT EXISTS brand_models (
				id       TEXT PRIMARY KEY,
				brand_id TEXT NOT NULL,
				model_id TEXT NOT NULL,
				aliases  TEXT NOT NULL DEFAULT '[]',
				locale   TEXT NOT NULL DEFAULT 'bg',
				active   INTEGER NOT NULL DEFAULT 1,
				UNIQUE(brand_id, model_id)
			);

			CREATE TABLE IF NOT EXISTS sellers (
				id            TEXT PRIMARY KEY,
				phone_hash    TEXT NOT NULL UNIQUE,
				profile_url   TEXT,
				contact_count INTEGER NOT NULL DEFAULT 0,
				blacklisted   INTEGER NOT NULL DEFAULT 0
			);
			CREATE INDEX IF NOT EXISTS idx_sellers_blacklisted ON sellers(phone_hash) WHERE blacklisted = 1;

			CREATE TABLE IF NOT EXISTS listings (
				id               TEXT PRIMARY KEY,
				raw_id           TEXT NOT NULL UNIQUE REFERENCES raw_listings(id),
				brand_id         TEXT,
				model_id         TEXT,
				year             INTEGER,
				mileage_km       INTEGER,
				fuel             TEXT,
				gearbox          TEXT,
				body             TEXT,
				price            TEXT,
				currency         TEXT,
				price_bgn        TEXT,
				region           TEXT,
				title            TEXT NOT NULL DEFAULT '',
				description      TEXT NOT NULL DEFAULT '',
				description_hash TEXT,
				features         TEXT NOT NULL DEFAULT '[]',
				power_hp         INTEGER,
				seller_id        TEXT REFERENCES sellers(id),
				status           TEXT NOT NULL DEFAULT 'draft',
				is_duplicate     INTEGER NOT NULL DEFAULT 0,
				canonical_of     TEXT,
				version          INTEGER NOT NULL DEFAULT 1,
				first_seen       TEXT NOT NULL,
				normalized_at    TEXT
			);
			CREATE INDEX IF NOT EXISTS idx_listings_bmy ON listings(brand_id, model_id, year);
			CREATE INDEX IF NOT EXISTS idx_listings_price ON listings(price_bgn);
			CREATE INDEX IF NOT EXISTS idx_listings_desc_hash ON listings(description_hash);
			CREATE INDEX IF NOT EXISTS idx_listings_dup ON listings(is_duplicate);

			CREATE TABLE IF NOT EXISTS images (
				id           TEXT PRIMARY KEY,
				listing_id   TEXT NOT NULL REFERENCES listings(id),
				url          TEXT NOT NULL,
				content_hash TEXT,
				width        INTEGER,
				height       INTEGER,
				idx          INTEGER NOT NULL DEFAULT 0,
				UNIQUE(listing_id, idx)
			);

			CREATE TABLE IF NOT EXISTS price_history (
				id         INTEGER PRIMARY KEY AUTOINCREMENT,
				listing_id TEXT NOT NULL REFERENCES listings(id),
				price_bgn  TEXT NOT NULL,
				seen_at    TEXT NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_price_history ON price_history(listing_id, seen_at);

			CREATE TABLE IF NOT EXISTS comp_cache (
				listing_id      TEXT PRIMARY KEY REFERENCES listings(id),
				p10             TEXT,
				p25             TEXT,
				p50             TEXT,
				p75             TEXT,
				p90             TEXT,
				predicted_price TEXT,
				discount_pct    REAL NOT NULL DEFAULT 0,
				sample_size     INTEGER NOT NULL DEFAULT 0,
				confidence      REAL NOT NULL DEFAULT 0,
				computed_at     TEXT NOT NULL,
				model_version   TEXT NOT NULL
			);

			CREATE TABLE IF NOT EXISTS risk_evaluations (
				listing_id      TEXT PRIMARY KEY REFERENCES listings(id),
				flags           TEXT NOT NULL DEFAULT '{}',
				risk_level      TEXT NOT NULL,
				rule_confidence REAL NOT NULL,
				llm_summary     TEXT,
				llm_reasons     TEXT NOT NULL DEFAULT '[]',
				llm_confidence  REAL,
				llm_unavailable INTEGER NOT NULL DEFAULT 0,
				evaluated_at    TEXT NOT NULL
			);

			CREATE TABLE IF NOT EXISTS llm_cache (
				description_hash TEXT NOT NULL,
				prompt_version   TEXT NOT NULL,
				response         TEXT NOT NULL,
				created_at       TEXT NOT NULL,
				PRIMARY KEY(description_hash, prompt_version)
			);

			CREATE TABLE IF NOT EXISTS scores (
				listing_id   TEXT PRIMARY KEY REFERENCES listings(id),
				score        REAL NOT NULL,
				price_score  REAL NOT NULL,
				risk_penalty REAL NOT NULL,
				freshness    REAL NOT NULL,
				liquidity    REAL NOT NULL,
				reasons      TEXT NOT NULL DEFAULT '[]',
				state        TEXT NOT NULL DEFAULT 'draft',
				scored_at    TEXT NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_scores_state ON scores(state, score);

			CREATE TABLE IF NOT EXISTS dedupe_signatures (
				listing_id        TEXT PRIMARY KEY REFERENCES listings(id),
				title_trgm        TEXT NOT NULL DEFAULT '',
				desc_minhash      TEXT NOT NULL DEFAULT '',
				first_image_phash INTEGER,
				embedding         BLOB
			);

			CREATE TABLE IF NOT EXISTS title_trigrams (
				trgm       TEXT NOT NULL,
				listing_id TEXT NOT NULL REFERENCES listings(id),
				PRIMARY KEY(trgm, listing_id)
			);
			CREATE INDEX IF NOT EXISTS idx_trigram_listing ON title_trigrams(listing_id);

			CREATE TABLE IF NOT EXISTS duplicate_log (
				id           INTEGER PRIMARY KEY AUTOINCREMENT,
				listing_id   TEXT NOT NULL REFERENCES listings(id),
				duplicate_of TEXT NOT NULL REFERENCES listings(id),
				method       TEXT NOT NULL,
				confidence   REAL NOT NULL,
				decided_at   TEXT NOT NULL
			);

			CREATE TABLE IF NOT EXISTS plans (
				id        TEXT PRIMARY KEY,
				name      TEXT NOT NULL UNIQUE,
				max_alerts INTEGER NOT NULL,
				delay_s   INTEGER NOT NULL,
				daily_cap INTEGER NOT NULL
			);

			CREATE TABLE IF NOT EXISTS users (
				id               TEXT PRIMARY KEY,
				telegram_user_id INTEGER NOT NULL UNIQUE,
				plan_id          TEXT NOT NULL REFERENCES plans(id),
				status           TEXT NOT NULL DEFAULT 'active'
			);

			CREATE TABLE IF NOT EXISTS subscriptions (
				user_id            TEXT PRIMARY KEY REFERENCES users(id),
				plan_id            TEXT NOT NULL REFERENCES plans(id),
				status             TEXT NOT NULL,
				current_period_end TEXT
			);

			CREATE TABLE IF NOT EXISTS alerts (
				id         TEXT PRIMARY KEY,
				user_id    TEXT NOT NULL REFERENCES users(id),
				dsl_query  TEXT NOT NULL,
				filters    TEXT NOT NULL,
				active     INTEGER NOT NULL DEFAULT 1,
				created_at TEXT NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_alerts_user ON alerts(user_id);

			CREATE TABLE IF NOT EXISTS alert_matches (
				id           TEXT PRIMARY KEY,
				alert_id     TEXT NOT NULL REFERENCES alerts(id),
				listing_id   TEXT NOT NULL REFERENCES listings(id),
				matched_at   TEXT NOT NULL,
				notify_after TEXT NOT NULL,
				notified_at  TEXT,
				status       TEXT NOT NULL DEFAULT 'pending',
				UNIQUE(alert_id, listing_id)
			);

			CREATE TABLE IF NOT EXISTS channel_posts (
				channel       TEXT NOT NULL,
				listing_id    TEXT NOT NULL REFERENCES listings(id),
				message_id    INTEGER NOT NULL,
				posted_at     TEXT NOT NULL,
				last_price_bgn TEXT NOT NULL,
				PRIMARY KEY(channel, listing_id)
			);

			CREATE TABLE IF NOT EXISTS fx_rates (
				day         TEXT NOT NULL,
				currency    TEXT NOT NULL,
				rate_to_bgn TEXT NOT NULL,
				PRIMARY KEY(day, currency)
			);

			CREATE TABLE IF NOT EXISTS queue_jobs (
				id          INTEGER PRIMARY KEY AUTOINCREMENT,
				stage       TEXT NOT NULL,
				listing_id  TEXT NOT NULL,
				payload     TEXT NOT NULL DEFAULT '{}',
				dedupe_key  TEXT UNIQUE,
				run_at      TEXT NOT NULL,
				lease_until TEXT,
				attempts    INTEGER NOT NULL DEFAULT 0,
				state       TEXT NOT NULL DEFAULT 'pending',
				last_error  TEXT,
				created_at  TEXT NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_queue_ready ON queue_jobs(state, stage, run_at);

			INSERT INTO schema_version (version) VALUES (1);
		`)
		if err != nil {
			return err
		}
	}
	return nil
}
