package store

import "fmt"

// migrate creates all tables if they don't exist. All statements are
// idempotent so migrate can run on every open.
func (s *SQLiteStore) migrate() error {
	statements := []string{
		// Upstream event mentions. Immutable; duplicate imports are no-ops.
		`CREATE TABLE IF NOT EXISTS mentions (
			id           TEXT PRIMARY KEY,
			country      TEXT NOT NULL,
			mention_date TEXT NOT NULL,
			content      TEXT NOT NULL,
			recipients   TEXT NOT NULL DEFAULT '[]',
			source_docs  TEXT NOT NULL,
			imported_at  DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_mentions_country_date ON mentions(country, mention_date)`,

		// Embedding vectors, one per mention. Written once so clustering
		// stays reproducible across re-runs even with a near-stable provider.
		`CREATE TABLE IF NOT EXISTS mention_embeddings (
			mention_id TEXT PRIMARY KEY REFERENCES mentions(id) ON DELETE CASCADE,
			vector     BLOB NOT NULL,
			dimensions INTEGER NOT NULL
		)`,

		// Same-day candidate clusters. Transient between clustering and
		// registry confirmation; the name is deterministic per unit, so the
		// uniqueness constraint makes re-clustering idempotent.
		`CREATE TABLE IF NOT EXISTS clusters (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			country      TEXT NOT NULL,
			cluster_date TEXT NOT NULL,
			batch_number INTEGER NOT NULL DEFAULT 0,
			name         TEXT NOT NULL,
			centroid     BLOB,
			member_ids   TEXT NOT NULL,
			member_texts TEXT NOT NULL,
			confirmed    INTEGER NOT NULL DEFAULT 0,
			created_at   DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(country, cluster_date, name)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_clusters_unit ON clusters(country, cluster_date, confirmed)`,

		// Canonical events. master_event_id forms a one-level forest:
		// NULL = master, non-NULL = child of a master.
		`CREATE TABLE IF NOT EXISTS events (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			country         TEXT NOT NULL,
			name            TEXT NOT NULL,
			name_key        TEXT NOT NULL,
			alt_names       TEXT NOT NULL DEFAULT '[]',
			first_seen      TEXT NOT NULL,
			last_seen       TEXT NOT NULL,
			article_count   INTEGER NOT NULL DEFAULT 0,
			master_event_id INTEGER REFERENCES events(id),
			name_vector     BLOB,
			materiality     REAL,
			materiality_why TEXT NOT NULL DEFAULT '',
			entities        TEXT NOT NULL DEFAULT '[]',
			created_at      DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at      DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(country, name_key)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_events_country ON events(country)`,
		`CREATE INDEX IF NOT EXISTS idx_events_master ON events(master_event_id)`,

		// One row per (event, date). source_docs is never empty; the
		// registry refuses to write a record without evidence.
		`CREATE TABLE IF NOT EXISTS daily_records (
			event_id         INTEGER NOT NULL REFERENCES events(id) ON DELETE CASCADE,
			record_date      TEXT NOT NULL,
			source_docs      TEXT NOT NULL,
			article_count    INTEGER NOT NULL DEFAULT 0,
			headline         TEXT NOT NULL DEFAULT '',
			mention_context  TEXT NOT NULL DEFAULT '',
			source_diversity REAL NOT NULL DEFAULT 0,
			PRIMARY KEY(event_id, record_date)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_daily_records_date ON daily_records(record_date)`,

		// Sighting ledger, one row per (event, cluster). Makes the article
		// count increment in RecordEventSighting idempotent when a cluster is
		// re-applied after an interrupted run.
		`CREATE TABLE IF NOT EXISTS event_sightings (
			event_id      INTEGER NOT NULL REFERENCES events(id) ON DELETE CASCADE,
			cluster_id    INTEGER NOT NULL REFERENCES clusters(id) ON DELETE CASCADE,
			sighting_date TEXT NOT NULL,
			article_count INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY(event_id, cluster_id)
		)`,

		// Regenerable rollups. Rebuilt wholesale per (country, period type,
		// window); rollup runs one country at a time, so the country column
		// keeps one run from clearing another country's groups.
		`CREATE TABLE IF NOT EXISTS period_groups (
			country         TEXT NOT NULL,
			period_type     TEXT NOT NULL CHECK(period_type IN ('daily','weekly','monthly','yearly')),
			period_start    TEXT NOT NULL,
			period_end      TEXT NOT NULL,
			master_event_id INTEGER NOT NULL REFERENCES events(id) ON DELETE CASCADE,
			record_count    INTEGER NOT NULL DEFAULT 0,
			source_docs     TEXT NOT NULL,
			PRIMARY KEY(period_type, period_start, master_event_id)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_period_groups_country ON period_groups(country, period_type)`,

		// Arbiter fallback queue for human adjudication.
		`CREATE TABLE IF NOT EXISTS review_flags (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			flag_uuid  TEXT NOT NULL,
			cluster_id INTEGER NOT NULL REFERENCES clusters(id) ON DELETE CASCADE,
			reason     TEXT NOT NULL,
			resolved   INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_review_flags_open ON review_flags(resolved)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("executing migration: %w\nstatement: %s", err, stmt)
		}
	}

	return nil
}
