package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// CreateEvent inserts a canonical event, resolving concurrent creation of
// the same (country, name_key) via the uniqueness constraint: the first
// writer wins and the second falls back to the lookup path. Returns the
// event id and whether this call created the row.
func (s *SQLiteStore) CreateEvent(ctx context.Context, e *Event) (int64, bool, error) {
	if e.Country == "" || e.Name == "" || e.NameKey == "" {
		return 0, false, fmt.Errorf("event requires country, name and name key")
	}
	if !ValidDate(e.FirstSeen) || !ValidDate(e.LastSeen) {
		return 0, false, fmt.Errorf("event %q: invalid first/last seen dates %q/%q", e.Name, e.FirstSeen, e.LastSeen)
	}

	altNames, err := json.Marshal(normalizeStrings(e.AltNames))
	if err != nil {
		return 0, false, fmt.Errorf("marshaling alt names: %w", err)
	}
	entities, err := json.Marshal(normalizeStrings(e.Entities))
	if err != nil {
		return 0, false, fmt.Errorf("marshaling entities: %w", err)
	}

	var vector []byte
	if len(e.NameVector) > 0 {
		vector = float32ToBytes(e.NameVector)
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO events (country, name, name_key, alt_names, first_seen, last_seen, article_count, name_vector, entities)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(country, name_key) DO NOTHING`,
		e.Country, e.Name, e.NameKey, string(altNames), e.FirstSeen, e.LastSeen, e.ArticleCount, vector, string(entities),
	)
	if err != nil {
		return 0, false, fmt.Errorf("inserting event %q: %w", e.Name, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("checking rows affected: %w", err)
	}

	existing, err := s.FindEventByKey(ctx, e.Country, e.NameKey)
	if err != nil {
		return 0, false, err
	}
	if existing == nil {
		return 0, false, fmt.Errorf("event %q vanished after insert", e.Name)
	}

	e.ID = existing.ID
	return existing.ID, rows > 0, nil
}

// FindEventByKey looks up an event by its normalized name key.
// Returns nil when no event matches.
func (s *SQLiteStore) FindEventByKey(ctx context.Context, country, nameKey string) (*Event, error) {
	row := s.db.QueryRowContext(ctx,
		eventSelect+` WHERE country = ? AND name_key = ?`, country, nameKey)

	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding event %s/%s: %w", country, nameKey, err)
	}
	return e, nil
}

// GetEvent retrieves an event by id. Returns nil when not found.
func (s *SQLiteStore) GetEvent(ctx context.Context, id int64) (*Event, error) {
	row := s.db.QueryRowContext(ctx, eventSelect+` WHERE id = ?`, id)

	e, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting event %d: %w", id, err)
	}
	return e, nil
}

// ListEvents returns events matching the filter, ordered by first sighting
// then id for stable output.
func (s *SQLiteStore) ListEvents(ctx context.Context, opts EventListOpts) ([]*Event, error) {
	query := eventSelect
	var where []string
	var args []interface{}
	if opts.Country != "" {
		where = append(where, "country = ?")
		args = append(args, opts.Country)
	}
	if opts.From != "" {
		where = append(where, "first_seen >= ?")
		args = append(args, opts.From)
	}
	if opts.To != "" {
		where = append(where, "first_seen <= ?")
		args = append(args, opts.To)
	}
	if opts.MastersOnly {
		where = append(where, "master_event_id IS NULL")
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY first_seen, id"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// RecordEventSighting widens an event's date range, adds to its article
// count, appends an alternate name if it is new, and unions in entities.
// The article increment is keyed on (event, cluster) in a sighting ledger,
// so re-applying the same cluster after an interrupted run never double
// counts.
func (s *SQLiteStore) RecordEventSighting(ctx context.Context, sg *Sighting) error {
	if !ValidDate(sg.Date) {
		return fmt.Errorf("invalid sighting date %q", sg.Date)
	}
	if sg.ClusterID == 0 {
		return fmt.Errorf("sighting for event %d requires a cluster id", sg.EventID)
	}

	e, err := s.GetEvent(ctx, sg.EventID)
	if err != nil {
		return err
	}
	if e == nil {
		return fmt.Errorf("event %d not found", sg.EventID)
	}

	altNames := e.AltNames
	if sg.AltName != "" && sg.AltName != e.Name {
		altNames = normalizeStrings(append(altNames, sg.AltName))
	}
	encodedNames, err := json.Marshal(altNames)
	if err != nil {
		return fmt.Errorf("marshaling alt names: %w", err)
	}
	encodedEntities, err := json.Marshal(normalizeStrings(append(e.Entities, sg.Entities...)))
	if err != nil {
		return fmt.Errorf("marshaling entities: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning sighting transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO event_sightings (event_id, cluster_id, sighting_date, article_count)
		 VALUES (?, ?, ?, ?)`,
		sg.EventID, sg.ClusterID, sg.Date, sg.Articles,
	)
	if err != nil {
		return fmt.Errorf("recording sighting ledger for event %d: %w", sg.EventID, err)
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking sighting ledger insert: %w", err)
	}
	articles := sg.Articles
	if inserted == 0 {
		// This cluster already contributed; only the idempotent fields below
		// are refreshed.
		articles = 0
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE events SET
			first_seen    = MIN(first_seen, ?),
			last_seen     = MAX(last_seen, ?),
			article_count = article_count + ?,
			alt_names     = ?,
			entities      = ?,
			updated_at    = ?
		 WHERE id = ?`,
		sg.Date, sg.Date, articles, string(encodedNames), string(encodedEntities), time.Now().UTC(), sg.EventID,
	); err != nil {
		return fmt.Errorf("recording sighting for event %d: %w", sg.EventID, err)
	}

	return tx.Commit()
}

// SetMasterEvent links childID under masterID. The hierarchy is a one-level
// forest: the target master must itself be a master, and the child must not
// be an ancestor of the master (cycle check). Re-linking to the same master
// is a no-op.
func (s *SQLiteStore) SetMasterEvent(ctx context.Context, childID, masterID int64) error {
	if childID == masterID {
		return fmt.Errorf("%w: event %d cannot be its own master", ErrHierarchyViolation, childID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning link transaction: %w", err)
	}
	defer tx.Rollback()

	var childMaster, masterMaster sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		"SELECT master_event_id FROM events WHERE id = ?", childID).Scan(&childMaster); err != nil {
		return fmt.Errorf("loading child event %d: %w", childID, err)
	}
	if err := tx.QueryRowContext(ctx,
		"SELECT master_event_id FROM events WHERE id = ?", masterID).Scan(&masterMaster); err != nil {
		return fmt.Errorf("loading master event %d: %w", masterID, err)
	}

	if childMaster.Valid && childMaster.Int64 == masterID {
		return nil // already linked
	}
	if masterMaster.Valid {
		return fmt.Errorf("%w: event %d is itself a child of %d", ErrHierarchyViolation, masterID, masterMaster.Int64)
	}

	// Cycle check: the master must not be a descendant of the child. With a
	// one-level forest the only descendants are direct children.
	var descendants int
	if err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM events WHERE id = ? AND master_event_id = ?", masterID, childID).Scan(&descendants); err != nil {
		return fmt.Errorf("checking descendants of event %d: %w", childID, err)
	}
	if descendants > 0 {
		return fmt.Errorf("%w: event %d is a descendant of %d", ErrHierarchyViolation, masterID, childID)
	}

	// The child may have picked up children of its own before being linked;
	// re-point them at the new master to keep the forest single-level.
	if _, err := tx.ExecContext(ctx,
		"UPDATE events SET master_event_id = ?, updated_at = ? WHERE master_event_id = ?",
		masterID, time.Now().UTC(), childID); err != nil {
		return fmt.Errorf("re-pointing children of event %d: %w", childID, err)
	}

	if _, err := tx.ExecContext(ctx,
		"UPDATE events SET master_event_id = ?, updated_at = ? WHERE id = ?",
		masterID, time.Now().UTC(), childID); err != nil {
		return fmt.Errorf("linking event %d under %d: %w", childID, masterID, err)
	}

	return tx.Commit()
}

// ListChildren returns the direct children of a master event.
func (s *SQLiteStore) ListChildren(ctx context.Context, masterID int64) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		eventSelect+` WHERE master_event_id = ? ORDER BY first_seen, id`, masterID)
	if err != nil {
		return nil, fmt.Errorf("listing children of event %d: %w", masterID, err)
	}
	defer rows.Close()

	var children []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning child event: %w", err)
		}
		children = append(children, e)
	}
	return children, rows.Err()
}

// SetMateriality records a downstream materiality score and justification.
func (s *SQLiteStore) SetMateriality(ctx context.Context, id int64, score float64, why string) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE events SET materiality = ?, materiality_why = ?, updated_at = ? WHERE id = ?",
		score, why, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("setting materiality for event %d: %w", id, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("event %d not found", id)
	}
	return nil
}

const eventSelect = `SELECT id, country, name, name_key, alt_names, first_seen, last_seen,
	article_count, master_event_id, name_vector, materiality, materiality_why, entities,
	created_at, updated_at
	FROM events`

func scanEvent(row rowScanner) (*Event, error) {
	e := &Event{}
	var altNames, entities string
	var master sql.NullInt64
	var vector []byte
	var materiality sql.NullFloat64
	if err := row.Scan(&e.ID, &e.Country, &e.Name, &e.NameKey, &altNames, &e.FirstSeen, &e.LastSeen,
		&e.ArticleCount, &master, &vector, &materiality, &e.MaterialityWhy, &entities,
		&e.CreatedAt, &e.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(altNames), &e.AltNames); err != nil {
		return nil, fmt.Errorf("decoding alt names for event %d: %w", e.ID, err)
	}
	if err := json.Unmarshal([]byte(entities), &e.Entities); err != nil {
		return nil, fmt.Errorf("decoding entities for event %d: %w", e.ID, err)
	}
	if master.Valid {
		id := master.Int64
		e.MasterEventID = &id
	}
	if len(vector) > 0 {
		e.NameVector = bytesToFloat32(vector)
	}
	if materiality.Valid {
		v := materiality.Float64
		e.Materiality = &v
	}
	return e, nil
}
