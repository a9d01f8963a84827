package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// AddMention inserts an event mention. Duplicate mention ids are idempotent
// no-ops; the bool reports whether a row was actually inserted.
func (s *SQLiteStore) AddMention(ctx context.Context, m *Mention) (bool, error) {
	if strings.TrimSpace(m.ID) == "" {
		return false, fmt.Errorf("mention id is required")
	}
	if strings.TrimSpace(m.Country) == "" {
		return false, fmt.Errorf("mention %s: country is required", m.ID)
	}
	if !ValidDate(m.Date) {
		return false, fmt.Errorf("mention %s: invalid date %q", m.ID, m.Date)
	}
	if strings.TrimSpace(m.Content) == "" {
		return false, fmt.Errorf("mention %s: content is required", m.ID)
	}
	if len(m.SourceDocs) == 0 {
		return false, fmt.Errorf("mention %s: at least one source document is required", m.ID)
	}

	recipients, err := json.Marshal(normalizeStrings(m.Recipients))
	if err != nil {
		return false, fmt.Errorf("marshaling recipients: %w", err)
	}
	docs, err := json.Marshal(normalizeStrings(m.SourceDocs))
	if err != nil {
		return false, fmt.Errorf("marshaling source docs: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`INSERT INTO mentions (id, country, mention_date, content, recipients, source_docs)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO NOTHING`,
		m.ID, m.Country, m.Date, m.Content, string(recipients), string(docs),
	)
	if err != nil {
		return false, fmt.Errorf("inserting mention %s: %w", m.ID, err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking rows affected: %w", err)
	}
	return rows > 0, nil
}

// GetMention retrieves a mention by id. Returns nil when not found.
func (s *SQLiteStore) GetMention(ctx context.Context, id string) (*Mention, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, country, mention_date, content, recipients, source_docs, imported_at
		 FROM mentions WHERE id = ?`, id)

	m, err := scanMention(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting mention %s: %w", id, err)
	}
	return m, nil
}

// ListMentions returns all mentions for one (country, date) work unit,
// ordered by id for deterministic downstream processing.
func (s *SQLiteStore) ListMentions(ctx context.Context, country, date string) ([]*Mention, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, country, mention_date, content, recipients, source_docs, imported_at
		 FROM mentions
		 WHERE country = ? AND mention_date = ?
		 ORDER BY id`, country, date)
	if err != nil {
		return nil, fmt.Errorf("listing mentions for %s/%s: %w", country, date, err)
	}
	defer rows.Close()

	var mentions []*Mention
	for rows.Next() {
		m, err := scanMention(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning mention row: %w", err)
		}
		mentions = append(mentions, m)
	}
	return mentions, rows.Err()
}

// ListMentionDays returns the distinct (country, date) work units with
// mention counts inside the given bounds. Empty country means all countries;
// empty from/to means unbounded.
func (s *SQLiteStore) ListMentionDays(ctx context.Context, country, from, to string) ([]MentionDay, error) {
	query := `SELECT country, mention_date, COUNT(*) FROM mentions`
	var where []string
	var args []interface{}
	if country != "" {
		where = append(where, "country = ?")
		args = append(args, country)
	}
	if from != "" {
		where = append(where, "mention_date >= ?")
		args = append(args, from)
	}
	if to != "" {
		where = append(where, "mention_date <= ?")
		args = append(args, to)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " GROUP BY country, mention_date ORDER BY country, mention_date"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing mention days: %w", err)
	}
	defer rows.Close()

	var days []MentionDay
	for rows.Next() {
		var d MentionDay
		if err := rows.Scan(&d.Country, &d.Date, &d.Count); err != nil {
			return nil, fmt.Errorf("scanning mention day: %w", err)
		}
		days = append(days, d)
	}
	return days, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMention(row rowScanner) (*Mention, error) {
	m := &Mention{}
	var recipients, docs string
	if err := row.Scan(&m.ID, &m.Country, &m.Date, &m.Content, &recipients, &docs, &m.ImportedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(recipients), &m.Recipients); err != nil {
		return nil, fmt.Errorf("decoding recipients for %s: %w", m.ID, err)
	}
	if err := json.Unmarshal([]byte(docs), &m.SourceDocs); err != nil {
		return nil, fmt.Errorf("decoding source docs for %s: %w", m.ID, err)
	}
	return m, nil
}

// normalizeStrings trims entries, drops empties, and deduplicates while
// preserving first-seen order.
func normalizeStrings(values []string) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
