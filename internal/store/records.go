package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// UpsertDailyRecord creates or updates the record for (event, date). The
// source-document set is unioned with any existing row so re-running the
// same grouping never duplicates evidence. An empty document set is a
// data-integrity violation and is rejected before any write.
func (s *SQLiteStore) UpsertDailyRecord(ctx context.Context, r *DailyRecord) error {
	docs := normalizeStrings(r.SourceDocs)
	if len(docs) == 0 {
		return fmt.Errorf("event %d on %s: %w", r.EventID, r.Date, ErrEmptyEvidence)
	}
	if !ValidDate(r.Date) {
		return fmt.Errorf("invalid record date %q", r.Date)
	}

	// The read-union-write sequence runs in one transaction so concurrent
	// workers upserting the same (event, date) serialize on the write lock.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning record transaction: %w", err)
	}
	defer tx.Rollback()

	var existing string
	err = tx.QueryRowContext(ctx,
		"SELECT source_docs FROM daily_records WHERE event_id = ? AND record_date = ?",
		r.EventID, r.Date,
	).Scan(&existing)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("reading record for event %d on %s: %w", r.EventID, r.Date, err)
	}

	if existing != "" {
		var have []string
		if err := json.Unmarshal([]byte(existing), &have); err != nil {
			return fmt.Errorf("decoding existing docs for event %d on %s: %w", r.EventID, r.Date, err)
		}
		docs = unionDocs(have, docs)
	}
	sort.Strings(docs)

	encoded, err := json.Marshal(docs)
	if err != nil {
		return fmt.Errorf("marshaling source docs: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO daily_records (event_id, record_date, source_docs, article_count, headline, mention_context, source_diversity)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(event_id, record_date) DO UPDATE SET
			source_docs      = excluded.source_docs,
			article_count    = excluded.article_count,
			headline         = excluded.headline,
			mention_context  = excluded.mention_context,
			source_diversity = excluded.source_diversity`,
		r.EventID, r.Date, string(encoded), len(docs), r.Headline, r.MentionContext, SourceDiversity(docs),
	)
	if err != nil {
		return fmt.Errorf("upserting record for event %d on %s: %w", r.EventID, r.Date, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing record for event %d on %s: %w", r.EventID, r.Date, err)
	}

	r.SourceDocs = docs
	r.ArticleCount = len(docs)
	r.SourceDiversity = SourceDiversity(docs)
	return nil
}

// ListRecordsForEvent returns the daily records of one event, oldest first.
func (s *SQLiteStore) ListRecordsForEvent(ctx context.Context, eventID int64) ([]*DailyRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		recordSelect+` WHERE event_id = ? ORDER BY record_date`, eventID)
	if err != nil {
		return nil, fmt.Errorf("listing records for event %d: %w", eventID, err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// ListRecordsForMaster returns the daily records of a master event and all
// of its children inside the window, oldest first. Empty bounds mean
// unbounded.
func (s *SQLiteStore) ListRecordsForMaster(ctx context.Context, masterID int64, from, to string) ([]*DailyRecord, error) {
	query := recordSelect + ` WHERE event_id IN (
		SELECT id FROM events WHERE id = ? OR master_event_id = ?)`
	args := []interface{}{masterID, masterID}
	if from != "" {
		query += " AND record_date >= ?"
		args = append(args, from)
	}
	if to != "" {
		query += " AND record_date <= ?"
		args = append(args, to)
	}
	query += " ORDER BY record_date, event_id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing records for master %d: %w", masterID, err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// SourceDiversity measures how many distinct publishers back a document set,
// as a fraction of the documents. Document ids carry the publisher as a
// prefix before the first dash or colon; ids without a prefix count as their
// own publisher.
func SourceDiversity(docs []string) float64 {
	if len(docs) == 0 {
		return 0
	}
	publishers := make(map[string]struct{}, len(docs))
	for _, doc := range docs {
		publishers[publisherOf(doc)] = struct{}{}
	}
	return float64(len(publishers)) / float64(len(docs))
}

func publisherOf(doc string) string {
	for _, sep := range []string{"-", ":"} {
		if idx := strings.Index(doc, sep); idx > 0 {
			return doc[:idx]
		}
	}
	return doc
}

func unionDocs(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, docs := range [][]string{a, b} {
		for _, d := range docs {
			if _, ok := seen[d]; ok {
				continue
			}
			seen[d] = struct{}{}
			out = append(out, d)
		}
	}
	return out
}

const recordSelect = `SELECT event_id, record_date, source_docs, article_count, headline, mention_context, source_diversity
	FROM daily_records`

func scanRecords(rows *sql.Rows) ([]*DailyRecord, error) {
	var records []*DailyRecord
	for rows.Next() {
		r := &DailyRecord{}
		var docs string
		if err := rows.Scan(&r.EventID, &r.Date, &docs, &r.ArticleCount,
			&r.Headline, &r.MentionContext, &r.SourceDiversity); err != nil {
			return nil, fmt.Errorf("scanning record row: %w", err)
		}
		if err := json.Unmarshal([]byte(docs), &r.SourceDocs); err != nil {
			return nil, fmt.Errorf("decoding docs for event %d on %s: %w", r.EventID, r.Date, err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
