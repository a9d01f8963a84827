package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
)

// ReplacePeriodGroups atomically swaps the stored rollups for one
// (country, period type, window). Period groups are derived data; the
// window's old rows for that country are deleted and the fresh set inserted
// in a single transaction. Other countries' groups in the same window are
// untouched.
func (s *SQLiteStore) ReplacePeriodGroups(ctx context.Context, country, periodType, from, to string, groups []*PeriodGroup) error {
	if country == "" {
		return fmt.Errorf("replacing period groups requires a country")
	}
	if !validPeriodType(periodType) {
		return fmt.Errorf("invalid period type %q", periodType)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning rollup transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM period_groups WHERE country = ? AND period_type = ? AND period_start >= ? AND period_end <= ?",
		country, periodType, from, to); err != nil {
		return fmt.Errorf("clearing %s %s groups in [%s, %s]: %w", country, periodType, from, to, err)
	}

	for _, g := range groups {
		if g.PeriodType != periodType {
			return fmt.Errorf("group for master %d has period type %q, want %q", g.MasterEventID, g.PeriodType, periodType)
		}
		docs := normalizeStrings(g.SourceDocs)
		if len(docs) == 0 {
			return fmt.Errorf("group for master %d in %s: %w", g.MasterEventID, g.PeriodStart, ErrEmptyEvidence)
		}
		sort.Strings(docs)
		encoded, err := json.Marshal(docs)
		if err != nil {
			return fmt.Errorf("marshaling group docs: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO period_groups (country, period_type, period_start, period_end, master_event_id, record_count, source_docs)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			country, g.PeriodType, g.PeriodStart, g.PeriodEnd, g.MasterEventID, g.RecordCount, string(encoded)); err != nil {
			return fmt.Errorf("inserting group for master %d in %s: %w", g.MasterEventID, g.PeriodStart, err)
		}
	}

	return tx.Commit()
}

// ListPeriodGroups returns stored rollups for one period type inside the
// window, ordered by period start then master event id. An empty country
// spans all countries.
func (s *SQLiteStore) ListPeriodGroups(ctx context.Context, country, periodType, from, to string) ([]*PeriodGroup, error) {
	if !validPeriodType(periodType) {
		return nil, fmt.Errorf("invalid period type %q", periodType)
	}

	query := `SELECT country, period_type, period_start, period_end, master_event_id, record_count, source_docs
		FROM period_groups WHERE period_type = ?`
	args := []interface{}{periodType}
	if country != "" {
		query += " AND country = ?"
		args = append(args, country)
	}
	if from != "" {
		query += " AND period_start >= ?"
		args = append(args, from)
	}
	if to != "" {
		query += " AND period_end <= ?"
		args = append(args, to)
	}
	query += " ORDER BY period_start, master_event_id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing %s groups: %w", periodType, err)
	}
	defer rows.Close()

	var groups []*PeriodGroup
	for rows.Next() {
		g := &PeriodGroup{}
		var docs string
		if err := rows.Scan(&g.Country, &g.PeriodType, &g.PeriodStart, &g.PeriodEnd, &g.MasterEventID, &g.RecordCount, &docs); err != nil {
			return nil, fmt.Errorf("scanning group row: %w", err)
		}
		if err := json.Unmarshal([]byte(docs), &g.SourceDocs); err != nil {
			return nil, fmt.Errorf("decoding group docs: %w", err)
		}
		groups = append(groups, g)
	}
	return groups, rows.Err()
}

func validPeriodType(t string) bool {
	switch t {
	case "daily", "weekly", "monthly", "yearly":
		return true
	}
	return false
}
