package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// AddReviewFlag queues a cluster for human adjudication. A fresh UUID is
// assigned when the caller did not provide one.
func (s *SQLiteStore) AddReviewFlag(ctx context.Context, f *ReviewFlag) (int64, error) {
	if f.ClusterID == 0 {
		return 0, fmt.Errorf("review flag requires a cluster id")
	}
	if f.FlagUUID == "" {
		f.FlagUUID = uuid.NewString()
	}

	result, err := s.db.ExecContext(ctx,
		"INSERT INTO review_flags (flag_uuid, cluster_id, reason) VALUES (?, ?, ?)",
		f.FlagUUID, f.ClusterID, f.Reason)
	if err != nil {
		return 0, fmt.Errorf("inserting review flag for cluster %d: %w", f.ClusterID, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("getting last insert id: %w", err)
	}
	f.ID = id
	return id, nil
}

// ListReviewFlags returns queued flags, open ones first, newest first within
// each state.
func (s *SQLiteStore) ListReviewFlags(ctx context.Context, includeResolved bool) ([]*ReviewFlag, error) {
	query := `SELECT id, flag_uuid, cluster_id, reason, resolved, created_at FROM review_flags`
	if !includeResolved {
		query += " WHERE resolved = 0"
	}
	query += " ORDER BY resolved, created_at DESC, id DESC"

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("listing review flags: %w", err)
	}
	defer rows.Close()

	var flags []*ReviewFlag
	for rows.Next() {
		f := &ReviewFlag{}
		var resolved int
		if err := rows.Scan(&f.ID, &f.FlagUUID, &f.ClusterID, &f.Reason, &resolved, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning review flag: %w", err)
		}
		f.Resolved = resolved != 0
		flags = append(flags, f)
	}
	return flags, rows.Err()
}

// ResolveReviewFlag marks a flag as adjudicated.
func (s *SQLiteStore) ResolveReviewFlag(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE review_flags SET resolved = 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("resolving review flag %d: %w", id, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("review flag %d not found", id)
	}
	return nil
}
