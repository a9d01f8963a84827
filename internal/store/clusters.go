package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// SaveCluster inserts a candidate cluster for one (country, date) unit.
// Cluster names are deterministic per unit, so re-running clustering on
// unchanged input hits the uniqueness constraint and keeps the existing row
// (and its confirmed flag). Returns the row id either way.
func (s *SQLiteStore) SaveCluster(ctx context.Context, c *Cluster) (int64, error) {
	if c.Country == "" || !ValidDate(c.Date) {
		return 0, fmt.Errorf("cluster requires country and valid date, got %q/%q", c.Country, c.Date)
	}
	if len(c.MemberIDs) == 0 {
		return 0, fmt.Errorf("cluster %q has no members", c.Name)
	}

	memberIDs, err := json.Marshal(c.MemberIDs)
	if err != nil {
		return 0, fmt.Errorf("marshaling member ids: %w", err)
	}
	memberTexts, err := json.Marshal(c.MemberTexts)
	if err != nil {
		return 0, fmt.Errorf("marshaling member texts: %w", err)
	}

	var centroid []byte
	if len(c.Centroid) > 0 {
		centroid = float32ToBytes(c.Centroid)
	}

	// Membership can legitimately change when new mentions arrive for the
	// same day; the update path refreshes members but preserves confirmed.
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO clusters (country, cluster_date, batch_number, name, centroid, member_ids, member_texts)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(country, cluster_date, name) DO UPDATE SET
			batch_number = excluded.batch_number,
			centroid     = excluded.centroid,
			member_ids   = excluded.member_ids,
			member_texts = excluded.member_texts`,
		c.Country, c.Date, c.BatchNumber, c.Name, centroid, string(memberIDs), string(memberTexts),
	)
	if err != nil {
		return 0, fmt.Errorf("saving cluster %q: %w", c.Name, err)
	}

	var id int64
	err = s.db.QueryRowContext(ctx,
		"SELECT id FROM clusters WHERE country = ? AND cluster_date = ? AND name = ?",
		c.Country, c.Date, c.Name,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("looking up saved cluster %q: %w", c.Name, err)
	}

	c.ID = id
	return id, nil
}

// ListClusters returns all clusters for one (country, date) unit in batch
// order, then by name.
func (s *SQLiteStore) ListClusters(ctx context.Context, country, date string) ([]*Cluster, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, country, cluster_date, batch_number, name, centroid, member_ids, member_texts, confirmed, created_at
		 FROM clusters
		 WHERE country = ? AND cluster_date = ?
		 ORDER BY batch_number, name`, country, date)
	if err != nil {
		return nil, fmt.Errorf("listing clusters for %s/%s: %w", country, date, err)
	}
	defer rows.Close()

	var clusters []*Cluster
	for rows.Next() {
		c := &Cluster{}
		var centroid []byte
		var memberIDs, memberTexts string
		var confirmed int
		if err := rows.Scan(&c.ID, &c.Country, &c.Date, &c.BatchNumber, &c.Name,
			&centroid, &memberIDs, &memberTexts, &confirmed, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning cluster row: %w", err)
		}
		if len(centroid) > 0 {
			c.Centroid = bytesToFloat32(centroid)
		}
		if err := json.Unmarshal([]byte(memberIDs), &c.MemberIDs); err != nil {
			return nil, fmt.Errorf("decoding member ids for cluster %d: %w", c.ID, err)
		}
		if err := json.Unmarshal([]byte(memberTexts), &c.MemberTexts); err != nil {
			return nil, fmt.Errorf("decoding member texts for cluster %d: %w", c.ID, err)
		}
		c.Confirmed = confirmed != 0
		clusters = append(clusters, c)
	}
	return clusters, rows.Err()
}

// MarkClusterConfirmed records that the arbiter has processed a cluster so
// re-runs skip it.
func (s *SQLiteStore) MarkClusterConfirmed(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE clusters SET confirmed = 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("confirming cluster %d: %w", id, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("cluster %d not found", id)
	}
	return nil
}

// GetCluster retrieves a cluster by id. Returns nil when not found.
func (s *SQLiteStore) GetCluster(ctx context.Context, id int64) (*Cluster, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, country, cluster_date, batch_number, name, centroid, member_ids, member_texts, confirmed, created_at
		 FROM clusters WHERE id = ?`, id)

	c := &Cluster{}
	var centroid []byte
	var memberIDs, memberTexts string
	var confirmed int
	err := row.Scan(&c.ID, &c.Country, &c.Date, &c.BatchNumber, &c.Name,
		&centroid, &memberIDs, &memberTexts, &confirmed, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting cluster %d: %w", id, err)
	}
	if len(centroid) > 0 {
		c.Centroid = bytesToFloat32(centroid)
	}
	if err := json.Unmarshal([]byte(memberIDs), &c.MemberIDs); err != nil {
		return nil, fmt.Errorf("decoding member ids for cluster %d: %w", c.ID, err)
	}
	if err := json.Unmarshal([]byte(memberTexts), &c.MemberTexts); err != nil {
		return nil, fmt.Errorf("decoding member texts for cluster %d: %w", c.ID, err)
	}
	c.Confirmed = confirmed != 0
	return c, nil
}
