// Package store provides the SQLite storage layer for Storyline.
//
// All consolidation state lives in a single SQLite database file, including:
// - Imported event mentions with source-document provenance
// - Per-mention embedding vectors
// - Same-day clusters and their arbitration state
// - Canonical events with the master/child hierarchy
// - Daily mention records and regenerable period summary groups
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultDBPath is the default database location.
const DefaultDBPath = "~/.storyline/storyline.db"

// DateLayout is the canonical on-disk date format for mention and record dates.
const DateLayout = "2006-01-02"

// ErrEmptyEvidence is returned when a daily record would be written with no
// source documents. This is a data-integrity violation, never a normal state.
var ErrEmptyEvidence = errors.New("daily record has no source documents")

// ErrHierarchyViolation is returned when a master/child link would create a
// chain deeper than one level or a cycle.
var ErrHierarchyViolation = errors.New("master hierarchy violation")

// Mention is one country's extracted activity statement for one day,
// produced upstream. Immutable once imported.
type Mention struct {
	ID         string
	Country    string
	Date       string // YYYY-MM-DD
	Content    string
	Recipients []string
	SourceDocs []string
	ImportedAt time.Time
}

// Cluster is the result of same-day similarity grouping for one
// (country, date) pair. Superseded once canonical events are created.
type Cluster struct {
	ID          int64
	Country     string
	Date        string
	BatchNumber int
	Name        string
	Centroid    []float32
	MemberIDs   []string
	MemberTexts []string
	Confirmed   bool
	CreatedAt   time.Time
}

// Event is a deduplicated, named canonical event. MasterEventID is nil for
// masters and points at a master (never another child) for children.
type Event struct {
	ID             int64
	Country        string
	Name           string
	NameKey        string
	AltNames       []string
	FirstSeen      string
	LastSeen       string
	ArticleCount   int
	MasterEventID  *int64
	NameVector     []float32
	Materiality    *float64
	MaterialityWhy string
	Entities       []string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// DailyRecord links a canonical event to one specific date's evidence.
type DailyRecord struct {
	EventID         int64
	Date            string
	SourceDocs      []string
	ArticleCount    int
	Headline        string
	MentionContext  string
	SourceDiversity float64
}

// PeriodGroup is a rollup of a master event's daily evidence into one
// period bucket. Derived and regenerable, never the source of truth.
type PeriodGroup struct {
	Country       string
	PeriodType    string // daily, weekly, monthly, yearly
	PeriodStart   string
	PeriodEnd     string
	MasterEventID int64
	RecordCount   int
	SourceDocs    []string
}

// Sighting records one cluster's contribution to an event: it widens the
// event's date range, adds the cluster's article count once per (event,
// cluster), and unions in an alternate name and entities.
type Sighting struct {
	EventID   int64
	ClusterID int64
	Date      string
	Articles  int
	AltName   string   // may be empty
	Entities  []string // may be empty
}

// ReviewFlag marks a cluster whose arbitration fell back to a conservative
// merge and needs human adjudication.
type ReviewFlag struct {
	ID        int64
	FlagUUID  string
	ClusterID int64
	Reason    string
	Resolved  bool
	CreatedAt time.Time
}

// StoreStats holds observability counts about the store.
type StoreStats struct {
	MentionCount   int64
	EmbeddingCount int64
	ClusterCount   int64
	EventCount     int64
	MasterCount    int64
	RecordCount    int64
	PeriodCount    int64
	OpenFlags      int64
	DBSizeBytes    int64
}

// StoreConfig holds configuration for NewStore.
type StoreConfig struct {
	DBPath string
}

// Store defines the storage operations the pipeline stages depend on.
type Store interface {
	// Mentions
	AddMention(ctx context.Context, m *Mention) (bool, error)
	GetMention(ctx context.Context, id string) (*Mention, error)
	ListMentions(ctx context.Context, country, date string) ([]*Mention, error)
	ListMentionDays(ctx context.Context, country, from, to string) ([]MentionDay, error)

	// Embeddings
	AddMentionEmbedding(ctx context.Context, mentionID string, vector []float32) error
	GetMentionEmbedding(ctx context.Context, mentionID string) ([]float32, error)
	GetMentionEmbeddings(ctx context.Context, mentionIDs []string) (map[string][]float32, error)
	ListMentionIDsWithoutEmbeddings(ctx context.Context, limit int) ([]string, error)

	// Clusters
	SaveCluster(ctx context.Context, c *Cluster) (int64, error)
	GetCluster(ctx context.Context, id int64) (*Cluster, error)
	ListClusters(ctx context.Context, country, date string) ([]*Cluster, error)
	MarkClusterConfirmed(ctx context.Context, id int64) error

	// Events
	GetEvent(ctx context.Context, id int64) (*Event, error)
	FindEventByKey(ctx context.Context, country, nameKey string) (*Event, error)
	ListEvents(ctx context.Context, opts EventListOpts) ([]*Event, error)
	CreateEvent(ctx context.Context, e *Event) (int64, bool, error)
	RecordEventSighting(ctx context.Context, s *Sighting) error
	SetMasterEvent(ctx context.Context, childID, masterID int64) error
	ListChildren(ctx context.Context, masterID int64) ([]*Event, error)
	SetMateriality(ctx context.Context, id int64, score float64, why string) error

	// Daily records
	UpsertDailyRecord(ctx context.Context, r *DailyRecord) error
	ListRecordsForEvent(ctx context.Context, eventID int64) ([]*DailyRecord, error)
	ListRecordsForMaster(ctx context.Context, masterID int64, from, to string) ([]*DailyRecord, error)

	// Period groups
	ReplacePeriodGroups(ctx context.Context, country, periodType, from, to string, groups []*PeriodGroup) error
	ListPeriodGroups(ctx context.Context, country, periodType, from, to string) ([]*PeriodGroup, error)

	// Review queue
	AddReviewFlag(ctx context.Context, f *ReviewFlag) (int64, error)
	ListReviewFlags(ctx context.Context, includeResolved bool) ([]*ReviewFlag, error)
	ResolveReviewFlag(ctx context.Context, id int64) error

	// Observability
	Stats(ctx context.Context) (*StoreStats, error)

	Close() error
}

// MentionDay is one (country, date) work unit with its mention count.
type MentionDay struct {
	Country string
	Date    string
	Count   int
}

// EventListOpts filters ListEvents.
type EventListOpts struct {
	Country     string
	From        string // first_seen >= From (inclusive), empty = unbounded
	To          string // first_seen <= To (inclusive), empty = unbounded
	MastersOnly bool
	Limit       int
}

// SQLiteStore implements Store on a single SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// NewStore creates a new SQLite-backed Store.
// Pass ":memory:" for in-memory databases (testing).
func NewStore(cfg StoreConfig) (Store, error) {
	if cfg.DBPath == "" {
		cfg.DBPath = expandPath(DefaultDBPath)
	}

	if cfg.DBPath != ":memory:" {
		dir := filepath.Dir(cfg.DBPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", p, err)
		}
	}

	s := &SQLiteStore{db: db, dbPath: cfg.DBPath}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// GetDB exposes the raw handle for callers that need bespoke queries.
func (s *SQLiteStore) GetDB() *sql.DB {
	return s.db
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Stats reports row counts and database size.
func (s *SQLiteStore) Stats(ctx context.Context) (*StoreStats, error) {
	st := &StoreStats{}
	counts := []struct {
		query string
		dst   *int64
	}{
		{"SELECT COUNT(*) FROM mentions", &st.MentionCount},
		{"SELECT COUNT(*) FROM mention_embeddings", &st.EmbeddingCount},
		{"SELECT COUNT(*) FROM clusters", &st.ClusterCount},
		{"SELECT COUNT(*) FROM events", &st.EventCount},
		{"SELECT COUNT(*) FROM events WHERE master_event_id IS NULL", &st.MasterCount},
		{"SELECT COUNT(*) FROM daily_records", &st.RecordCount},
		{"SELECT COUNT(*) FROM period_groups", &st.PeriodCount},
		{"SELECT COUNT(*) FROM review_flags WHERE resolved = 0", &st.OpenFlags},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dst); err != nil {
			return nil, fmt.Errorf("counting (%s): %w", c.query, err)
		}
	}

	if s.dbPath != ":memory:" {
		if info, err := os.Stat(s.dbPath); err == nil {
			st.DBSizeBytes = info.Size()
		}
	}
	return st, nil
}

// ValidDate reports whether raw is a well-formed YYYY-MM-DD date.
func ValidDate(raw string) bool {
	_, err := time.Parse(DateLayout, raw)
	return err == nil
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
