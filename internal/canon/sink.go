package canon

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"
)

// Snapshot is the persisted form of an established canon. The sink is
// append-only: snapshots are inserted, never updated or deleted, and a
// contract's effective canon is its lowest-sequence row.
type Snapshot struct {
	ID            string
	ContractID    string
	Source        string
	PropsJSON     string
	Seq           uint64
	EstablishedAt time.Time
}

// SnapshotOf builds a snapshot from an established canon.
func SnapshotOf(c *Canon) Snapshot {
	propsJSON, err := json.Marshal(c.Props)
	if err != nil {
		propsJSON = []byte("{}")
	}
	return Snapshot{
		ID:            uuid.NewString(),
		ContractID:    c.ContractID,
		Source:        c.Source,
		PropsJSON:     string(propsJSON),
		Seq:           c.Seq,
		EstablishedAt: c.EstablishedAt,
	}
}

// Sink receives canon snapshots. Implementations must tolerate repeated
// persists for the same contract (establishment races resolve by sequence).
type Sink interface {
	Persist(ctx context.Context, s Snapshot) error
}

type discardSink struct{}

func (discardSink) Persist(context.Context, Snapshot) error { return nil }

// MemorySink collects snapshots in memory, for tests and dry runs.
type MemorySink struct {
	mu        sync.Mutex
	snapshots []Snapshot
}

// Persist appends the snapshot.
func (s *MemorySink) Persist(_ context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, snap)
	return nil
}

// Snapshots returns a copy of everything persisted so far.
func (s *MemorySink) Snapshots() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Snapshot, len(s.snapshots))
	copy(out, s.snapshots)
	return out
}

// SQLiteSink persists snapshots to an insert-only SQLite table.
type SQLiteSink struct {
	db *sql.DB
}

// NewSQLiteSink opens (creating if needed) the snapshot database at path.
func NewSQLiteSink(path string) (*SQLiteSink, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create sink directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sink database: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS canon_snapshots (
		id TEXT PRIMARY KEY,
		contract_id TEXT NOT NULL,
		source TEXT NOT NULL,
		props_json TEXT NOT NULL,
		seq INTEGER NOT NULL,
		established_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_snapshots_contract ON canon_snapshots(contract_id);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize sink schema: %w", err)
	}
	return &SQLiteSink{db: db}, nil
}

// Persist inserts one snapshot row.
func (s *SQLiteSink) Persist(ctx context.Context, snap Snapshot) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO canon_snapshots (id, contract_id, source, props_json, seq, established_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		snap.ID, snap.ContractID, snap.Source, snap.PropsJSON, snap.Seq, snap.EstablishedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// Latest returns the effective canon snapshot for a contract: the
// lowest-sequence row, ties broken by earliest insert.
func (s *SQLiteSink) Latest(ctx context.Context, contractID string) (Snapshot, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, contract_id, source, props_json, seq, established_at
		 FROM canon_snapshots WHERE contract_id = ?
		 ORDER BY seq ASC, established_at ASC LIMIT 1`, contractID)

	var snap Snapshot
	if err := row.Scan(&snap.ID, &snap.ContractID, &snap.Source, &snap.PropsJSON, &snap.Seq, &snap.EstablishedAt); err != nil {
		if err == sql.ErrNoRows {
			return Snapshot{}, fmt.Errorf("%w: %s", ErrCanonAbsent, contractID)
		}
		return Snapshot{}, fmt.Errorf("query snapshot: %w", err)
	}
	return snap, nil
}

// Close releases the underlying database handle.
func (s *SQLiteSink) Close() error {
	return s.db.Close()
}
