// ABOUTME: SQLite-backed record of connection attempts using modernc.org/sqlite
// ABOUTME: Stores target, outcome, protocol version and handshake duration per attempt

// Package history keeps a local log of remote connection attempts so the CLI
// can show when and how each target was last reached.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested entry does not exist
var ErrNotFound = errors.New("not found")

// Outcome is the result of a connection attempt.
type Outcome string

const (
	OutcomeConnected Outcome = "connected"
	OutcomeFailed    Outcome = "failed"
)

// Entry is one connection attempt.
type Entry struct {
	ID              string
	ConnectionID    string
	Target          string
	Outcome         Outcome
	Error           string
	ProtocolVersion uint32
	StartedAt       time.Time
	Duration        time.Duration
}

// Store persists entries in SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the history database at path.
// Parent directories are created if needed.
func Open(path string) (*Store, error) {
	logger := slog.Default().With("component", "history")

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Debug("history store opened", "path", path)
	return s, nil
}

func (s *Store) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS connections (
			id TEXT PRIMARY KEY,
			connection_id TEXT NOT NULL,
			target TEXT NOT NULL,
			outcome TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			protocol_version INTEGER NOT NULL DEFAULT 0,
			started_at TEXT NOT NULL,
			duration_ms INTEGER NOT NULL,

			CHECK (outcome IN ('connected', 'failed'))
		);

		CREATE INDEX IF NOT EXISTS idx_connections_target
			ON connections(target, started_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record saves an entry, assigning an ID when it has none.
func (s *Store) Record(ctx context.Context, e *Entry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = time.Now()
	}

	query := `
		INSERT INTO connections (id, connection_id, target, outcome, error, protocol_version, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		e.ID,
		e.ConnectionID,
		e.Target,
		string(e.Outcome),
		e.Error,
		e.ProtocolVersion,
		e.StartedAt.UTC().Format(time.RFC3339),
		e.Duration.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("inserting connection entry: %w", err)
	}

	s.logger.Debug("recorded connection attempt", "target", e.Target, "outcome", e.Outcome)
	return nil
}

// Get retrieves an entry by ID.
// Returns ErrNotFound if the entry doesn't exist.
func (s *Store) Get(ctx context.Context, id string) (*Entry, error) {
	query := `
		SELECT id, connection_id, target, outcome, error, protocol_version, started_at, duration_ms
		FROM connections
		WHERE id = ?
	`
	e, err := scanEntry(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying connection entry: %w", err)
	}
	return e, nil
}

// List returns the most recent entries, newest first. An empty target lists
// every target.
func (s *Store) List(ctx context.Context, target string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}

	query := `
		SELECT id, connection_id, target, outcome, error, protocol_version, started_at, duration_ms
		FROM connections
		WHERE ? = '' OR target = ?
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, target, target, limit)
	if err != nil {
		return nil, fmt.Errorf("querying connection entries: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning connection row: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating connection rows: %w", err)
	}
	return entries, nil
}

// Prune deletes entries that started before cutoff and reports how many
// were removed.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM connections WHERE started_at < ?`,
		cutoff.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return 0, fmt.Errorf("pruning connection entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting pruned entries: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*Entry, error) {
	var (
		e          Entry
		outcome    string
		startedAt  string
		durationMS int64
	)
	if err := row.Scan(
		&e.ID,
		&e.ConnectionID,
		&e.Target,
		&outcome,
		&e.Error,
		&e.ProtocolVersion,
		&startedAt,
		&durationMS,
	); err != nil {
		return nil, err
	}

	var err error
	e.StartedAt, err = time.Parse(time.RFC3339, startedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	e.Outcome = Outcome(outcome)
	e.Duration = time.Duration(durationMS) * time.Millisecond
	return &e, nil
}
