package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	logs "github.com/kestrel-iot/shadowd/internal/logging"
)

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	id         TEXT NOT NULL,
	type       TEXT NOT NULL UNIQUE,
	state      TEXT NOT NULL,
	created_at TEXT NOT NULL
);
`

// SQLiteStore keeps snapshots in a local SQLite database, one row per type.
// A single open connection serializes writes so the upsert never races
// itself into SQLITE_BUSY.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the snapshot database at dsn, creating the file and
// schema if needed. Use ":memory:" in tests.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		return nil, ErrPathRequired
	}
	// Pragmas ride on the DSN so they apply to every pooled connection.
	// In-memory databases do not take DSN parameters.
	if dsn != ":memory:" {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	logs.Infof("snapshot.NewSQLiteStore opened dsn=%q", dsn)
	return &SQLiteStore{db: db}, nil
}

// Save replaces the live snapshot of snap.Type. A missing ID or timestamp
// is filled in here so callers only have to provide type and state.
func (s *SQLiteStore) Save(ctx context.Context, snap Snapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}
	id := snap.ID
	if id == "" {
		id = uuid.New().String()
	}
	createdAt := snap.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (id, type, state, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (type) DO UPDATE SET
			id = excluded.id,
			state = excluded.state,
			created_at = excluded.created_at
	`, id, snap.Type, string(snap.State), createdAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save %s snapshot: %w", snap.Type, err)
	}
	return nil
}

// Load returns the live snapshot of the given type, or ErrNotFound when
// none has been written.
func (s *SQLiteStore) Load(ctx context.Context, snapType string) (Snapshot, error) {
	if snapType != TypeTarget && snapType != TypeCurrent {
		return Snapshot{}, fmt.Errorf("%w: %q", ErrTypeInvalid, snapType)
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT id, type, state, created_at FROM snapshots WHERE type = ?
	`, snapType)

	var snap Snapshot
	var state, createdAt string
	if err := row.Scan(&snap.ID, &snap.Type, &state, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Snapshot{}, fmt.Errorf("%w: %s", ErrNotFound, snapType)
		}
		return Snapshot{}, fmt.Errorf("load %s snapshot: %w", snapType, err)
	}

	snap.State = json.RawMessage(state)
	if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		snap.CreatedAt = t
	}
	return snap, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
