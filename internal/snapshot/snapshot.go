package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Snapshot types. Storage holds at most one live record per type.
const (
	TypeTarget  = "target"
	TypeCurrent = "current"
)

var (
	ErrPathRequired  = errors.New("snapshot: database path required")
	ErrStoreRequired = errors.New("snapshot: store required")
	ErrTypeInvalid   = errors.New("snapshot: invalid snapshot type")
	ErrStateRequired = errors.New("snapshot: state payload required")

	// ErrNotFound reports that no snapshot of the requested type has been
	// written yet. First boot on a fresh device hits this on both types.
	ErrNotFound = errors.New("snapshot: not found")
)

// Snapshot is one persisted serialization of engine state.
type Snapshot struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	State     json.RawMessage `json:"state"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Validate checks the fields a store needs before it will accept a record.
func (s Snapshot) Validate() error {
	if s.Type != TypeTarget && s.Type != TypeCurrent {
		return fmt.Errorf("%w: %q", ErrTypeInvalid, s.Type)
	}
	if len(s.State) == 0 {
		return ErrStateRequired
	}
	return nil
}

// Store persists snapshots with a replace-per-type policy: saving a snapshot
// of a type overwrites the previous one, never appends.
type Store interface {
	Save(ctx context.Context, snap Snapshot) error
	Load(ctx context.Context, snapType string) (Snapshot, error)
	Close() error
}
