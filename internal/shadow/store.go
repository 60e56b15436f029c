package shadow

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// Delta proposes a change to desired state. Transient: it is applied or
// rejected, never persisted.
type Delta struct {
	Version     uint64          `json:"version"`
	Patch       json.RawMessage `json:"patch"`
	ClientToken string          `json:"clientToken,omitempty"`
}

func (d Delta) Validate() error {
	if d.Version == 0 {
		return fmt.Errorf("%w: missing version", ErrMalformedDelta)
	}
	if len(d.Patch) == 0 {
		return fmt.Errorf("%w: missing patch", ErrMalformedDelta)
	}
	if len(strings.TrimSpace(d.ClientToken)) > 128 {
		return fmt.Errorf("%w: client token too long", ErrMalformedDelta)
	}
	return nil
}

// Store holds the desired-state document and gates every mutation through
// version checks and validation. All returned documents are deep copies.
type Store struct {
	mu  sync.RWMutex
	doc Document
}

func NewStore() *Store {
	return &Store{doc: Document{Entities: map[string]EntitySpec{}}}
}

// Desired returns a copy of the current desired-state document.
func (s *Store) Desired() Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.Clone()
}

// Version returns the current document version.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.Version
}

// ApplyDelta merges the delta's patch into the document. The version counter
// advances only on acceptance: a delta at or below the current version returns
// ErrVersionConflict and leaves state untouched, a patch that fails parsing or
// produces an invalid document returns ErrMalformedDelta. On acceptance the
// merged document copy is returned for publication.
func (s *Store) ApplyDelta(delta Delta) (Document, error) {
	if err := delta.Validate(); err != nil {
		return Document{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if delta.Version <= s.doc.Version {
		return Document{}, fmt.Errorf("%w: delta version %d <= current %d",
			ErrVersionConflict, delta.Version, s.doc.Version)
	}

	merged, err := mergeDocument(s.doc, delta.Patch, delta.Version)
	if err != nil {
		return Document{}, err
	}
	if err := merged.Validate(); err != nil {
		return Document{}, err
	}

	s.doc = merged
	return s.doc.Clone(), nil
}

// Adopt replaces the document with a full desired-state document received
// through resync. The version must move forward: an equal version is a no-op
// (changed=false), an older version returns ErrVersionConflict without
// touching state.
func (s *Store) Adopt(doc Document) (bool, error) {
	if err := doc.Validate(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case doc.Version == s.doc.Version:
		return false, nil
	case doc.Version < s.doc.Version:
		return false, fmt.Errorf("%w: document version %d < current %d",
			ErrVersionConflict, doc.Version, s.doc.Version)
	}

	s.doc = doc.Clone()
	return true, nil
}

// Bootstrap loads a persisted document at startup, before any delta has been
// seen. It refuses invalid documents so a corrupt target snapshot fails the
// agent fast instead of converging toward garbage.
func (s *Store) Bootstrap(doc Document) error {
	if err := doc.Validate(); err != nil {
		return fmt.Errorf("shadow: bootstrap document rejected: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.doc.Version != 0 {
		return fmt.Errorf("shadow: bootstrap after version %d already applied", s.doc.Version)
	}
	s.doc = doc.Clone()
	if s.doc.Entities == nil {
		s.doc.Entities = map[string]EntitySpec{}
	}
	return nil
}
