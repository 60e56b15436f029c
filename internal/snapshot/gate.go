package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	logs "github.com/kestrel-iot/shadowd/internal/logging"
	"github.com/kestrel-iot/shadowd/internal/observability"
	"github.com/kestrel-iot/shadowd/internal/runtime"
	"github.com/kestrel-iot/shadowd/internal/shadow"
)

const defaultWriteTimeout = 5 * time.Second

// Gate deduplicates snapshot writes. Each candidate is serialized and
// compared byte-for-byte against the last form written for that type; an
// identical payload skips the write. Comparison state is owned by the
// instance and dropped at Close, so the first pass after a restart always
// writes both types.
type Gate struct {
	store        Store
	writeTimeout time.Duration
	now          func() time.Time

	mu          sync.Mutex
	lastTarget  []byte
	lastCurrent []byte
}

// NewGate wraps a snapshot store with the write-deduplication policy.
func NewGate(store Store) (*Gate, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}
	return &Gate{
		store:        store,
		writeTimeout: defaultWriteTimeout,
		now:          time.Now,
	}, nil
}

// PersistTarget writes the desired document unless it matches the last
// written target byte-for-byte. The returned bool reports whether a write
// happened. Version bumps serialize differently, so they always land.
func (g *Gate) PersistTarget(doc shadow.Document) (bool, error) {
	payload, err := json.Marshal(doc)
	if err != nil {
		return false, fmt.Errorf("serialize target state: %w", err)
	}
	return g.write(TypeTarget, payload, &g.lastTarget)
}

// PersistCurrent writes the observed runtime state under the same
// deduplication policy as PersistTarget.
func (g *Gate) PersistCurrent(observed []runtime.ObservedEntity) (bool, error) {
	if observed == nil {
		observed = []runtime.ObservedEntity{}
	}
	payload, err := json.Marshal(observed)
	if err != nil {
		return false, fmt.Errorf("serialize current state: %w", err)
	}
	return g.write(TypeCurrent, payload, &g.lastCurrent)
}

func (g *Gate) write(snapType string, payload []byte, last *[]byte) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if bytes.Equal(payload, *last) {
		logs.Debugf("snapshot.Gate.write type=%s unchanged, skipped", snapType)
		observability.RecordSnapshotWrite(snapType, false)
		return false, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), g.writeTimeout)
	defer cancel()
	if err := g.store.Save(ctx, Snapshot{Type: snapType, State: payload, CreatedAt: g.now().UTC()}); err != nil {
		return false, err
	}

	*last = append([]byte(nil), payload...)
	logs.Debugf("snapshot.Gate.write type=%s bytes=%d", snapType, len(payload))
	observability.RecordSnapshotWrite(snapType, true)
	return true, nil
}

// Close forgets the comparison state. It does not close the wrapped store;
// the owner of the store closes it.
func (g *Gate) Close() {
	g.mu.Lock()
	g.lastTarget, g.lastCurrent = nil, nil
	g.mu.Unlock()
}
