// Package fakeruntime is an in-memory runtime.Adapter for engine tests:
// deterministic IDs, an operation log, and per-entity failure injection.
package fakeruntime

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kestrel-iot/shadowd/internal/runtime"
	"github.com/kestrel-iot/shadowd/internal/shadow"
)

type Fake struct {
	mu       sync.Mutex
	nextID   int
	byID     map[string]*runtime.ObservedEntity
	ops      []string
	listErr  error
	failures map[string]error // keyed by op:name
	delay    time.Duration
}

func New() *Fake {
	return &Fake{
		byID:     make(map[string]*runtime.ObservedEntity),
		failures: make(map[string]error),
	}
}

// Seed plants an already-running entity, as if a previous agent run created
// it.
func (f *Fake) Seed(name string, spec shadow.EntitySpec) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.newID()
	f.byID[id] = &runtime.ObservedEntity{
		RuntimeID: id,
		Name:      name,
		Spec:      spec.Clone(),
		Status:    runtime.StatusRunning,
	}
	return id
}

// FailCreate makes the next Create for the entity fail with err. One-shot:
// the failure clears once delivered, so retry passes succeed.
func (f *Fake) FailCreate(name string, err error) { f.fail("create", name, err) }

// FailStop makes the next Stop of the named entity fail with err.
func (f *Fake) FailStop(name string, err error) { f.fail("stop", name, err) }

// FailRemove makes the next Remove of the named entity fail with err.
func (f *Fake) FailRemove(name string, err error) { f.fail("remove", name, err) }

// FailList makes every List fail with err until cleared with nil.
func (f *Fake) FailList(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listErr = err
}

// SetDelay makes every mutating call sleep first, honoring the context
// deadline. Used to exercise per-step timeouts.
func (f *Fake) SetDelay(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delay = d
}

func (f *Fake) fail(op, name string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op+":"+name] = err
}

func (f *Fake) List(ctx context.Context) ([]runtime.ObservedEntity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, "list")
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]runtime.ObservedEntity, 0, len(f.byID))
	for _, e := range f.byID {
		copied := *e
		copied.Spec = e.Spec.Clone()
		out = append(out, copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *Fake) Create(ctx context.Context, name string, spec shadow.EntitySpec) (string, error) {
	if err := f.wait(ctx); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, "create:"+name)
	if err := f.takeFailure("create", name); err != nil {
		return "", err
	}
	id := f.newID()
	f.byID[id] = &runtime.ObservedEntity{
		RuntimeID: id,
		Name:      name,
		Spec:      spec.Clone(),
		Status:    runtime.StatusRunning,
	}
	return id, nil
}

func (f *Fake) Stop(ctx context.Context, id string) error {
	if err := f.wait(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.byID[id]
	if !ok {
		f.ops = append(f.ops, "stop:?")
		return fmt.Errorf("%w: id %q", runtime.ErrNotFound, id)
	}
	f.ops = append(f.ops, "stop:"+e.Name)
	if err := f.takeFailure("stop", e.Name); err != nil {
		return err
	}
	e.Status = "exited"
	return nil
}

func (f *Fake) Remove(ctx context.Context, id string) error {
	if err := f.wait(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.byID[id]
	if !ok {
		f.ops = append(f.ops, "remove:?")
		return fmt.Errorf("%w: id %q", runtime.ErrNotFound, id)
	}
	f.ops = append(f.ops, "remove:"+e.Name)
	if err := f.takeFailure("remove", e.Name); err != nil {
		return err
	}
	delete(f.byID, id)
	return nil
}

// Ops returns the operation log in call order.
func (f *Fake) Ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

// ResetOps clears the operation log between test phases.
func (f *Fake) ResetOps() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = nil
}

// Running returns name -> spec for entities currently in the running state.
func (f *Fake) Running() map[string]shadow.EntitySpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]shadow.EntitySpec)
	for _, e := range f.byID {
		if e.Status == runtime.StatusRunning {
			out[e.Name] = e.Spec.Clone()
		}
	}
	return out
}

func (f *Fake) takeFailure(op, name string) error {
	key := op + ":" + name
	if err, ok := f.failures[key]; ok {
		delete(f.failures, key)
		return err
	}
	return nil
}

func (f *Fake) wait(ctx context.Context) error {
	f.mu.Lock()
	delay := f.delay
	f.mu.Unlock()
	if delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (f *Fake) newID() string {
	f.nextID++
	return fmt.Sprintf("c-%03d", f.nextID)
}
