package runtime

import (
	"context"
	"errors"

	"github.com/kestrel-iot/shadowd/internal/shadow"
)

var (
	ErrEntityNameRequired = errors.New("runtime: entity name required")
	ErrImageRequired      = errors.New("runtime: image required")
	ErrNotFound           = errors.New("runtime: entity not found")
)

// StatusRunning is the one status value the engine reasons about; every
// other value passes through for reporting only.
const StatusRunning = "running"

// ObservedEntity is one workload the runtime reports as present, keyed by
// the entity name it was created under.
type ObservedEntity struct {
	RuntimeID string            `json:"runtimeId,omitempty"`
	Name      string            `json:"name"`
	Spec      shadow.EntitySpec `json:"spec"`
	Status    string            `json:"status,omitempty"`
}

// Adapter is the contract the engine holds against the container engine.
// Calls may block on I/O; callers bound them with context deadlines.
type Adapter interface {
	List(ctx context.Context) ([]ObservedEntity, error)
	Create(ctx context.Context, name string, spec shadow.EntitySpec) (string, error)
	Stop(ctx context.Context, id string) error
	Remove(ctx context.Context, id string) error
}
