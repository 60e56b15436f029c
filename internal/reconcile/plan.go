package reconcile

import (
	"fmt"
	"strings"

	"github.com/kestrel-iot/shadowd/internal/shadow"
)

// Action is one runtime operation kind.
type Action string

const (
	ActionCreate Action = "create"
	ActionStop   Action = "stop"
	ActionRemove Action = "remove"
)

// Step is one runtime operation against a single entity. A changed entity is
// never mutated in place: it tears down through stop and remove steps, then
// builds back through create.
type Step struct {
	Action Action
	Entity string
	// RuntimeID targets stop and remove. Empty for create.
	RuntimeID string
	// Spec is the configuration to create. Zero for stop and remove.
	Spec shadow.EntitySpec
}

func (s Step) String() string {
	return fmt.Sprintf("%s(%s)", s.Action, s.Entity)
}

// Plan is an ordered step list. Order is part of the contract: identical
// inputs yield an identical plan.
type Plan struct {
	Steps []Step
}

func (p Plan) Empty() bool { return len(p.Steps) == 0 }

func (p Plan) String() string {
	if p.Empty() {
		return "empty"
	}
	parts := make([]string, len(p.Steps))
	for i, s := range p.Steps {
		parts[i] = s.String()
	}
	return strings.Join(parts, " ")
}
