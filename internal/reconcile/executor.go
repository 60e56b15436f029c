package reconcile

import (
	"context"
	"fmt"
	"time"

	logs "github.com/kestrel-iot/shadowd/internal/logging"
	"github.com/kestrel-iot/shadowd/internal/observability"
	"github.com/kestrel-iot/shadowd/internal/runtime"
)

// Result reports how far a plan got. A plan is not transactional: applied
// steps stay applied, and the next pass converges from the new observed
// truth instead of rolling back.
type Result struct {
	// Applied counts completed steps, in plan order.
	Applied int
	// FailedStep is the step that stopped the plan, nil when every step
	// applied.
	FailedStep *Step
	Err        error
}

// Executor runs plans strictly in order against the runtime adapter, one
// bounded step at a time.
type Executor struct {
	adapter     runtime.Adapter
	stepTimeout time.Duration
}

const defaultStepTimeout = 60 * time.Second

func NewExecutor(adapter runtime.Adapter, stepTimeout time.Duration) *Executor {
	if stepTimeout <= 0 {
		stepTimeout = defaultStepTimeout
	}
	return &Executor{adapter: adapter, stepTimeout: stepTimeout}
}

// Execute applies the plan until a step fails or the context is cancelled.
// Cancellation is honored between steps only: an in-flight step always runs
// to its own timeout, so shutdown never leaves a step half-applied.
func (e *Executor) Execute(ctx context.Context, plan Plan) Result {
	for i := range plan.Steps {
		if err := ctx.Err(); err != nil {
			failed := plan.Steps[i]
			return Result{Applied: i, FailedStep: &failed, Err: err}
		}
		step := plan.Steps[i]
		if err := e.apply(ctx, step); err != nil {
			logs.Warnf("reconcile.Executor step failed step=%s applied=%d err=%v", step, i, err)
			failed := step
			return Result{Applied: i, FailedStep: &failed, Err: err}
		}
		logs.Debugf("reconcile.Executor step applied step=%s", step)
	}
	return Result{Applied: len(plan.Steps)}
}

func (e *Executor) apply(parent context.Context, step Step) (err error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), e.stepTimeout)
	defer cancel()
	defer func() { observability.RecordReconcileStep(string(step.Action), err) }()

	switch step.Action {
	case ActionCreate:
		_, err = e.adapter.Create(ctx, step.Entity, step.Spec)
		return err
	case ActionStop:
		return e.adapter.Stop(ctx, step.RuntimeID)
	case ActionRemove:
		return e.adapter.Remove(ctx, step.RuntimeID)
	default:
		return fmt.Errorf("reconcile: unknown action %q", step.Action)
	}
}
