package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	logs "github.com/kestrel-iot/shadowd/internal/logging"
	"github.com/kestrel-iot/shadowd/internal/runtime"
	"github.com/kestrel-iot/shadowd/internal/shadow"
)

var (
	ErrStoreRequired   = errors.New("reconcile: shadow store required")
	ErrAdapterRequired = errors.New("reconcile: runtime adapter required")
)

// Trigger names the source of a reconciliation pass.
type Trigger string

const (
	TriggerStartup  Trigger = "startup"
	TriggerPeriodic Trigger = "periodic"
	TriggerDelta    Trigger = "delta"
	TriggerManual   Trigger = "manual"
)

// Persister stores engine state durably after a pass. Implementations
// report whether a write actually happened so unchanged state costs nothing.
type Persister interface {
	PersistTarget(doc shadow.Document) (wrote bool, err error)
	PersistCurrent(observed []runtime.ObservedEntity) (wrote bool, err error)
}

// Outcome summarizes one reconciliation pass.
type Outcome struct {
	Trigger        Trigger       `json:"trigger"`
	DesiredVersion uint64        `json:"desiredVersion"`
	PlanSteps      int           `json:"planSteps"`
	Applied        int           `json:"applied"`
	TargetWritten  bool          `json:"targetWritten"`
	CurrentWritten bool          `json:"currentWritten"`
	Duration       time.Duration `json:"duration"`
	Err            error         `json:"-"`
}

// Converged reports whether the pass found nothing to do.
func (o Outcome) Converged() bool { return o.PlanSteps == 0 && o.Err == nil }

// LoopConfig wires the reconciliation loop.
type LoopConfig struct {
	Store   *shadow.Store
	Adapter runtime.Adapter
	// Persister may be nil; passes then skip persistence entirely.
	Persister Persister
	// Interval is the periodic pass cadence.
	Interval time.Duration
	// StepTimeout bounds each runtime call.
	StepTimeout time.Duration
	// ListTimeout bounds the observe queries around plan execution.
	ListTimeout time.Duration
	// OnOutcome observes completed passes. Optional; called from the loop
	// goroutine after each pass.
	OnOutcome func(Outcome)
}

func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		Interval:    60 * time.Second,
		StepTimeout: 60 * time.Second,
		ListTimeout: 15 * time.Second,
	}
}

// Status is a consistent point-in-time view for status queries.
type Status struct {
	Running        bool                     `json:"running"`
	Passes         uint64                   `json:"passes"`
	DesiredVersion uint64                   `json:"desiredVersion"`
	LastOutcome    Outcome                  `json:"lastOutcome"`
	LastError      string                   `json:"lastError,omitempty"`
	Observed       []runtime.ObservedEntity `json:"observed"`
}

// Loop drives reconciliation passes one at a time. Triggers arriving while a
// pass runs coalesce into at most one follow-up pass; the observed-state
// snapshot mutates only between passes and is read behind the same lock.
type Loop struct {
	cfg      LoopConfig
	executor *Executor
	trigger  chan Trigger

	// passMu is the in-flight lock, held for the whole diff+execute+persist
	// pass.
	passMu sync.Mutex

	mu       sync.Mutex
	running  bool
	passes   uint64
	last     Outcome
	observed []runtime.ObservedEntity
}

func NewLoop(cfg LoopConfig) (*Loop, error) {
	if cfg.Store == nil {
		return nil, ErrStoreRequired
	}
	if cfg.Adapter == nil {
		return nil, ErrAdapterRequired
	}
	def := DefaultLoopConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = def.StepTimeout
	}
	if cfg.ListTimeout <= 0 {
		cfg.ListTimeout = def.ListTimeout
	}
	return &Loop{
		cfg:      cfg,
		executor: NewExecutor(cfg.Adapter, cfg.StepTimeout),
		trigger:  make(chan Trigger, 1),
	}, nil
}

// Trigger requests a pass. Non-blocking and safe from any goroutine,
// including broker dispatch: while a pass runs, any number of triggers
// collapse into a single queued follow-up.
func (l *Loop) Trigger(t Trigger) {
	select {
	case l.trigger <- t:
	default:
	}
}

// Run blocks until the context is done, executing passes on the periodic
// ticker and on queued triggers. An in-progress pass finishes its current
// step before Run returns.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.Interval)
	defer ticker.Stop()

	logs.Infof("reconcile.Loop running interval=%s", l.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			logs.Infof("reconcile.Loop shutdown")
			return ctx.Err()
		case <-ticker.C:
			l.pass(ctx, TriggerPeriodic)
		case trig := <-l.trigger:
			l.pass(ctx, trig)
		}
	}
}

// RunOnce executes a single pass synchronously. Startup convergence and
// tests use this; Run uses the same path.
func (l *Loop) RunOnce(ctx context.Context, trig Trigger) Outcome {
	return l.pass(ctx, trig)
}

// Status returns a deep-copied snapshot of loop state.
func (l *Loop) Status() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	observed := make([]runtime.ObservedEntity, len(l.observed))
	for i, e := range l.observed {
		observed[i] = e
		observed[i].Spec = e.Spec.Clone()
	}
	status := Status{
		Running:        l.running,
		Passes:         l.passes,
		DesiredVersion: l.cfg.Store.Version(),
		LastOutcome:    l.last,
		Observed:       observed,
	}
	if l.last.Err != nil {
		status.LastError = l.last.Err.Error()
	}
	return status
}

// Observed returns the latest post-pass observed state.
func (l *Loop) Observed() []runtime.ObservedEntity {
	return l.Status().Observed
}

func (l *Loop) pass(ctx context.Context, trig Trigger) Outcome {
	l.passMu.Lock()
	defer l.passMu.Unlock()

	start := time.Now()
	l.mu.Lock()
	l.running = true
	l.mu.Unlock()

	outcome := l.converge(ctx, trig)
	outcome.Trigger = trig
	outcome.Duration = time.Since(start)

	l.mu.Lock()
	l.running = false
	l.passes++
	l.last = outcome
	l.mu.Unlock()

	if outcome.Err != nil {
		logs.Warnf("reconcile.Loop pass trigger=%s version=%d steps=%d applied=%d err=%v",
			trig, outcome.DesiredVersion, outcome.PlanSteps, outcome.Applied, outcome.Err)
	} else {
		logs.Infof("reconcile.Loop pass trigger=%s version=%d steps=%d applied=%d duration=%s",
			trig, outcome.DesiredVersion, outcome.PlanSteps, outcome.Applied, outcome.Duration)
	}
	if l.cfg.OnOutcome != nil {
		l.cfg.OnOutcome(outcome)
	}
	return outcome
}

// converge runs diff, execute, observe, persist. Any error is recoverable:
// the next scheduled or triggered pass re-attempts from the latest observed
// state.
func (l *Loop) converge(ctx context.Context, trig Trigger) Outcome {
	desired := l.cfg.Store.Desired()
	outcome := Outcome{DesiredVersion: desired.Version}

	observed, err := l.list(ctx)
	if err != nil {
		outcome.Err = fmt.Errorf("reconcile: observe runtime: %w", err)
		return outcome
	}

	plan := Diff(observed, desired)
	outcome.PlanSteps = len(plan.Steps)

	if plan.Empty() {
		l.setObserved(observed)
		// The no-op path stays cheap: periodic passes skip persistence
		// outright. Event triggers still go through the gate so a version
		// bump that changes no entity remains durable.
		if trig != TriggerPeriodic {
			l.persist(desired, observed, &outcome)
		}
		return outcome
	}

	logs.Infof("reconcile.Loop plan version=%d %s", desired.Version, plan)
	result := l.executor.Execute(ctx, plan)
	outcome.Applied = result.Applied
	if result.Err != nil {
		outcome.Err = fmt.Errorf("reconcile: step %s: %w", result.FailedStep, result.Err)
	}

	// Whatever actually happened is the new truth, including after partial
	// failure.
	if refreshed, err := l.list(ctx); err == nil {
		observed = refreshed
		l.setObserved(refreshed)
	} else {
		logs.Warnf("reconcile.Loop post-pass observe failed err=%v", err)
		outcome.Err = errors.Join(outcome.Err, fmt.Errorf("reconcile: refresh observed: %w", err))
	}

	l.persist(desired, observed, &outcome)
	return outcome
}

func (l *Loop) list(ctx context.Context) ([]runtime.ObservedEntity, error) {
	listCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.cfg.ListTimeout)
	defer cancel()
	return l.cfg.Adapter.List(listCtx)
}

func (l *Loop) setObserved(observed []runtime.ObservedEntity) {
	l.mu.Lock()
	l.observed = observed
	l.mu.Unlock()
}

func (l *Loop) persist(desired shadow.Document, observed []runtime.ObservedEntity, outcome *Outcome) {
	if l.cfg.Persister == nil {
		return
	}
	wroteTarget, err := l.cfg.Persister.PersistTarget(desired)
	if err != nil {
		outcome.Err = errors.Join(outcome.Err, fmt.Errorf("reconcile: persist target: %w", err))
	}
	outcome.TargetWritten = wroteTarget

	wroteCurrent, err := l.cfg.Persister.PersistCurrent(observed)
	if err != nil {
		outcome.Err = errors.Join(outcome.Err, fmt.Errorf("reconcile: persist current: %w", err))
	}
	outcome.CurrentWritten = wroteCurrent
}
