package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kestrel-iot/shadowd/internal/broker"
	"github.com/kestrel-iot/shadowd/internal/config"
	logs "github.com/kestrel-iot/shadowd/internal/logging"
	"github.com/kestrel-iot/shadowd/internal/observability"
	"github.com/kestrel-iot/shadowd/internal/protocol"
	"github.com/kestrel-iot/shadowd/internal/reconcile"
	"github.com/kestrel-iot/shadowd/internal/runtime"
	"github.com/kestrel-iot/shadowd/internal/shadow"
	"github.com/kestrel-iot/shadowd/internal/snapshot"
)

// Version is reported in protocol metadata and on the admin API.
const Version = "0.1.0"

// ServiceConfig carries the resolved agent configuration plus optional
// pre-built collaborators. Tests inject the in-memory transport, a fake
// runtime, and an in-memory snapshot store; production leaves them nil and
// gets the kind-selected broker, Docker, and SQLite.
type ServiceConfig struct {
	Agent     config.AgentConfig
	Broker    broker.Broker
	Adapter   runtime.Adapter
	Snapshots snapshot.Store
}

// Service is the assembled shadow daemon.
type Service struct {
	cfg      config.AgentConfig
	store    *shadow.Store
	snaps    snapshot.Store
	gate     *snapshot.Gate
	adapter  runtime.Adapter
	broker   broker.Broker
	client   *protocol.Client
	loop     *reconcile.Loop
	server   *Server
	appeared time.Time
}

// NewService builds the daemon. Loading durable state happens here so a
// device that cannot trust its own snapshot never starts reconciling.
func NewService(cfg ServiceConfig) (*Service, error) {
	agentCfg := cfg.Agent
	config.ApplyAgentDefaults(&agentCfg)
	if err := config.ValidateAgentConfig(agentCfg); err != nil {
		return nil, err
	}
	if agentCfg.Hostname == "" {
		if host, err := os.Hostname(); err == nil {
			agentCfg.Hostname = host
		}
	}

	svc := &Service{
		cfg:      agentCfg,
		store:    shadow.NewStore(),
		adapter:  cfg.Adapter,
		broker:   cfg.Broker,
		snaps:    cfg.Snapshots,
		appeared: time.Now(),
	}

	if svc.snaps == nil {
		snaps, err := snapshot.NewSQLiteStore(agentCfg.SnapshotPath)
		if err != nil {
			return nil, fmt.Errorf("agent: open snapshot store: %w", err)
		}
		svc.snaps = snaps
	}
	if err := svc.bootstrapFromSnapshots(); err != nil {
		svc.snaps.Close()
		return nil, err
	}

	gate, err := snapshot.NewGate(svc.snaps)
	if err != nil {
		svc.snaps.Close()
		return nil, err
	}
	svc.gate = gate

	if svc.adapter == nil {
		docker, err := runtime.NewDocker(config.DockerOptions(agentCfg))
		if err != nil {
			svc.snaps.Close()
			return nil, fmt.Errorf("agent: runtime adapter: %w", err)
		}
		svc.adapter = docker
	}

	if svc.broker == nil {
		svc.broker = brokerForKind(agentCfg)
	}

	interval, stepTimeout, listTimeout := config.ReconcileTimings(agentCfg)
	loop, err := reconcile.NewLoop(reconcile.LoopConfig{
		Store:       svc.store,
		Adapter:     svc.adapter,
		Persister:   svc.gate,
		Interval:    interval,
		StepTimeout: stepTimeout,
		ListTimeout: listTimeout,
		OnOutcome:   svc.recordOutcome,
	})
	if err != nil {
		svc.snaps.Close()
		return nil, err
	}
	svc.loop = loop

	client, err := protocol.NewClient(protocol.ClientConfig{
		Topics: config.Topics(agentCfg),
		Broker: svc.broker,
		Store:  svc.store,
		Metadata: protocol.Metadata{
			DeviceUUID:   agentCfg.DeviceUUID,
			ShadowName:   agentCfg.ShadowName,
			Hostname:     agentCfg.Hostname,
			AgentVersion: Version,
		},
		Reported: svc.reported,
		OnApplied: func(shadow.Document) {
			svc.loop.Trigger(reconcile.TriggerDelta)
		},
	})
	if err != nil {
		svc.snaps.Close()
		return nil, err
	}
	svc.client = client

	svc.server = NewServer(ServerConfig{
		Agent:    agentCfg,
		Store:    svc.store,
		Loop:     svc.loop,
		Client:   svc.client,
		Appeared: svc.appeared,
	})

	logs.Infof("agent.Service assembled shadow=%q device=%q broker=%s",
		agentCfg.ShadowName, agentCfg.DeviceUUID, agentCfg.Broker.Kind)
	return svc, nil
}

// bootstrapFromSnapshots seeds desired state from the persisted target. A
// missing snapshot is a fresh device; an unreadable one is fatal because
// converging on a guessed desired state could tear down real workloads.
func (s *Service) bootstrapFromSnapshots() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	snap, err := s.snaps.Load(ctx, snapshot.TypeTarget)
	switch {
	case errors.Is(err, snapshot.ErrNotFound):
		logs.Infof("agent.Service no target snapshot; starting at version 0")
	case err != nil:
		return fmt.Errorf("agent: load target snapshot: %w", err)
	default:
		var doc shadow.Document
		if err := json.Unmarshal(snap.State, &doc); err != nil {
			return fmt.Errorf("agent: corrupt target snapshot: %w", err)
		}
		if err := s.store.Bootstrap(doc); err != nil {
			return fmt.Errorf("agent: corrupt target snapshot: %w", err)
		}
		logs.Infof("agent.Service restored target snapshot version=%d entities=%d",
			doc.Version, len(doc.Entities))
	}

	current, err := s.snaps.Load(ctx, snapshot.TypeCurrent)
	if err == nil {
		var observed []runtime.ObservedEntity
		if err := json.Unmarshal(current.State, &observed); err != nil {
			logs.Warnf("agent.Service unreadable current snapshot; runtime will be re-observed err=%v", err)
		} else {
			logs.Infof("agent.Service last observed state had entities=%d at=%s",
				len(observed), current.CreatedAt.Format(time.RFC3339))
		}
	}
	return nil
}

func brokerForKind(cfg config.AgentConfig) broker.Broker {
	switch cfg.Broker.Kind {
	case "redis":
		return broker.NewRedis(config.RedisOptions(cfg))
	case "memory":
		return broker.NewMemory()
	default:
		return broker.NewNATS(config.NATSOptions(cfg))
	}
}

// reported converts the loop's observed state into the protocol's reported
// document section.
func (s *Service) reported() protocol.ReportedState {
	observed := s.loop.Observed()
	state := make(protocol.ReportedState, len(observed))
	for _, e := range observed {
		state[e.Name] = protocol.ReportedEntity{
			RuntimeID: e.RuntimeID,
			Status:    e.Status,
			Spec:      e.Spec,
		}
	}
	return state
}

func (s *Service) recordOutcome(o reconcile.Outcome) {
	label := "applied"
	switch {
	case o.Err != nil:
		label = "error"
	case o.PlanSteps == 0:
		label = "converged"
	}
	observability.RecordReconcilePass(string(o.Trigger), label, o.Duration)

	// Convergence changed the runtime, so the cloud's reported view is
	// stale until the next documents publish.
	if o.Applied > 0 {
		if err := s.client.PublishDocuments(); err != nil {
			if errors.Is(err, broker.ErrNotConnected) {
				logs.Debugf("agent.Service documents deferred; transport down")
			} else {
				logs.Warnf("agent.Service documents publish failed err=%v", err)
			}
		}
	}
}

// Loop exposes the reconciliation loop for the admin surface and tests.
func (s *Service) Loop() *reconcile.Loop { return s.loop }

// Store exposes the shadow store for tests.
func (s *Service) Store() *shadow.Store { return s.store }

// Server exposes the admin API.
func (s *Service) Server() *Server { return s.server }

// Run starts the daemon and blocks until the context is cancelled or a
// component fails fatally. The broker connects in the background with
// backoff: a device that boots offline still converges on its restored
// target and resyncs when the transport appears.
func (s *Service) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := s.client.Start(); err != nil {
		return fmt.Errorf("agent: start protocol client: %w", err)
	}
	go s.connectBroker(ctx)

	// Converge on restored state before serving anything else.
	s.loop.RunOnce(ctx, reconcile.TriggerStartup)

	loopDone := make(chan error, 1)
	go func() { loopDone <- s.loop.Run(ctx) }()

	serverDone := make(chan error, 1)
	go func() { serverDone <- s.server.Run(ctx) }()

	var runErr error
	loopStopped, serverStopped := false, false
	select {
	case <-ctx.Done():
	case err := <-serverDone:
		serverStopped = true
		if err != nil {
			runErr = fmt.Errorf("agent: admin server: %w", err)
		}
	case err := <-loopDone:
		loopStopped = true
		if err != nil && !errors.Is(err, context.Canceled) {
			runErr = fmt.Errorf("agent: reconcile loop: %w", err)
		}
	}

	cancel()
	if !loopStopped {
		<-loopDone
	}
	if !serverStopped {
		<-serverDone
	}
	s.shutdown()
	return runErr
}

func (s *Service) connectBroker(ctx context.Context) {
	reconnect := broker.DefaultReconnectConfig()
	for attempt := 1; ; attempt++ {
		err := s.broker.Connect(ctx)
		if err == nil {
			logs.Infof("agent.Service broker connected attempt=%d", attempt)
			return
		}
		if ctx.Err() != nil {
			return
		}
		delay := broker.NextReconnectDelay(reconnect, attempt, nil)
		logs.Warnf("agent.Service broker connect failed attempt=%d retry_in=%s err=%v",
			attempt, delay, err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

func (s *Service) shutdown() {
	if err := s.client.Close(); err != nil {
		logs.Warnf("agent.Service client close err=%v", err)
	}
	if err := s.broker.Close(); err != nil {
		logs.Warnf("agent.Service broker close err=%v", err)
	}
	s.gate.Close()
	if err := s.snaps.Close(); err != nil {
		logs.Warnf("agent.Service snapshot store close err=%v", err)
	}
	logs.Infof("agent.Service stopped shadow=%q", s.cfg.ShadowName)
}
