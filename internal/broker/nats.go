package broker

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	logs "github.com/kestrel-iot/shadowd/internal/logging"
)

// NATSConfig configures the NATS transport.
type NATSConfig struct {
	URL        string
	Name       string
	Credential string
	Reconnect  ReconnectConfig
}

// NATS adapts a NATS connection to the Broker interface. Slash-separated
// shadow topics map to dotted subjects; the original topic is restored on
// delivery so handlers never see transport naming.
type NATS struct {
	cfg  NATSConfig
	conn *nats.Conn
	rng  *rand.Rand

	mu            sync.RWMutex
	closed        bool
	handlers      map[string]Handler // keyed by subject
	topics        map[string]string  // subject -> original topic
	subscriptions map[string]*nats.Subscription
	observers     []StatusHandler
}

func NewNATS(cfg NATSConfig) *NATS {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if cfg.Reconnect.InitialDelay <= 0 {
		cfg.Reconnect = DefaultReconnectConfig()
	}
	return &NATS{
		cfg:           cfg,
		rng:           rand.New(rand.NewSource(time.Now().UnixNano())),
		handlers:      make(map[string]Handler),
		topics:        make(map[string]string),
		subscriptions: make(map[string]*nats.Subscription),
	}
}

func (b *NATS) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if b.conn != nil && b.conn.IsConnected() {
		b.mu.Unlock()
		return nil
	}

	opts := []nats.Option{
		nats.Name(b.cfg.Name),
		nats.MaxReconnects(-1),
		nats.RetryOnFailedConnect(true),
		nats.CustomReconnectDelay(func(attempt int) time.Duration {
			return NextReconnectDelay(b.cfg.Reconnect, attempt, b.rng)
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logs.Warnf("broker.NATS disconnected err=%v", err)
			}
			b.notify(StatusDisconnected)
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			logs.Infof("broker.NATS reconnected url=%q", conn.ConnectedUrl())
			b.notify(StatusConnected)
		}),
	}
	if b.cfg.Credential != "" {
		opts = append(opts, nats.Token(b.cfg.Credential))
	}

	conn, err := nats.Connect(b.cfg.URL, opts...)
	if err != nil {
		b.mu.Unlock()
		return fmt.Errorf("broker: connect nats at %s: %w", b.cfg.URL, err)
	}
	b.conn = conn

	for subject, handler := range b.handlers {
		if _, ok := b.subscriptions[subject]; ok {
			continue
		}
		sub, err := b.subscribeLocked(subject, handler)
		if err != nil {
			conn.Close()
			b.conn = nil
			b.mu.Unlock()
			return err
		}
		b.subscriptions[subject] = sub
	}
	observers := append([]StatusHandler(nil), b.observers...)
	b.mu.Unlock()

	for _, observer := range observers {
		observer(StatusConnected)
	}
	return nil
}

func (b *NATS) Publish(topic string, payload []byte) error {
	b.mu.RLock()
	conn := b.conn
	b.mu.RUnlock()
	if conn == nil || !conn.IsConnected() {
		return ErrNotConnected
	}
	if err := conn.Publish(subjectFor(topic), payload); err != nil {
		return fmt.Errorf("broker: publish %s: %w", topic, err)
	}
	return nil
}

func (b *NATS) Subscribe(topic string, handler Handler) error {
	subject := subjectFor(topic)

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.handlers[subject] = handler
	b.topics[subject] = topic

	if b.conn == nil {
		return nil
	}
	sub, err := b.subscribeLocked(subject, handler)
	if err != nil {
		return err
	}
	b.subscriptions[subject] = sub
	return nil
}

func (b *NATS) subscribeLocked(subject string, handler Handler) (*nats.Subscription, error) {
	topic := b.topics[subject]
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(topic, msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("broker: subscribe %s: %w", topic, err)
	}
	return sub, nil
}

func (b *NATS) NotifyStatus(handler StatusHandler) {
	b.mu.Lock()
	b.observers = append(b.observers, handler)
	connected := b.conn != nil && b.conn.IsConnected()
	b.mu.Unlock()

	if connected {
		handler(StatusConnected)
	} else {
		handler(StatusDisconnected)
	}
}

func (b *NATS) notify(status Status) {
	b.mu.RLock()
	observers := append([]StatusHandler(nil), b.observers...)
	b.mu.RUnlock()
	for _, observer := range observers {
		observer(status)
	}
}

func (b *NATS) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	conn := b.conn
	b.conn = nil
	b.subscriptions = map[string]*nats.Subscription{}
	b.mu.Unlock()

	if conn != nil {
		if err := conn.Drain(); err != nil {
			conn.Close()
		}
	}
	b.notify(StatusDisconnected)
	return nil
}

// subjectFor maps a slash-separated shadow topic onto NATS subject tokens.
func subjectFor(topic string) string {
	return strings.ReplaceAll(strings.Trim(topic, "/"), "/", ".")
}
