package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/kestrel-iot/shadowd/internal/auth"
	logs "github.com/kestrel-iot/shadowd/internal/logging"
)

// Memory is an in-process broker for development and tests. Delivery is
// synchronous in Publish order; handlers run without the broker lock held so
// they may publish back into the broker.
type Memory struct {
	mu         sync.RWMutex
	connected  bool
	closed     bool
	credential string
	authorizer auth.Authorizer
	handlers   map[string][]Handler
	observers  []StatusHandler
}

// MemoryOption configures a Memory broker.
type MemoryOption func(*Memory)

// WithAuthorizer enforces the grant on every publish and subscribe, using
// the given device credential.
func WithAuthorizer(credential string, authorizer auth.Authorizer) MemoryOption {
	return func(m *Memory) {
		m.credential = credential
		m.authorizer = authorizer
	}
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		authorizer: auth.AllowAll{},
		handlers:   make(map[string][]Handler),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.connected = true
	observers := append([]StatusHandler(nil), m.observers...)
	m.mu.Unlock()

	for _, observer := range observers {
		observer(StatusConnected)
	}
	return nil
}

func (m *Memory) Publish(topic string, payload []byte) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	if !m.connected {
		m.mu.RUnlock()
		return ErrNotConnected
	}
	credential, authorizer := m.credential, m.authorizer
	handlers := append([]Handler(nil), m.handlers[topic]...)
	m.mu.RUnlock()

	if err := authorizer.Authorize(credential, topic, auth.CapabilityPublish); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}

	body := append([]byte(nil), payload...)
	for _, handler := range handlers {
		handler(topic, body)
	}
	return nil
}

func (m *Memory) Subscribe(topic string, handler Handler) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	credential, authorizer := m.credential, m.authorizer
	m.mu.Unlock()

	if err := authorizer.Authorize(credential, topic, auth.CapabilitySubscribe); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}

	m.mu.Lock()
	m.handlers[topic] = append(m.handlers[topic], handler)
	m.mu.Unlock()
	return nil
}

func (m *Memory) NotifyStatus(handler StatusHandler) {
	m.mu.Lock()
	m.observers = append(m.observers, handler)
	connected := m.connected
	m.mu.Unlock()

	if connected {
		handler(StatusConnected)
	} else {
		handler(StatusDisconnected)
	}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.connected = false
	observers := append([]StatusHandler(nil), m.observers...)
	m.mu.Unlock()

	for _, observer := range observers {
		observer(StatusDisconnected)
	}
	return nil
}

// DropConnection simulates transport loss without closing the broker.
// Subscriptions survive; Reconnect restores delivery.
func (m *Memory) DropConnection() {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return
	}
	m.connected = false
	observers := append([]StatusHandler(nil), m.observers...)
	m.mu.Unlock()

	logs.Debugf("broker.Memory connection dropped")
	for _, observer := range observers {
		observer(StatusDisconnected)
	}
}
