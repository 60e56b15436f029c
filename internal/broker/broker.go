// Package broker owns the pub/sub transport boundary.
//
// Ownership boundary:
// - Broker interface consumed by the shadow protocol
// - memory, NATS and Redis implementations
// - reconnect/backoff primitives
//
// Broker does not interpret payloads; topics are opaque slash-separated
// strings owned by the protocol layer.
package broker

import (
	"context"
	"errors"
)

var (
	ErrNotConnected = errors.New("broker: not connected")
	ErrClosed       = errors.New("broker: closed")
)

// Handler receives one message delivered on a subscribed topic. Handlers run
// on the broker's dispatch goroutine and must hand real work off; blocking
// here stalls delivery.
type Handler func(topic string, payload []byte)

// Status reports the transport connection state.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnected
)

func (s Status) String() string {
	if s == StatusConnected {
		return "connected"
	}
	return "disconnected"
}

// StatusHandler observes connection-state transitions. The protocol layer
// uses the disconnected->connected edge to force a full-document resync.
type StatusHandler func(Status)

// Broker is the transport the shadow protocol speaks through.
type Broker interface {
	// Connect establishes the transport. Subscriptions registered before
	// Connect are activated as part of connecting.
	Connect(ctx context.Context) error

	// Publish sends a payload on a topic. Returns ErrNotConnected while the
	// transport is down.
	Publish(topic string, payload []byte) error

	// Subscribe registers a handler for a topic. An authorization failure is
	// connection-fatal and surfaces here, not as a per-message error.
	Subscribe(topic string, handler Handler) error

	// NotifyStatus registers a connection-state observer. The current state
	// is delivered immediately on registration.
	NotifyStatus(handler StatusHandler)

	Close() error
}
