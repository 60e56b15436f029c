package broker

import (
	"context"
	"errors"
	"testing"

	"github.com/kestrel-iot/shadowd/internal/auth"
	"github.com/kestrel-iot/shadowd/internal/testutil/testlog"
)

func TestMemoryPublishDelivers(t *testing.T) {
	testlog.Start(t)
	m := NewMemory()
	defer m.Close()

	var gotTopic string
	var gotPayload []byte
	if err := m.Subscribe("kestrel/device/d-1/shadow/name/workloads/update/delta", func(topic string, payload []byte) {
		gotTopic = topic
		gotPayload = payload
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := m.Publish("kestrel/device/d-1/shadow/name/workloads/update/delta", []byte(`{"version":3}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if gotTopic != "kestrel/device/d-1/shadow/name/workloads/update/delta" {
		t.Fatalf("unexpected topic %q", gotTopic)
	}
	if string(gotPayload) != `{"version":3}` {
		t.Fatalf("unexpected payload %q", gotPayload)
	}
}

func TestMemoryPublishRequiresConnection(t *testing.T) {
	testlog.Start(t)
	m := NewMemory()
	defer m.Close()

	if err := m.Publish("t", nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected before connect, got %v", err)
	}

	delivered := 0
	if err := m.Subscribe("t", func(string, []byte) { delivered++ }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := m.Publish("t", []byte("a")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	m.DropConnection()
	if err := m.Publish("t", []byte("b")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected after drop, got %v", err)
	}

	// Subscriptions survive the drop.
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if err := m.Publish("t", []byte("c")); err != nil {
		t.Fatalf("publish after reconnect: %v", err)
	}
	if delivered != 2 {
		t.Fatalf("expected 2 deliveries, got %d", delivered)
	}
}

func TestMemoryAuthorizerScopesTopics(t *testing.T) {
	testlog.Start(t)
	grant := auth.DeviceGrant("tok-d1", "kestrel/device/d-1/shadow")
	m := NewMemory(WithAuthorizer("tok-d1", grant))
	defer m.Close()
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if err := m.Publish("kestrel/device/d-1/shadow/name/workloads/update/accepted", []byte("{}")); err != nil {
		t.Fatalf("publish in namespace: %v", err)
	}
	err := m.Publish("kestrel/device/d-2/shadow/name/workloads/update/accepted", []byte("{}"))
	if !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized for foreign device, got %v", err)
	}
	err = m.Subscribe("kestrel/device/d-2/shadow/name/workloads/update/delta", func(string, []byte) {})
	if !errors.Is(err, auth.ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized subscribe, got %v", err)
	}
}

func TestMemoryStatusNotifications(t *testing.T) {
	testlog.Start(t)
	m := NewMemory()

	var seen []Status
	m.NotifyStatus(func(s Status) { seen = append(seen, s) })
	if len(seen) != 1 || seen[0] != StatusDisconnected {
		t.Fatalf("expected immediate disconnected, got %v", seen)
	}

	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	m.DropConnection()
	m.DropConnection() // repeat is a no-op
	if err := m.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	want := []Status{StatusDisconnected, StatusConnected, StatusDisconnected, StatusConnected, StatusDisconnected}
	if len(seen) != len(want) {
		t.Fatalf("status sequence %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("status[%d]=%v, want %v", i, seen[i], want[i])
		}
	}
}

func TestMemoryClosedRefusesEverything(t *testing.T) {
	testlog.Start(t)
	m := NewMemory()
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := m.Connect(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("connect after close: %v", err)
	}
	if err := m.Publish("t", nil); !errors.Is(err, ErrClosed) {
		t.Fatalf("publish after close: %v", err)
	}
	if err := m.Subscribe("t", func(string, []byte) {}); !errors.Is(err, ErrClosed) {
		t.Fatalf("subscribe after close: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
