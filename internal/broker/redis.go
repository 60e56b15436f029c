package broker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	logs "github.com/kestrel-iot/shadowd/internal/logging"
)

// RedisConfig configures the Redis pub/sub transport.
type RedisConfig struct {
	Addr       string
	Username   string
	Credential string
	DB         int
	Reconnect  ReconnectConfig
}

// Redis adapts Redis pub/sub to the Broker interface. Channels carry the
// slash-separated shadow topic verbatim.
type Redis struct {
	cfg    RedisConfig
	client *redis.Client
	rng    *rand.Rand

	mu        sync.RWMutex
	closed    bool
	connected bool
	handlers  map[string]Handler
	pubsub    *redis.PubSub
	observers []StatusHandler
	cancel    context.CancelFunc
	done      chan struct{}
}

func NewRedis(cfg RedisConfig) *Redis {
	if cfg.Reconnect.InitialDelay <= 0 {
		cfg.Reconnect = DefaultReconnectConfig()
	}
	return &Redis{
		cfg:      cfg,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		handlers: make(map[string]Handler),
	}
}

func (b *Redis) Connect(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if b.connected {
		b.mu.Unlock()
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     b.cfg.Addr,
		Username: b.cfg.Username,
		Password: b.cfg.Credential,
		DB:       b.cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		b.mu.Unlock()
		return fmt.Errorf("broker: connect redis at %s: %w", b.cfg.Addr, err)
	}
	b.client = client

	topics := make([]string, 0, len(b.handlers))
	for topic := range b.handlers {
		topics = append(topics, topic)
	}
	b.pubsub = client.Subscribe(context.WithoutCancel(ctx), topics...)

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b.cancel = cancel
	b.done = make(chan struct{})
	go b.receiveLoop(loopCtx, b.pubsub)

	b.connected = true
	observers := append([]StatusHandler(nil), b.observers...)
	b.mu.Unlock()

	for _, observer := range observers {
		observer(StatusConnected)
	}
	return nil
}

func (b *Redis) receiveLoop(ctx context.Context, pubsub *redis.PubSub) {
	defer close(b.done)
	attempt := 0
	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, redis.ErrClosed) {
				return
			}
			attempt++
			logs.Warnf("broker.Redis receive failed attempt=%d err=%v", attempt, err)
			b.setConnected(false)
			if err := b.waitForServer(ctx, attempt); err != nil {
				return
			}
			b.setConnected(true)
			attempt = 0
			continue
		}
		attempt = 0

		b.mu.RLock()
		handler := b.handlers[msg.Channel]
		b.mu.RUnlock()
		if handler != nil {
			handler(msg.Channel, []byte(msg.Payload))
		}
	}
}

// waitForServer pings until the server answers again, backing off between
// attempts. The pubsub connection redials itself on the next receive.
func (b *Redis) waitForServer(ctx context.Context, attempt int) error {
	for {
		if err := waitReconnect(ctx, b.cfg.Reconnect, attempt, b.rng); err != nil {
			return err
		}
		if err := b.client.Ping(ctx).Err(); err == nil {
			logs.Infof("broker.Redis reconnected addr=%q", b.cfg.Addr)
			return nil
		}
		attempt++
	}
}

func (b *Redis) Publish(topic string, payload []byte) error {
	b.mu.RLock()
	client, connected := b.client, b.connected
	b.mu.RUnlock()
	if client == nil || !connected {
		return ErrNotConnected
	}
	if err := client.Publish(context.Background(), topic, payload).Err(); err != nil {
		return fmt.Errorf("broker: publish %s: %w", topic, err)
	}
	return nil
}

func (b *Redis) Subscribe(topic string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.handlers[topic] = handler
	if b.pubsub == nil {
		return nil
	}
	if err := b.pubsub.Subscribe(context.Background(), topic); err != nil {
		return fmt.Errorf("broker: subscribe %s: %w", topic, err)
	}
	return nil
}

func (b *Redis) NotifyStatus(handler StatusHandler) {
	b.mu.Lock()
	b.observers = append(b.observers, handler)
	connected := b.connected
	b.mu.Unlock()

	if connected {
		handler(StatusConnected)
	} else {
		handler(StatusDisconnected)
	}
}

func (b *Redis) setConnected(connected bool) {
	b.mu.Lock()
	if b.connected == connected {
		b.mu.Unlock()
		return
	}
	b.connected = connected
	observers := append([]StatusHandler(nil), b.observers...)
	b.mu.Unlock()

	status := StatusDisconnected
	if connected {
		status = StatusConnected
	}
	for _, observer := range observers {
		observer(status)
	}
}

func (b *Redis) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.connected = false
	cancel, pubsub, client, done := b.cancel, b.pubsub, b.client, b.done
	b.cancel, b.pubsub, b.client = nil, nil, nil
	observers := append([]StatusHandler(nil), b.observers...)
	b.mu.Unlock()

	for _, observer := range observers {
		observer(StatusDisconnected)
	}
	if cancel != nil {
		cancel()
	}
	if pubsub != nil {
		_ = pubsub.Close()
	}
	if done != nil {
		<-done
	}
	if client != nil {
		return client.Close()
	}
	return nil
}
