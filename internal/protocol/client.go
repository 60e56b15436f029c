package protocol

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kestrel-iot/shadowd/internal/broker"
	logs "github.com/kestrel-iot/shadowd/internal/logging"
	"github.com/kestrel-iot/shadowd/internal/observability"
	"github.com/kestrel-iot/shadowd/internal/shadow"
)

var (
	ErrBrokerRequired = errors.New("protocol: broker required")
	ErrStoreRequired  = errors.New("protocol: shadow store required")
	ErrClientClosed   = errors.New("protocol: client closed")
)

// ClientConfig wires the delta client to its collaborators.
type ClientConfig struct {
	Topics   Topics
	Broker   broker.Broker
	Store    *shadow.Store
	Metadata Metadata

	// Reported supplies the runtime-observed state for documents publishes.
	// Optional; nil reports nothing.
	Reported func() ReportedState

	// OnApplied hands an applied desired document off to the reconciliation
	// flow. Called from broker dispatch, so it must hand off rather than
	// reconcile inline.
	OnApplied func(doc shadow.Document)

	// Now is a clock seam for tests. Defaults to time.Now.
	Now func() time.Time
}

// Client speaks the shadow delta-sync protocol for one named shadow: it
// consumes deltas and resync documents, answers on the accepted and rejected
// channels, and publishes the full document pair after every applied change.
// On every transition to a connected transport it forces a full resync
// instead of trusting incremental deltas across the gap.
type Client struct {
	cfg    ClientConfig
	topics Topics
	now    func() time.Time

	mu        sync.Mutex
	started   bool
	closed    bool
	connected bool

	resyncMu sync.Mutex
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Broker == nil {
		return nil, ErrBrokerRequired
	}
	if cfg.Store == nil {
		return nil, ErrStoreRequired
	}
	if err := cfg.Topics.Validate(); err != nil {
		return nil, err
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Client{
		cfg:    cfg,
		topics: cfg.Topics,
		now:    cfg.Now,
	}, nil
}

// Topics exposes the client's channel scheme.
func (c *Client) Topics() Topics { return c.topics }

// Start subscribes every inbound channel and registers for transport status.
// A subscribe failure is connection-fatal and returned as-is so the caller
// can drive the reconnect path; nothing is half-started on error.
func (c *Client) Start() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	subs := []struct {
		topic   string
		handler broker.Handler
	}{
		{c.topics.UpdateDelta(), c.handleDelta},
		{c.topics.UpdateDocuments(), c.handleDocuments},
		{c.topics.GetAccepted(), c.handleDocuments},
		{c.topics.GetRejected(), c.handleGetRejected},
	}
	for _, s := range subs {
		if err := c.cfg.Broker.Subscribe(s.topic, s.handler); err != nil {
			return fmt.Errorf("protocol: subscribe %s: %w", s.topic, err)
		}
	}

	c.cfg.Broker.NotifyStatus(c.handleStatus)
	logs.Infof("protocol.Client started shadow=%q device=%q", c.topics.ShadowName, c.topics.DeviceUUID)
	return nil
}

// Close stops inbound processing. The transport is owned by the caller and
// closed separately.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// handleStatus forces a full resync on every transition into the connected
// state. Deltas missed during a gap are never assumed consistent.
func (c *Client) handleStatus(status broker.Status) {
	connected := status == broker.StatusConnected

	c.mu.Lock()
	wasConnected := c.connected
	c.connected = connected
	closed := c.closed
	c.mu.Unlock()

	if connected != wasConnected {
		observability.RecordBrokerTransition(connected)
	}
	if closed || !connected || wasConnected {
		return
	}
	logs.Infof("protocol.Client transport up; resyncing shadow=%q", c.topics.ShadowName)
	if err := c.Resync(); err != nil {
		logs.Warnf("protocol.Client resync failed err=%v", err)
	}
}

// Resync publishes the device's current document pair and requests the
// cloud's latest in return.
func (c *Client) Resync() error {
	c.resyncMu.Lock()
	defer c.resyncMu.Unlock()

	observability.RecordResync()
	if err := c.PublishDocuments(); err != nil {
		return err
	}
	return c.requestGet()
}

func (c *Client) handleDelta(_ string, payload []byte) {
	if c.isClosed() {
		return
	}
	msg, err := decodeDelta(payload)
	if err != nil {
		logs.Warnf("protocol.Client malformed delta payload err=%v", err)
		observability.RecordDelta(RejectionMalformedDelta)
		c.publishRejection(Rejection{
			Code:    RejectionMalformedDelta,
			Message: err.Error(),
		})
		return
	}

	doc, err := c.cfg.Store.ApplyDelta(msg.Delta())
	if err != nil {
		code := rejectionCode(err)
		logs.Warnf("protocol.Client delta rejected version=%d token=%q err=%v",
			msg.Version, msg.ClientToken, err)
		observability.RecordDelta(code)
		c.publishRejection(Rejection{
			Code:        code,
			Message:     err.Error(),
			Version:     msg.Version,
			ClientToken: msg.ClientToken,
		})
		return
	}

	logs.Infof("protocol.Client delta accepted version=%d token=%q", doc.Version, msg.ClientToken)
	observability.RecordDelta("accepted")
	c.publishAccepted(doc, msg.ClientToken)
	if err := c.PublishDocuments(); err != nil {
		logs.Warnf("protocol.Client documents publish failed err=%v", err)
	}
	if c.cfg.OnApplied != nil {
		c.cfg.OnApplied(doc)
	}
}

// handleDocuments adopts a cloud-sent full document when its version is
// newer. Equal versions are the self-delivery echo and stop here, which is
// what terminates the publish/receive cycle on loopback transports.
func (c *Client) handleDocuments(topic string, payload []byte) {
	if c.isClosed() {
		return
	}
	msg, err := decodeShadowMessage(payload)
	if err != nil {
		logs.Warnf("protocol.Client invalid document payload topic=%q err=%v", topic, err)
		return
	}
	if msg.State.Desired == nil {
		// Reported-only documents inform the cloud, not the device.
		return
	}
	if err := msg.ValidateDesired(); err != nil {
		logs.Warnf("protocol.Client document refused topic=%q err=%v", topic, err)
		return
	}

	changed, err := c.cfg.Store.Adopt(*msg.State.Desired)
	if err != nil {
		if errors.Is(err, shadow.ErrVersionConflict) {
			logs.Debugf("protocol.Client stale document ignored version=%d current=%d",
				msg.Version, c.cfg.Store.Version())
			return
		}
		logs.Warnf("protocol.Client document adoption failed err=%v", err)
		return
	}
	if !changed {
		return
	}

	doc := c.cfg.Store.Desired()
	logs.Infof("protocol.Client adopted resync document version=%d", doc.Version)
	if err := c.PublishDocuments(); err != nil {
		logs.Warnf("protocol.Client documents publish failed err=%v", err)
	}
	if c.cfg.OnApplied != nil {
		c.cfg.OnApplied(doc)
	}
}

func (c *Client) handleGetRejected(_ string, payload []byte) {
	if c.isClosed() {
		return
	}
	rej, err := decodeRejection(payload)
	if err != nil {
		logs.Warnf("protocol.Client unreadable get rejection err=%v", err)
		return
	}
	logs.Warnf("protocol.Client get rejected code=%q message=%q", rej.Code, rej.Message)
}

func (c *Client) publishAccepted(doc shadow.Document, token string) {
	msg := ShadowMessage{
		State:       DocumentState{Desired: &doc},
		Metadata:    c.cfg.Metadata,
		Version:     doc.Version,
		Timestamp:   c.now().UnixMilli(),
		ClientToken: token,
	}
	if err := c.publishJSON(c.topics.UpdateAccepted(), msg); err != nil {
		logs.Warnf("protocol.Client accepted publish failed err=%v", err)
	}
}

func (c *Client) publishRejection(rej Rejection) {
	rej.Timestamp = c.now().UnixMilli()
	if err := c.publishJSON(c.topics.UpdateRejected(), rej); err != nil {
		logs.Warnf("protocol.Client rejection publish failed err=%v", err)
	}
}

// PublishDocuments sends the full {desired, reported} pair. This is how the
// cloud detects drift independent of delta delivery.
func (c *Client) PublishDocuments() error {
	doc := c.cfg.Store.Desired()
	msg := ShadowMessage{
		State:     DocumentState{Desired: &doc},
		Metadata:  c.cfg.Metadata,
		Version:   doc.Version,
		Timestamp: c.now().UnixMilli(),
	}
	if c.cfg.Reported != nil {
		msg.State.Reported = c.cfg.Reported()
	}
	return c.publishJSON(c.topics.UpdateDocuments(), msg)
}

// requestGet asks the cloud for its latest document, announcing the version
// the device currently holds.
func (c *Client) requestGet() error {
	msg := ShadowMessage{
		Metadata:  c.cfg.Metadata,
		Version:   c.cfg.Store.Version(),
		Timestamp: c.now().UnixMilli(),
	}
	return c.publishJSON(c.topics.Get(), msg)
}

func (c *Client) publishJSON(topic string, v any) error {
	payload, err := encodeJSON(v)
	if err != nil {
		return err
	}
	if err := c.cfg.Broker.Publish(topic, payload); err != nil {
		return fmt.Errorf("protocol: publish %s: %w", topic, err)
	}
	return nil
}
