package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kestrel-iot/shadowd/internal/shadow"
)

var (
	ErrEmptyMessage   = errors.New("protocol: empty message")
	ErrInvalidMessage = errors.New("protocol: invalid message")
)

// Rejection codes carried on the rejected channels.
const (
	RejectionVersionConflict = "version-conflict"
	RejectionMalformedDelta  = "malformed-delta"
)

// Metadata identifies the reporting device on every outbound message.
type Metadata struct {
	DeviceUUID   string `json:"deviceUuid,omitempty"`
	ShadowName   string `json:"shadowName,omitempty"`
	Hostname     string `json:"hostname,omitempty"`
	AgentVersion string `json:"agentVersion,omitempty"`
}

// ReportedEntity is one runtime-observed entity inside a documents publish.
type ReportedEntity struct {
	RuntimeID string            `json:"runtimeId,omitempty"`
	Status    string            `json:"status,omitempty"`
	Spec      shadow.EntitySpec `json:"spec"`
}

// ReportedState keys observed entities by entity name.
type ReportedState map[string]ReportedEntity

// DocumentState pairs the desired document with what the runtime reports.
type DocumentState struct {
	Desired  *shadow.Document `json:"desired,omitempty"`
	Reported ReportedState    `json:"reported,omitempty"`
}

// ShadowMessage is the full-document envelope used on the accepted,
// documents and get/accepted channels.
type ShadowMessage struct {
	State       DocumentState `json:"state"`
	Metadata    Metadata      `json:"metadata"`
	Version     uint64        `json:"version"`
	Timestamp   int64         `json:"timestamp"`
	ClientToken string        `json:"clientToken,omitempty"`
}

// ValidateDesired checks that the message carries an adoptable desired
// document whose envelope version agrees with the document's own.
func (m ShadowMessage) ValidateDesired() error {
	if m.State.Desired == nil {
		return fmt.Errorf("%w: missing state.desired", ErrInvalidMessage)
	}
	if m.Version == 0 {
		return fmt.Errorf("%w: missing version", ErrInvalidMessage)
	}
	if m.State.Desired.Version != m.Version {
		return fmt.Errorf("%w: envelope version %d != document version %d",
			ErrInvalidMessage, m.Version, m.State.Desired.Version)
	}
	return nil
}

// DeltaMessage is the inbound envelope on the update/delta channel. The
// state member carries the merge patch itself.
type DeltaMessage struct {
	State       json.RawMessage `json:"state"`
	Version     uint64          `json:"version"`
	Timestamp   int64           `json:"timestamp,omitempty"`
	ClientToken string          `json:"clientToken,omitempty"`
}

// Delta maps the wire envelope onto the store's delta form.
func (m DeltaMessage) Delta() shadow.Delta {
	return shadow.Delta{
		Version:     m.Version,
		Patch:       m.State,
		ClientToken: m.ClientToken,
	}
}

// Rejection is published on the rejected channels so the originator can
// correct and resend. Never silently dropped.
type Rejection struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Version     uint64 `json:"version"`
	Timestamp   int64  `json:"timestamp"`
	ClientToken string `json:"clientToken,omitempty"`
}

// rejectionCode maps a store error onto its wire code.
func rejectionCode(err error) string {
	if errors.Is(err, shadow.ErrVersionConflict) {
		return RejectionVersionConflict
	}
	return RejectionMalformedDelta
}

// decodeDelta parses an inbound delta payload. A payload that is not a JSON
// object is malformed before the store ever sees it.
func decodeDelta(payload []byte) (DeltaMessage, error) {
	if len(payload) == 0 {
		return DeltaMessage{}, fmt.Errorf("%w: delta payload", ErrEmptyMessage)
	}
	var msg DeltaMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return DeltaMessage{}, fmt.Errorf("%w: %v", shadow.ErrMalformedDelta, err)
	}
	return msg, nil
}

// decodeShadowMessage parses a full-document payload from the documents or
// get/accepted channels.
func decodeShadowMessage(payload []byte) (ShadowMessage, error) {
	if len(payload) == 0 {
		return ShadowMessage{}, fmt.Errorf("%w: document payload", ErrEmptyMessage)
	}
	var msg ShadowMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return ShadowMessage{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return msg, nil
}

func decodeRejection(payload []byte) (Rejection, error) {
	if len(payload) == 0 {
		return Rejection{}, fmt.Errorf("%w: rejection payload", ErrEmptyMessage)
	}
	var rej Rejection
	if err := json.Unmarshal(payload, &rej); err != nil {
		return Rejection{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return rej, nil
}

func encodeJSON(v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode message: %w", err)
	}
	return payload, nil
}
