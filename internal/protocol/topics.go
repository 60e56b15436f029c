package protocol

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrPrefixRequired     = errors.New("protocol: topic prefix required")
	ErrPrefixInvalid      = errors.New("protocol: topic prefix invalid")
	ErrDeviceUUIDRequired = errors.New("protocol: device uuid required")
	ErrShadowNameRequired = errors.New("protocol: shadow name required")
	ErrShadowNameInvalid  = errors.New("protocol: shadow name invalid")
)

// Topics derives every channel for one device's named shadow.
type Topics struct {
	Prefix     string
	DeviceUUID string
	ShadowName string
}

func (t Topics) Validate() error {
	if strings.TrimSpace(t.Prefix) == "" {
		return ErrPrefixRequired
	}
	if strings.Trim(t.Prefix, "/") != t.Prefix {
		return fmt.Errorf("%w: %q has leading or trailing slash", ErrPrefixInvalid, t.Prefix)
	}
	if strings.TrimSpace(t.DeviceUUID) == "" {
		return ErrDeviceUUIDRequired
	}
	if err := uuid.Validate(t.DeviceUUID); err != nil {
		return fmt.Errorf("protocol: device uuid %q: %w", t.DeviceUUID, err)
	}
	if strings.TrimSpace(t.ShadowName) == "" {
		return ErrShadowNameRequired
	}
	if !shadowNameOK(t.ShadowName) {
		return fmt.Errorf("%w: %q", ErrShadowNameInvalid, t.ShadowName)
	}
	return nil
}

// shadowNameOK permits lowercase letters, digits, hyphen and underscore.
// Dots and slashes are excluded so names survive subject mapping on every
// supported transport.
func shadowNameOK(name string) bool {
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_':
		default:
			return false
		}
	}
	return true
}

// Namespace is the authorization boundary: every topic for this shadow lives
// beneath it.
func (t Topics) Namespace() string {
	return fmt.Sprintf("%s/device/%s/shadow", t.Prefix, t.DeviceUUID)
}

func (t Topics) base() string {
	return fmt.Sprintf("%s/device/%s/shadow/name/%s", t.Prefix, t.DeviceUUID, t.ShadowName)
}

// UpdateDelta is the inbound channel carrying desired-state patches.
func (t Topics) UpdateDelta() string { return t.base() + "/update/delta" }

// UpdateAccepted carries the full accepted document after a delta applies.
func (t Topics) UpdateAccepted() string { return t.base() + "/update/accepted" }

// UpdateRejected carries rejection payloads for failed deltas.
func (t Topics) UpdateRejected() string { return t.base() + "/update/rejected" }

// UpdateDocuments carries the paired desired/reported document, both
// outbound after every applied change and inbound for cloud-pushed resync.
func (t Topics) UpdateDocuments() string { return t.base() + "/update/documents" }

// Get is the outbound resync request channel.
func (t Topics) Get() string { return t.base() + "/get" }

// GetAccepted carries the cloud's latest full document in answer to Get.
func (t Topics) GetAccepted() string { return t.base() + "/get/accepted" }

// GetRejected carries the cloud's refusal in answer to Get.
func (t Topics) GetRejected() string { return t.base() + "/get/rejected" }
