package auth

import (
	"errors"
	"testing"

	"github.com/kestrel-iot/shadowd/internal/testutil/testlog"
)

func TestDeviceGrantAuthorize(t *testing.T) {
	testlog.Start(t)
	grant := DeviceGrant("cred-42", "edge/device/4f8a/shadow")

	tests := []struct {
		name    string
		cred    string
		topic   string
		cap     Capability
		wantErr error
	}{
		{name: "publish inside namespace", cred: "cred-42",
			topic: "edge/device/4f8a/shadow/name/workloads/update/documents",
			cap:   CapabilityPublish, wantErr: nil},
		{name: "subscribe inside namespace", cred: "cred-42",
			topic: "edge/device/4f8a/shadow/name/workloads/update/delta",
			cap:   CapabilitySubscribe, wantErr: nil},
		{name: "wrong credential denied", cred: "cred-43",
			topic: "edge/device/4f8a/shadow/name/workloads/update/delta",
			cap:   CapabilitySubscribe, wantErr: ErrUnauthorized},
		{name: "foreign device namespace denied", cred: "cred-42",
			topic: "edge/device/beef/shadow/name/workloads/update/delta",
			cap:   CapabilitySubscribe, wantErr: ErrUnauthorized},
		{name: "namespace prefix trick denied", cred: "cred-42",
			topic: "edge/device/4f8a/shadowextra/update/delta",
			cap:   CapabilityPublish, wantErr: ErrUnauthorized},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := grant.Authorize(tc.cred, tc.topic, tc.cap)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected err %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestGrantWithoutCapability(t *testing.T) {
	testlog.Start(t)
	grant := Grant{
		Credential: "cred-42",
		Namespace:  "edge/device/4f8a/shadow",
		Caps:       map[Capability]bool{CapabilitySubscribe: true},
	}
	err := grant.Authorize("cred-42", "edge/device/4f8a/shadow/name/workloads/update/documents", CapabilityPublish)
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized publish, got %v", err)
	}
	if err := grant.Authorize("cred-42", "edge/device/4f8a/shadow/name/workloads/update/delta", CapabilitySubscribe); err != nil {
		t.Fatalf("subscribe should pass: %v", err)
	}
}

func TestEmptyGrantDeniesEverything(t *testing.T) {
	testlog.Start(t)
	var grant Grant
	if err := grant.Authorize("", "any/topic", CapabilityPublish); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("empty grant must deny, got %v", err)
	}
}

func TestFuncAuthorizer(t *testing.T) {
	testlog.Start(t)
	authz := FuncAuthorizer(func(credential, topic string, cap Capability) error {
		if credential != "ok" {
			return ErrUnauthorized
		}
		return nil
	})

	if err := authz.Authorize("bad", "t", CapabilityPublish); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected unauthorized for bad credential, got %v", err)
	}
	if err := authz.Authorize("ok", "t", CapabilityPublish); err != nil {
		t.Fatalf("expected success for ok credential, got %v", err)
	}
}
