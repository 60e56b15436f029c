// Package auth provides minimal authorization helpers for the message broker
// boundary.
//
// It intentionally avoids policy decisions and storage concerns: the broker
// collaborator owns credential issuance, this package only answers whether a
// credential may act on a topic. Capabilities are an explicit set of named
// flags, never OR-able integers.
package auth

import (
	"crypto/subtle"
	"errors"
	"strings"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

// Capability names one broker action a credential may perform.
type Capability string

const (
	CapabilityPublish   Capability = "publish"
	CapabilitySubscribe Capability = "subscribe"
)

// Authorizer answers whether a credential may exercise a capability
// on a topic.
type Authorizer interface {
	Authorize(credential, topic string, cap Capability) error
}

// Grant scopes one device credential to its own shadow topic namespace.
// A device may publish and subscribe only beneath its namespace prefix.
type Grant struct {
	Credential string
	Namespace  string
	Caps       map[Capability]bool
}

// DeviceGrant builds the standard grant for one device: publish and subscribe
// within the given namespace prefix.
func DeviceGrant(credential, namespace string) Grant {
	return Grant{
		Credential: credential,
		Namespace:  strings.TrimSuffix(namespace, "/"),
		Caps: map[Capability]bool{
			CapabilityPublish:   true,
			CapabilitySubscribe: true,
		},
	}
}

func (g Grant) Authorize(credential, topic string, cap Capability) error {
	if g.Credential == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(g.Credential), []byte(credential)) != 1 {
		return ErrUnauthorized
	}
	if !g.Caps[cap] {
		return ErrUnauthorized
	}
	if !topicInNamespace(topic, g.Namespace) {
		return ErrUnauthorized
	}
	return nil
}

// AllowAll authorizes everything. Development and test use only.
type AllowAll struct{}

func (AllowAll) Authorize(string, string, Capability) error { return nil }

// FuncAuthorizer adapts a function into an Authorizer.
type FuncAuthorizer func(credential, topic string, cap Capability) error

func (f FuncAuthorizer) Authorize(credential, topic string, cap Capability) error {
	return f(credential, topic, cap)
}

func topicInNamespace(topic, namespace string) bool {
	if namespace == "" {
		return false
	}
	if topic == namespace {
		return true
	}
	return strings.HasPrefix(topic, namespace+"/")
}
