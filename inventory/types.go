// Package inventory persists the devices the relay knows about: their radio
// kind, the connection state the operator wants, and the state last
// observed. Stores are keyed by normalized Bluetooth address.
package inventory

import (
	"context"
	"fmt"
	"strings"

	"github.com/c360/sensorlink/errors"
)

// Kind selects the radio transport a device speaks
type Kind string

// Device kinds
const (
	// KindStream is a persistent byte-stream socket carrying line frames
	KindStream Kind = "stream"
	// KindNotification delivers line frames as characteristic notifications
	KindNotification Kind = "notification"
	// KindBroadcast never connects; frames arrive in advertisements
	KindBroadcast Kind = "broadcast"
)

// Valid reports whether k is a known kind
func (k Kind) Valid() bool {
	switch k {
	case KindStream, KindNotification, KindBroadcast:
		return true
	}
	return false
}

// ParseKind parses a kind name, case-insensitively
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", errors.WrapInvalid(fmt.Errorf("unknown device kind %q", s), "inventory", "ParseKind", "kind lookup")
	}
	return k, nil
}

// ConnectionState is the lifecycle state of a device connection
type ConnectionState int

// Connection states
const (
	StateNone ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateDisconnected
)

var stateNames = map[ConnectionState]string{
	StateNone:         "NONE",
	StateConnecting:   "CONNECTING",
	StateConnected:    "CONNECTED",
	StateReconnecting: "RECONNECTING",
	StateDisconnected: "DISCONNECTED",
}

// String returns the state name
func (s ConnectionState) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// MarshalText encodes the state by name
func (s ConnectionState) MarshalText() ([]byte, error) {
	name, ok := stateNames[s]
	if !ok {
		return nil, fmt.Errorf("invalid connection state %d", int(s))
	}
	return []byte(name), nil
}

// UnmarshalText decodes a state name. Empty text decodes to StateNone.
func (s *ConnectionState) UnmarshalText(text []byte) error {
	name := strings.ToUpper(strings.TrimSpace(string(text)))
	if name == "" {
		*s = StateNone
		return nil
	}
	for state, n := range stateNames {
		if n == name {
			*s = state
			return nil
		}
	}
	return errors.WrapInvalid(fmt.Errorf("unknown connection state %q", text), "inventory", "UnmarshalText", "state lookup")
}

// Device is one inventory record
type Device struct {
	Address     string          `json:"address" yaml:"address"`
	Name        string          `json:"name,omitempty" yaml:"name,omitempty"`
	Kind        Kind            `json:"kind" yaml:"kind"`
	TargetState ConnectionState `json:"target_state" yaml:"target_state"`
	ActualState ConnectionState `json:"actual_state" yaml:"actual_state"`
}

// Validate checks the record is storable
func (d Device) Validate() error {
	if NormalizeAddress(d.Address) == "" {
		return errors.WrapInvalid(fmt.Errorf("empty address"), "Device", "Validate", "address check")
	}
	if !d.Kind.Valid() {
		return errors.WrapInvalid(fmt.Errorf("unknown kind %q", d.Kind), "Device", "Validate", "kind check")
	}
	return nil
}

// Store persists device records. Get returns errors.ErrKeyNotFound for an
// unknown address. List returns records ordered by address.
//
// Update applies fn to the current record atomically and returns the stored
// result. Concurrent updates to the same address never lose a write. It
// returns errors.ErrKeyNotFound for an unknown address, and an error from fn
// leaves the record unchanged.
type Store interface {
	Get(ctx context.Context, address string) (Device, error)
	Put(ctx context.Context, device Device) error
	Update(ctx context.Context, address string, fn func(*Device) error) (Device, error)
	Delete(ctx context.Context, address string) error
	List(ctx context.Context) ([]Device, error)
}

// NormalizeAddress canonicalizes a Bluetooth address for keys
func NormalizeAddress(addr string) string {
	return strings.ToUpper(strings.TrimSpace(addr))
}

// keyFor maps an address to a store key without separators
func keyFor(addr string) string {
	return strings.NewReplacer(":", "", "-", "").Replace(NormalizeAddress(addr))
}

// applyUpdate runs fn on a copy of current and keeps the address fixed
func applyUpdate(current Device, fn func(*Device) error) (Device, error) {
	next := current
	if err := fn(&next); err != nil {
		return Device{}, err
	}
	next.Address = current.Address
	if err := next.Validate(); err != nil {
		return Device{}, err
	}
	return next, nil
}

func notFound(op, address string) error {
	return fmt.Errorf("inventory %s %s: %w", op, address, errors.ErrKeyNotFound)
}
