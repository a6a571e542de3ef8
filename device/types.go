// Package device runs one connection state machine per sensor.
//
// A Connection is built by New from the device's inventory.Kind and owns at
// most one live session at a time. Sessions read raw bytes from a Link,
// decode them into measurements and, when the link is lost, relocate the
// device through a Locator and reconnect under the shared backoff.
//
// State transitions follow:
//
//	DISCONNECTED -> CONNECTING -> CONNECTED            on transport ack
//	CONNECTED -> RECONNECTING -> CONNECTING -> CONNECTED on loss
//	any -> DISCONNECTED                                on Disconnect
package device

import (
	"context"
	"time"

	"github.com/c360/sensorlink/codec"
	"github.com/c360/sensorlink/discovery"
	"github.com/c360/sensorlink/inventory"
	"github.com/c360/sensorlink/message"
	"github.com/c360/sensorlink/pkg/retry"
)

// ConnectionState is the lifecycle state of a device connection
type ConnectionState = inventory.ConnectionState

// Connection states
const (
	StateNone         = inventory.StateNone
	StateConnecting   = inventory.StateConnecting
	StateConnected    = inventory.StateConnected
	StateReconnecting = inventory.StateReconnecting
	StateDisconnected = inventory.StateDisconnected
)

// Connection is the contract shared by every transport variant
type Connection interface {
	Address() string
	Kind() inventory.Kind

	// Connect tears down any prior session and starts a new one bound to
	// ctx. It returns once the session is running; progress is reported
	// through State and Subscribe.
	Connect(ctx context.Context) error
	// Disconnect ends the session and closes its link before returning.
	Disconnect()
	// ForceReconnect severs a connected link and runs the loss recovery
	// path. Calls are rate limited.
	ForceReconnect() error

	State() ConnectionState
	Subscribe(buffer int) (<-chan ConnectionState, func())
	// Err returns the error that ended the last session, if any
	Err() error
	Measurements() <-chan message.Measurement
}

// Link is one open radio session. Chunks is closed when the link drops;
// Err then reports why.
type Link interface {
	Chunks() <-chan []byte
	Err() error
	Close() error
}

// Transport opens links to devices that discovery has located. Errors
// marked fatal stop the session; everything else is retried.
type Transport interface {
	Open(ctx context.Context, adv discovery.Advertisement) (Link, error)
}

// TransportFunc adapts a function to Transport
type TransportFunc func(ctx context.Context, adv discovery.Advertisement) (Link, error)

// Open calls f
func (f TransportFunc) Open(ctx context.Context, adv discovery.Advertisement) (Link, error) {
	return f(ctx, adv)
}

// Locator finds a device on air. *discovery.Scheduler implements it.
type Locator interface {
	Discover(ctx context.Context, addr string, retryAllowed bool) (discovery.Advertisement, error)
}

// Config holds per-connection tuning
type Config struct {
	Backoff retry.Backoff `json:"backoff"`
	// MalformedFrameLimit is the number of consecutive malformed frames
	// treated as a lost link
	MalformedFrameLimit int        `json:"malformed_frame_limit"`
	Mode                codec.Mode `json:"-"`
	MaxLineLength       int        `json:"max_line_length"`
	MeasurementBuffer   int        `json:"measurement_buffer"`
	// ForceReconnectInterval is the minimum spacing of ForceReconnect calls
	ForceReconnectInterval time.Duration `json:"force_reconnect_interval"`
}

// DefaultConfig returns the shared backoff, a malformed limit of 1 and
// permissive line decoding
func DefaultConfig() Config {
	return Config{
		Backoff:                retry.DefaultBackoff(),
		MalformedFrameLimit:    1,
		Mode:                   codec.Permissive,
		MaxLineLength:          codec.DefaultMaxLineLength,
		MeasurementBuffer:      64,
		ForceReconnectInterval: 10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Backoff.InitialDelay <= 0 || c.Backoff.MaxDelay <= 0 {
		c.Backoff = def.Backoff
	}
	if c.MalformedFrameLimit <= 0 {
		c.MalformedFrameLimit = def.MalformedFrameLimit
	}
	if c.MaxLineLength <= 0 {
		c.MaxLineLength = def.MaxLineLength
	}
	if c.MeasurementBuffer <= 0 {
		c.MeasurementBuffer = def.MeasurementBuffer
	}
	if c.ForceReconnectInterval <= 0 {
		c.ForceReconnectInterval = def.ForceReconnectInterval
	}
	return c
}
