// Package uplink delivers envelopes to the message broker.
//
// Delivery is at-least-once. While connected, every envelope is stamped
// with the authenticated username, written to the durable frame store,
// published and removed from the store on acknowledgment. Frames left in
// the store by an ack timeout, an outage or a crash are replayed, oldest
// first, on the next connect. Envelopes published while the connection is
// lost wait in a bounded in-memory buffer that is flushed after the replay.
package uplink

import (
	"context"
	"strings"
	"time"

	"github.com/c360/sensorlink/auth"
	"github.com/c360/sensorlink/pkg/buffer"
	"github.com/c360/sensorlink/pkg/retry"
)

// DefaultTopic is the subject template; %s is replaced by the username
const DefaultTopic = "sensorlink.%s.telemetry"

// State is the uplink connection state
type State int

const (
	// StateDisconnected drops published envelopes
	StateDisconnected State = iota
	// StateConnectionLost buffers published envelopes until reconnect
	StateConnectionLost
	// StateConnected sends published envelopes in order
	StateConnected
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnectionLost:
		return "CONNECTION_LOST"
	case StateConnected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

// MarshalText encodes the state name
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Broker is the message transport. Publish must not return before the
// broker acknowledged the message or ctx is done. onLost is called at most
// once per successful Connect when the connection drops without Close.
type Broker interface {
	Connect(ctx context.Context, token auth.Token, onLost func(error)) error
	Publish(ctx context.Context, subject string, data []byte, msgID string) error
	Close(ctx context.Context) error
}

// Config holds uplink tuning
type Config struct {
	Topic          string        `json:"topic"`
	Backoff        retry.Backoff `json:"backoff"`
	AckTimeout     time.Duration `json:"ack_timeout"`
	ReconnectDelay time.Duration `json:"reconnect_delay"`
	// MaxAttempts bounds ConnectWithRetry; zero retries until cancelled
	MaxAttempts    int                   `json:"max_attempts"`
	BufferCapacity int                   `json:"buffer_capacity"`
	OverflowPolicy buffer.OverflowPolicy `json:"-"`
	QueueSize      int                   `json:"queue_size"`
}

// DefaultConfig returns the shared backoff, a 10s ack timeout and a 2s
// reconnect delay
func DefaultConfig() Config {
	return Config{
		Topic:          DefaultTopic,
		Backoff:        retry.DefaultBackoff(),
		AckTimeout:     10 * time.Second,
		ReconnectDelay: 2 * time.Second,
		BufferCapacity: 1000,
		OverflowPolicy: buffer.DropOldest,
		QueueSize:      1000,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if strings.Count(c.Topic, "%s") != 1 {
		c.Topic = def.Topic
	}
	if c.Backoff.InitialDelay <= 0 || c.Backoff.MaxDelay <= 0 {
		c.Backoff = def.Backoff
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = def.AckTimeout
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = def.ReconnectDelay
	}
	if c.BufferCapacity <= 0 {
		c.BufferCapacity = def.BufferCapacity
	}
	if c.QueueSize <= 0 {
		c.QueueSize = def.QueueSize
	}
	return c
}
