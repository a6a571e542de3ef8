// Package framestore mirrors outbound uplink frames into durable storage.
//
// A frame is written before it is handed to the broker and removed when the
// broker acknowledges it, so anything still in the store after a crash or
// outage is replayed on the next connect. Frame ids are ULIDs, so Keys in
// lexicographic order is also creation order.
//
// All Store implementations are safe for concurrent use.
package framestore

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/c360/sensorlink/errors"
)

// Frame is one assembled outbound frame. Header carries the routing subject
// and Payload the serialized envelope. Offset and Length select the live
// window of each buffer.
type Frame struct {
	ID            string
	Header        []byte
	HeaderOffset  int
	HeaderLength  int
	Payload       []byte
	PayloadOffset int
	PayloadLength int
	Created       time.Time
}

// NewFrame builds a frame whose windows cover the whole header and payload
func NewFrame(id, subject string, payload []byte) Frame {
	return Frame{
		ID:            id,
		Header:        []byte(subject),
		HeaderLength:  len(subject),
		Payload:       payload,
		PayloadLength: len(payload),
		Created:       time.Now(),
	}
}

// Subject returns the header window as a subject
func (f Frame) Subject() string {
	return string(f.HeaderBytes())
}

// HeaderBytes returns the live header window
func (f Frame) HeaderBytes() []byte {
	return f.Header[f.HeaderOffset : f.HeaderOffset+f.HeaderLength]
}

// PayloadBytes returns the live payload window
func (f Frame) PayloadBytes() []byte {
	return f.Payload[f.PayloadOffset : f.PayloadOffset+f.PayloadLength]
}

// Validate checks the id is set and both windows lie inside their buffers
func (f Frame) Validate() error {
	if f.ID == "" {
		return errors.WrapInvalid(fmt.Errorf("empty frame id"), "Frame", "Validate", "id check")
	}
	if f.HeaderOffset < 0 || f.HeaderLength < 0 || f.HeaderOffset+f.HeaderLength > len(f.Header) {
		return errors.WrapInvalid(fmt.Errorf("header window %d+%d outside %d bytes",
			f.HeaderOffset, f.HeaderLength, len(f.Header)), "Frame", "Validate", "header window")
	}
	if f.PayloadOffset < 0 || f.PayloadLength < 0 || f.PayloadOffset+f.PayloadLength > len(f.Payload) {
		return errors.WrapInvalid(fmt.Errorf("payload window %d+%d outside %d bytes",
			f.PayloadOffset, f.PayloadLength, len(f.Payload)), "Frame", "Validate", "payload window")
	}
	return nil
}

// Store persists frames by id. Get returns errors.ErrKeyNotFound for an
// unknown id; Remove of an unknown id is a no-op.
type Store interface {
	Put(ctx context.Context, frame Frame) error
	Get(ctx context.Context, id string) (Frame, error)
	Remove(ctx context.Context, id string) error
	Keys(ctx context.Context) ([]string, error)
	Clear(ctx context.Context) error
	Contains(ctx context.Context, id string) (bool, error)
}

// IDGenerator issues strictly increasing ULIDs, including within one
// millisecond
type IDGenerator struct {
	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
	now     func() time.Time
}

// NewIDGenerator creates a generator seeded from crypto/rand
func NewIDGenerator() *IDGenerator {
	return &IDGenerator{
		entropy: ulid.Monotonic(rand.Reader, 0),
		now:     time.Now,
	}
}

// Next returns the next id
func (g *IDGenerator) Next() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(g.now()), g.entropy).String()
}

func notFound(id string) error {
	return fmt.Errorf("frame %s: %w", id, errors.ErrKeyNotFound)
}
