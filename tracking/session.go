// Package tracking gates measurements into outbound envelopes. Envelopes are
// produced only while a tracking session is active; each carries the
// session id. A running session also emits heartbeats and, when a position
// source is configured, location fixes.
package tracking

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/c360/sensorlink/errors"
	"github.com/c360/sensorlink/message"
	"github.com/c360/sensorlink/metric"
)

// PositionSource supplies the current location fix, if any
type PositionSource interface {
	CurrentPosition() (message.Position, bool)
}

// PositionFunc adapts a function to PositionSource
type PositionFunc func() (message.Position, bool)

// CurrentPosition calls f
func (f PositionFunc) CurrentPosition() (message.Position, bool) { return f() }

// Publisher accepts envelopes for delivery. *uplink.Manager implements it.
type Publisher interface {
	Publish(env message.Envelope)
}

// Config holds session tuning
type Config struct {
	AppVersionCode    int           `json:"app_version_code"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval"`
	// LocationInterval of zero disables location envelopes
	LocationInterval time.Duration `json:"location_interval"`
	// MaxPositionAge bounds how old a fix may be to be attached to a
	// measurement. Zero attaches any fix.
	MaxPositionAge time.Duration `json:"max_position_age"`
}

// DefaultConfig returns a one minute heartbeat and 30s location fixes
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval: time.Minute,
		LocationInterval:  30 * time.Second,
		MaxPositionAge:    2 * time.Minute,
	}
}

// Session is the tracking gate
type Session struct {
	cfg       Config
	publisher Publisher
	positions PositionSource
	connected func() int
	logger    *slog.Logger
	metrics   *sessionMetrics

	metricsErr error

	mu      sync.RWMutex
	id      string
	started time.Time
}

// Option configures a Session
type Option func(*Session)

// WithLogger sets the session logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithPositionSource attaches location fixes to measurements and enables
// location envelopes
func WithPositionSource(src PositionSource) Option {
	return func(s *Session) { s.positions = src }
}

// WithConnectedCounter reports the number of connected devices in heartbeats
func WithConnectedCounter(count func() int) Option {
	return func(s *Session) {
		if count != nil {
			s.connected = count
		}
	}
}

// WithMetrics registers session metrics with registry
func WithMetrics(registry metric.MetricsRegistrar) Option {
	return func(s *Session) {
		if registry == nil {
			return
		}
		s.metrics, s.metricsErr = newSessionMetrics(registry)
	}
}

// New creates an inactive session publishing to publisher
func New(publisher Publisher, cfg Config, opts ...Option) (*Session, error) {
	if publisher == nil {
		return nil, errors.WrapInvalid(errors.New("nil publisher"), "Session", "New", "publisher check")
	}
	def := DefaultConfig()
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.LocationInterval < 0 {
		cfg.LocationInterval = 0
	}

	s := &Session{
		cfg:       cfg,
		publisher: publisher,
		connected: func() int { return 0 },
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metricsErr != nil {
		return nil, errors.Wrap(s.metricsErr, "Session", "New", "metrics registration")
	}
	s.logger = s.logger.With("component", "tracking")
	return s, nil
}

// Start opens a session and returns its id. Starting an active session
// fails with errors.ErrAlreadyStarted.
func (s *Session) Start() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.id != "" {
		return s.id, errors.WrapInvalid(errors.ErrAlreadyStarted, "Session", "Start", "state check")
	}
	s.id = uuid.NewString()
	s.started = time.Now()
	s.metrics.setActive(true)
	s.logger.Info("tracking started", "session", s.id)
	return s.id, nil
}

// Stop clears the session and returns the id that was active
func (s *Session) Stop() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.id == "" {
		return "", false
	}
	id := s.id
	s.logger.Info("tracking stopped", "session", id, "duration", time.Since(s.started))
	s.id = ""
	s.started = time.Time{}
	s.metrics.setActive(false)
	return id, true
}

// ID returns the active session id, or "" when not tracking
func (s *Session) ID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.id
}

// Active reports whether a session is running
func (s *Session) Active() bool { return s.ID() != "" }

// Started returns when the active session began
func (s *Session) Started() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started
}

// Handle turns a measurement into an envelope. ok is false when no session
// is active.
func (s *Session) Handle(m message.Measurement) (message.Envelope, bool) {
	id := s.ID()
	if id == "" {
		s.metrics.untrackedMeasurement()
		return message.Envelope{}, false
	}
	if m.Position == nil {
		if pos, ok := s.position(); ok {
			m.Position = &pos
		}
	}
	return s.stamp(message.NewMeasurementEnvelope(m), id), true
}

func (s *Session) position() (message.Position, bool) {
	if s.positions == nil {
		return message.Position{}, false
	}
	pos, ok := s.positions.CurrentPosition()
	if !ok {
		return message.Position{}, false
	}
	if s.cfg.MaxPositionAge > 0 && !pos.Timestamp.IsZero() && time.Since(pos.Timestamp) > s.cfg.MaxPositionAge {
		return message.Position{}, false
	}
	return pos, true
}

func (s *Session) stamp(env message.Envelope, id string) message.Envelope {
	env.TrackingSessionID = id
	env.AppVersionCode = s.cfg.AppVersionCode
	return env
}

func (s *Session) publish(env message.Envelope) {
	s.metrics.envelope(string(env.Type))
	s.publisher.Publish(env)
}

// Run publishes envelopes for measurements, heartbeats and location fixes
// until ctx is done
func (s *Session) Run(ctx context.Context, measurements <-chan message.Measurement) error {
	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	var locationC <-chan time.Time
	if s.positions != nil && s.cfg.LocationInterval > 0 {
		location := time.NewTicker(s.cfg.LocationInterval)
		defer location.Stop()
		locationC = location.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case m, ok := <-measurements:
			if !ok {
				return nil
			}
			if env, ok := s.Handle(m); ok {
				s.publish(env)
			}

		case <-heartbeat.C:
			if id := s.ID(); id != "" {
				s.publish(s.stamp(message.NewHeartbeatEnvelope(s.connected()), id))
			}

		case <-locationC:
			id := s.ID()
			if id == "" {
				continue
			}
			if pos, ok := s.position(); ok {
				s.publish(s.stamp(message.NewLocationEnvelope(pos), id))
			}
		}
	}
}
