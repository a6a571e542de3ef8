package tracking

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/sensorlink/errors"
	"github.com/c360/sensorlink/message"
	"github.com/c360/sensorlink/metric"
)

type recordingPublisher struct {
	mu   sync.Mutex
	envs []message.Envelope
}

func (p *recordingPublisher) Publish(env message.Envelope) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.envs = append(p.envs, env)
}

func (p *recordingPublisher) snapshot() []message.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]message.Envelope(nil), p.envs...)
}

func (p *recordingPublisher) ofType(t message.EnvelopeType) []message.Envelope {
	var out []message.Envelope
	for _, env := range p.snapshot() {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

func sample() message.Measurement {
	return message.Measurement{
		DeviceAddress: "AA:BB:CC:DD:EE:01",
		Kind:          message.KindPM25,
		Value:         message.Float(7.5),
		Timestamp:     time.Now(),
		Sequence:      1,
	}
}

func TestNew_RequiresPublisher(t *testing.T) {
	_, err := New(nil, Config{})
	assert.True(t, errors.IsInvalid(err))
}

func TestSession_StartStop(t *testing.T) {
	s, err := New(&recordingPublisher{}, Config{}, WithMetrics(metric.NewMetricsRegistry()))
	require.NoError(t, err)

	assert.False(t, s.Active())
	_, ok := s.Stop()
	assert.False(t, ok)

	id, err := s.Start()
	require.NoError(t, err)
	_, perr := uuid.Parse(id)
	assert.NoError(t, perr)
	assert.True(t, s.Active())
	assert.False(t, s.Started().IsZero())

	again, err := s.Start()
	assert.ErrorIs(t, err, errors.ErrAlreadyStarted)
	assert.Equal(t, id, again)

	stopped, ok := s.Stop()
	assert.True(t, ok)
	assert.Equal(t, id, stopped)
	assert.Empty(t, s.ID())

	next, err := s.Start()
	require.NoError(t, err)
	assert.NotEqual(t, id, next)
}

func TestSession_HandleGatesOnSession(t *testing.T) {
	s, err := New(&recordingPublisher{}, Config{AppVersionCode: 42})
	require.NoError(t, err)

	_, ok := s.Handle(sample())
	assert.False(t, ok)

	id, err := s.Start()
	require.NoError(t, err)
	env, ok := s.Handle(sample())
	require.True(t, ok)
	assert.Equal(t, message.EnvelopeMeasurement, env.Type)
	assert.Equal(t, id, env.TrackingSessionID)
	assert.Equal(t, 42, env.AppVersionCode)
	assert.Empty(t, env.Username, "identity is stamped by the uplink at flush")
	require.NotNil(t, env.MeasurementPayload)
	assert.Equal(t, "pm2.5", env.SensorType)
	assert.NoError(t, env.Validate())
}

func TestSession_AttachesFreshPosition(t *testing.T) {
	fix := message.Position{Latitude: 52.1, Longitude: 4.3, Timestamp: time.Now()}
	s, err := New(&recordingPublisher{}, Config{MaxPositionAge: time.Minute},
		WithPositionSource(PositionFunc(func() (message.Position, bool) { return fix, true })))
	require.NoError(t, err)
	_, err = s.Start()
	require.NoError(t, err)

	env, ok := s.Handle(sample())
	require.True(t, ok)
	require.NotNil(t, env.Position)
	assert.InDelta(t, 52.1, env.Position.Latitude, 1e-9)

	fix.Timestamp = time.Now().Add(-time.Hour)
	env, ok = s.Handle(sample())
	require.True(t, ok)
	assert.Nil(t, env.Position, "stale fixes are not attached")
}

func TestSession_RunPublishes(t *testing.T) {
	pub := &recordingPublisher{}
	fix := message.Position{Latitude: 1, Longitude: 2}
	s, err := New(pub, Config{HeartbeatInterval: 10 * time.Millisecond, LocationInterval: 10 * time.Millisecond},
		WithPositionSource(PositionFunc(func() (message.Position, bool) { return fix, true })),
		WithConnectedCounter(func() int { return 3 }))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	in := make(chan message.Measurement, 2)
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, in) }()

	in <- sample()
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, pub.snapshot(), "nothing is published without a session")

	_, err = s.Start()
	require.NoError(t, err)
	in <- sample()

	require.Eventually(t, func() bool {
		return len(pub.ofType(message.EnvelopeMeasurement)) == 1 &&
			len(pub.ofType(message.EnvelopeHeartbeat)) > 0 &&
			len(pub.ofType(message.EnvelopeLocation)) > 0
	}, 2*time.Second, 5*time.Millisecond)

	hb := pub.ofType(message.EnvelopeHeartbeat)[0]
	require.NotNil(t, hb.HeartbeatPayload)
	assert.Equal(t, 3, hb.ConnectedDevices)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
