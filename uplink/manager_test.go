package uplink

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/sensorlink/auth"
	"github.com/c360/sensorlink/errors"
	"github.com/c360/sensorlink/message"
	"github.com/c360/sensorlink/metric"
	"github.com/c360/sensorlink/pkg/retry"
	"github.com/c360/sensorlink/storage/framestore"
)

type published struct {
	subject string
	data    []byte
	msgID   string
}

type fakeBroker struct {
	mu        sync.Mutex
	connected bool
	onLost    func(error)
	sent      []published
	tokens    []auth.Token

	connectFails atomic.Int32
	withholdAck  atomic.Bool
	closes       atomic.Int32

	// dropAfterAck drops the link right after acknowledging that many publishes
	dropAfterAck atomic.Int32
}

func (b *fakeBroker) Connect(ctx context.Context, token auth.Token, onLost func(error)) error {
	if b.connectFails.Load() > 0 {
		b.connectFails.Add(-1)
		return errors.ErrTransport
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = true
	b.onLost = onLost
	b.tokens = append(b.tokens, token)
	return nil
}

func (b *fakeBroker) Publish(ctx context.Context, subject string, data []byte, msgID string) error {
	b.mu.Lock()
	connected := b.connected
	b.mu.Unlock()
	if !connected {
		return errors.ErrNotConnected
	}
	if b.withholdAck.Load() {
		<-ctx.Done()
		return ctx.Err()
	}
	b.mu.Lock()
	b.sent = append(b.sent, published{subject: subject, data: append([]byte(nil), data...), msgID: msgID})
	b.mu.Unlock()

	if b.dropAfterAck.Load() > 0 && b.dropAfterAck.Add(-1) == 0 {
		b.drop()
	}
	return nil
}

func (b *fakeBroker) Close(context.Context) error {
	b.closes.Add(1)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = false
	return nil
}

// drop simulates the server going away
func (b *fakeBroker) drop() {
	b.mu.Lock()
	b.connected = false
	lost := b.onLost
	b.mu.Unlock()
	lost(errors.ErrConnectionLost)
}

func (b *fakeBroker) connects() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.tokens)
}

func (b *fakeBroker) messages() []published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]published(nil), b.sent...)
}

func staticTokens(t *testing.T, username string) auth.TokenProvider {
	t.Helper()
	p, err := auth.NewStaticProvider(username, "secret-"+username)
	require.NoError(t, err)
	return p
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.Backoff = retry.Backoff{InitialDelay: time.Millisecond, Multiplier: 2, MaxDelay: 5 * time.Millisecond}
	cfg.AckTimeout = 50 * time.Millisecond
	cfg.ReconnectDelay = 10 * time.Millisecond
	return cfg
}

func newTestManager(t *testing.T, broker Broker, tokens auth.TokenProvider, frames framestore.Store, cfg Config) *Manager {
	t.Helper()
	m, err := NewManager(broker, tokens, frames, cfg, WithMetrics(metric.NewMetricsRegistry()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

func measurementEnv(seq uint64) message.Envelope {
	return message.NewMeasurementEnvelope(message.Measurement{
		DeviceAddress: "AA:BB:CC:DD:EE:01",
		Kind:          message.KindPM25,
		Value:         message.Float(float64(seq)),
		Timestamp:     time.Now(),
		Sequence:      seq,
	})
}

func decode(t *testing.T, data []byte) message.Envelope {
	t.Helper()
	var env message.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

func waitMessages(t *testing.T, b *fakeBroker, n int) []published {
	t.Helper()
	require.Eventually(t, func() bool { return len(b.messages()) >= n }, 2*time.Second, time.Millisecond,
		"got %d messages, want %d", len(b.messages()), n)
	return b.messages()
}

func TestNewManager_RequiresDependencies(t *testing.T) {
	_, err := NewManager(nil, staticTokens(t, "alice"), framestore.NewMemoryStore(), Config{})
	assert.True(t, errors.IsInvalid(err))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "DISCONNECTED", StateDisconnected.String())
	assert.Equal(t, "CONNECTION_LOST", StateConnectionLost.String())
	assert.Equal(t, "CONNECTED", StateConnected.String())
	assert.Equal(t, "UNKNOWN", State(9).String())
}

func TestPublish_DisconnectedDrops(t *testing.T) {
	broker := &fakeBroker{}
	m := newTestManager(t, broker, staticTokens(t, "alice"), framestore.NewMemoryStore(), fastConfig())

	m.Publish(measurementEnv(1))
	assert.Zero(t, m.Buffered())

	require.NoError(t, m.ConnectWithRetry(context.Background()))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, broker.messages())
}

func TestFlush_FIFOWithIdentityStampedAtFlush(t *testing.T) {
	broker := &fakeBroker{}
	frames := framestore.NewMemoryStore()
	m := newTestManager(t, broker, staticTokens(t, "alice"), frames, fastConfig())

	m.state.Store(StateConnectionLost)
	for seq := uint64(1); seq <= 3; seq++ {
		m.Publish(measurementEnv(seq))
	}
	assert.Equal(t, 3, m.Buffered())
	assert.Empty(t, broker.messages())

	require.NoError(t, m.ConnectWithRetry(context.Background()))
	assert.Equal(t, StateConnected, m.State())
	assert.Zero(t, m.Buffered())

	msgs := waitMessages(t, broker, 3)
	for i, msg := range msgs {
		env := decode(t, msg.data)
		assert.Equal(t, "alice", env.Username, "identity must be stamped at flush")
		require.NotNil(t, env.MeasurementPayload)
		assert.Equal(t, uint64(i+1), env.Sequence)
		assert.Equal(t, "sensorlink.alice.telemetry", msg.subject)
		assert.NotEmpty(t, msg.msgID)
	}
	assert.Less(t, msgs[0].msgID, msgs[1].msgID)
	assert.Less(t, msgs[1].msgID, msgs[2].msgID)

	require.Eventually(t, func() bool {
		n, err := m.Pending(context.Background())
		return err == nil && n == 0
	}, time.Second, time.Millisecond, "acked frames must leave the durable store")
}

func TestConnect_ReplaysDurableFramesBeforeBuffer(t *testing.T) {
	ctx := context.Background()
	broker := &fakeBroker{}
	frames := framestore.NewMemoryStore()
	ids := framestore.NewIDGenerator()

	older := framestore.NewFrame(ids.Next(), "sensorlink.bob.telemetry", []byte(`{"type":"heartbeat"}`))
	newer := framestore.NewFrame(ids.Next(), "sensorlink.bob.telemetry", []byte(`{"type":"location"}`))
	require.NoError(t, frames.Put(ctx, newer))
	require.NoError(t, frames.Put(ctx, older))

	m := newTestManager(t, broker, staticTokens(t, "alice"), frames, fastConfig())
	m.state.Store(StateConnectionLost)
	m.Publish(measurementEnv(7))

	require.NoError(t, m.ConnectWithRetry(ctx))
	msgs := waitMessages(t, broker, 3)

	assert.Equal(t, older.ID, msgs[0].msgID)
	assert.Equal(t, newer.ID, msgs[1].msgID)
	assert.Equal(t, "sensorlink.bob.telemetry", msgs[0].subject, "replayed frames keep their subject")
	assert.Equal(t, uint64(7), decode(t, msgs[2].data).Sequence)

	ok, err := frames.Contains(ctx, older.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAckTimeout_KeepsFrameForReplay(t *testing.T) {
	ctx := context.Background()
	broker := &fakeBroker{}
	frames := framestore.NewMemoryStore()
	m := newTestManager(t, broker, staticTokens(t, "alice"), frames, fastConfig())

	require.NoError(t, m.ConnectWithRetry(ctx))
	broker.withholdAck.Store(true)
	m.Publish(measurementEnv(1))

	require.Eventually(t, func() bool {
		return m.QueueStats().Failed == 1
	}, 2*time.Second, time.Millisecond)
	keys, err := frames.Keys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, 1)

	broker.withholdAck.Store(false)
	require.NoError(t, m.ConnectWithRetry(ctx))
	msgs := waitMessages(t, broker, 1)
	assert.Equal(t, keys[0], msgs[0].msgID, "replay reuses the frame id for broker dedupe")

	keys, err = frames.Keys(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestConnect_RetriesCredentialFailures(t *testing.T) {
	var calls atomic.Int32
	tokens := auth.ProviderFunc(func(ctx context.Context) (auth.Token, error) {
		if calls.Add(1) < 3 {
			return auth.Token{}, errors.New("token endpoint unavailable")
		}
		return auth.Token{Username: "carol", Value: "t"}, nil
	})
	broker := &fakeBroker{}
	broker.connectFails.Store(1)
	m := newTestManager(t, broker, tokens, framestore.NewMemoryStore(), fastConfig())

	require.NoError(t, m.ConnectWithRetry(context.Background()))
	assert.Equal(t, int32(4), calls.Load())
	assert.Equal(t, "carol", m.Username())
	assert.Equal(t, StateConnected, m.State())
	assert.NoError(t, m.Err())
}

func TestConnect_MaxAttempts(t *testing.T) {
	tokens := auth.ProviderFunc(func(ctx context.Context) (auth.Token, error) {
		return auth.Token{}, errors.New("denied")
	})
	cfg := fastConfig()
	cfg.MaxAttempts = 2
	m := newTestManager(t, &fakeBroker{}, tokens, framestore.NewMemoryStore(), cfg)

	err := m.ConnectWithRetry(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrCredential)
	assert.ErrorIs(t, m.Err(), errors.ErrCredential)
	assert.Equal(t, StateConnectionLost, m.State())
}

func TestConnectionLost_BuffersAndReconnects(t *testing.T) {
	broker := &fakeBroker{}
	m := newTestManager(t, broker, staticTokens(t, "alice"), framestore.NewMemoryStore(), fastConfig())
	require.NoError(t, m.ConnectWithRetry(context.Background()))

	states, cancel := m.Subscribe(8)
	defer cancel()

	broker.drop()
	assert.Equal(t, StateConnectionLost, <-states)
	m.Publish(measurementEnv(1))

	select {
	case st := <-states:
		assert.Equal(t, StateConnected, st)
	case <-time.After(2 * time.Second):
		t.Fatal("no reconnect")
	}
	msgs := waitMessages(t, broker, 1)
	assert.Equal(t, uint64(1), decode(t, msgs[0].data).Sequence)
	assert.GreaterOrEqual(t, broker.closes.Load(), int32(1), "loss schedules a disconnect")
}

func TestDisconnect_CancelsAttempt(t *testing.T) {
	started := make(chan struct{})
	tokens := auth.ProviderFunc(func(ctx context.Context) (auth.Token, error) {
		close(started)
		<-ctx.Done()
		return auth.Token{}, ctx.Err()
	})
	m := newTestManager(t, &fakeBroker{}, tokens, framestore.NewMemoryStore(), fastConfig())

	done := make(chan error, 1)
	go func() { done <- m.ConnectWithRetry(context.Background()) }()
	<-started

	require.NoError(t, m.Disconnect(context.Background()))
	assert.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, StateDisconnected, m.State())
}

func TestConnected_PublishesInOrder(t *testing.T) {
	broker := &fakeBroker{}
	m := newTestManager(t, broker, staticTokens(t, "alice"), framestore.NewMemoryStore(), fastConfig())
	require.NoError(t, m.ConnectWithRetry(context.Background()))

	for seq := uint64(1); seq <= 20; seq++ {
		m.Publish(measurementEnv(seq))
	}
	msgs := waitMessages(t, broker, 20)
	for i, msg := range msgs {
		assert.Equal(t, uint64(i+1), decode(t, msg.data).Sequence)
	}
}

func TestClose_RejectsConnect(t *testing.T) {
	m := newTestManager(t, &fakeBroker{}, staticTokens(t, "alice"), framestore.NewMemoryStore(), fastConfig())
	require.NoError(t, m.Close(context.Background()))

	err := m.ConnectWithRetry(context.Background())
	assert.ErrorIs(t, err, errors.ErrShuttingDown)
}

func TestConnect_LossDuringReplayRetries(t *testing.T) {
	ctx := context.Background()
	broker := &fakeBroker{}
	broker.dropAfterAck.Store(1)
	frames := framestore.NewMemoryStore()
	seeded := framestore.NewFrame(framestore.NewIDGenerator().Next(), "sensorlink.alice.telemetry", []byte(`{"type":"heartbeat"}`))
	require.NoError(t, frames.Put(ctx, seeded))

	m := newTestManager(t, broker, staticTokens(t, "alice"), frames, fastConfig())

	require.NoError(t, m.ConnectWithRetry(ctx))
	assert.Equal(t, StateConnected, m.State())
	assert.Equal(t, 2, broker.connects(), "the attempt that saw the loss must not open the gate")

	m.Publish(measurementEnv(1))
	msgs := waitMessages(t, broker, 2)
	assert.Equal(t, seeded.ID, msgs[0].msgID)
	assert.Equal(t, uint64(1), decode(t, msgs[1].data).Sequence)

	require.Eventually(t, func() bool {
		n, err := m.Pending(ctx)
		return err == nil && n == 0
	}, time.Second, time.Millisecond)
}

func TestConnectionLost_DisconnectCancelsScheduledReconnect(t *testing.T) {
	broker := &fakeBroker{}
	cfg := fastConfig()
	cfg.ReconnectDelay = 30 * time.Millisecond
	m := newTestManager(t, broker, staticTokens(t, "alice"), framestore.NewMemoryStore(), cfg)
	require.NoError(t, m.ConnectWithRetry(context.Background()))

	broker.drop()
	require.Equal(t, StateConnectionLost, m.State())
	require.NoError(t, m.Disconnect(context.Background()))

	time.Sleep(4 * cfg.ReconnectDelay)
	assert.Equal(t, StateDisconnected, m.State())
	assert.Equal(t, 1, broker.connects())
}

func TestConnect_OnlyIfLostSkipsWhenDisconnected(t *testing.T) {
	broker := &fakeBroker{}
	m := newTestManager(t, broker, staticTokens(t, "alice"), framestore.NewMemoryStore(), fastConfig())

	require.NoError(t, m.connect(context.Background(), true))
	assert.Equal(t, StateDisconnected, m.State())
	assert.Zero(t, broker.connects())
}
