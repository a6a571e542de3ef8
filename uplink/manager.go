package uplink

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/sensorlink/auth"
	"github.com/c360/sensorlink/errors"
	"github.com/c360/sensorlink/message"
	"github.com/c360/sensorlink/metric"
	"github.com/c360/sensorlink/pkg/buffer"
	"github.com/c360/sensorlink/pkg/observable"
	"github.com/c360/sensorlink/pkg/retry"
	"github.com/c360/sensorlink/pkg/worker"
	"github.com/c360/sensorlink/storage/framestore"
)

const stopTimeout = 5 * time.Second

// Manager owns the broker connection and the outbound pipeline
type Manager struct {
	cfg     Config
	broker  Broker
	tokens  auth.TokenProvider
	frames  framestore.Store
	ids     *framestore.IDGenerator
	buf     buffer.Buffer[message.Envelope]
	pool    *worker.Pool[message.Envelope]
	state   *observable.Value[State]
	logger  *slog.Logger
	metrics *uplinkMetrics

	registry metric.MetricsRegistrar

	ctx    context.Context
	cancel context.CancelFunc

	username atomic.Pointer[string]
	lastErr  atomic.Pointer[error]

	// pubMu orders Publish against the flush that ends a reconnect
	pubMu sync.Mutex

	// lossMu orders a loss signal against the move to CONNECTED. A loss
	// seen while an attempt is still replaying or flushing sets lost.
	lossMu sync.Mutex
	lost   bool

	// mu guards the in-flight connect attempt
	mu      sync.Mutex
	attempt *attempt
	closed  bool
	wg      sync.WaitGroup
}

type attempt struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Option configures a Manager
type Option func(*Manager)

// WithLogger sets the uplink logger
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics registers uplink, buffer and send worker metrics
func WithMetrics(registry metric.MetricsRegistrar) Option {
	return func(m *Manager) { m.registry = registry }
}

// NewManager creates a disconnected uplink. frames holds the durable copy
// of every in-flight frame.
func NewManager(broker Broker, tokens auth.TokenProvider, frames framestore.Store, cfg Config, opts ...Option) (*Manager, error) {
	if broker == nil || tokens == nil || frames == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("broker, token provider and frame store are required"),
			"Manager", "NewManager", "dependency check")
	}

	m := &Manager{
		cfg:    cfg.withDefaults(),
		broker: broker,
		tokens: tokens,
		frames: frames,
		ids:    framestore.NewIDGenerator(),
		state:  observable.NewValue(StateDisconnected),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "uplink")

	bufOpts := []buffer.Option[message.Envelope]{
		buffer.WithOverflowPolicy[message.Envelope](m.cfg.OverflowPolicy),
		buffer.WithDropCallback[message.Envelope](func(env message.Envelope) {
			m.metrics.drop("buffer_overflow")
			m.logger.Warn("outage buffer full, envelope dropped", "type", env.Type)
		}),
	}
	var poolOpts []worker.Option[message.Envelope]
	if m.registry != nil {
		var err error
		if m.metrics, err = newUplinkMetrics(m.registry); err != nil {
			return nil, errors.Wrap(err, "Manager", "NewManager", "metrics registration")
		}
		bufOpts = append(bufOpts, buffer.WithMetrics[message.Envelope](m.registry, "uplink"))
		poolOpts = append(poolOpts, worker.WithMetricsRegistry[message.Envelope](m.registry, "uplink"))
	}

	buf, err := buffer.NewCircularBuffer(m.cfg.BufferCapacity, bufOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "Manager", "NewManager", "buffer creation")
	}
	m.buf = buf

	m.pool, err = worker.NewPool(1, m.cfg.QueueSize, m.send, poolOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "Manager", "NewManager", "send worker creation")
	}

	m.ctx, m.cancel = context.WithCancel(context.Background())
	if err := m.pool.Start(m.ctx); err != nil {
		m.cancel()
		return nil, errors.Wrap(err, "Manager", "NewManager", "send worker start")
	}
	return m, nil
}

// State returns the uplink state
func (m *Manager) State() State { return m.state.Load() }

// Subscribe delivers state changes until cancel is called
func (m *Manager) Subscribe(buffer int) (<-chan State, func()) { return m.state.Subscribe(buffer) }

// Username returns the identity of the current token
func (m *Manager) Username() string {
	if p := m.username.Load(); p != nil {
		return *p
	}
	return ""
}

// Err returns the last connect or delivery error
func (m *Manager) Err() error {
	if p := m.lastErr.Load(); p != nil {
		return *p
	}
	return nil
}

// Buffered returns the number of envelopes waiting for reconnect
func (m *Manager) Buffered() int { return m.buf.Size() }

// BufferStats returns outage buffer statistics
func (m *Manager) BufferStats() buffer.Summary { return m.buf.Stats().Summary() }

// QueueStats returns send worker statistics
func (m *Manager) QueueStats() worker.PoolStats { return m.pool.Stats() }

// Pending returns the number of durable frames awaiting acknowledgment
func (m *Manager) Pending(ctx context.Context) (int, error) {
	keys, err := m.frames.Keys(ctx)
	return len(keys), err
}

func (m *Manager) setState(s State) {
	prev := m.state.Load()
	if m.state.Store(s) {
		m.metrics.setState(s)
		m.logger.Info("uplink state changed", "from", prev.String(), "to", s.String())
	}
}

func (m *Manager) setErr(err error) {
	m.lastErr.Store(&err)
}

// Publish routes env by state: dropped while disconnected, buffered while
// the connection is lost, queued for ordered delivery while connected.
func (m *Manager) Publish(env message.Envelope) {
	m.pubMu.Lock()
	defer m.pubMu.Unlock()

	switch m.State() {
	case StateDisconnected:
		m.metrics.drop("disconnected")
		m.logger.Debug("uplink disconnected, envelope dropped", "type", env.Type)
	case StateConnectionLost:
		if err := m.buf.Write(env); err != nil {
			m.metrics.drop("buffer_closed")
			m.logger.Warn("outage buffer write failed", "error", err)
		}
	case StateConnected:
		if err := m.pool.Submit(env); err != nil {
			m.metrics.drop("queue_full")
			m.logger.Warn("send queue rejected envelope", "type", env.Type, "error", err)
		}
	}
}

// send is the single send worker: stamp, serialize, persist, publish, and
// remove the durable frame once acknowledged
func (m *Manager) send(ctx context.Context, env message.Envelope) error {
	user := m.Username()
	env = env.WithUser(user)
	data, err := env.Marshal()
	if err != nil {
		m.metrics.drop("invalid")
		m.logger.Error("envelope rejected", "type", env.Type, "error", err)
		return err
	}

	frame := framestore.NewFrame(m.ids.Next(), message.Topic(m.cfg.Topic, user), data)
	if err := m.frames.Put(ctx, frame); err != nil {
		m.logger.Warn("durable frame write failed, publishing without a copy", "frame", frame.ID, "error", err)
	}
	return m.deliver(ctx, frame)
}

// deliver publishes frame and removes its durable copy on ack. On ack
// timeout the frame stays for the next replay.
func (m *Manager) deliver(ctx context.Context, frame framestore.Frame) error {
	pctx, cancel := context.WithTimeout(ctx, m.cfg.AckTimeout)
	defer cancel()

	start := time.Now()
	err := m.broker.Publish(pctx, frame.Subject(), frame.PayloadBytes(), frame.ID)
	if err != nil {
		if errors.Is(err, errors.ErrAckTimeout) || errors.Is(err, context.DeadlineExceeded) {
			m.metrics.frame("ack_timeout", 0)
			m.logger.Warn("publish not acknowledged, frame kept", "frame", frame.ID, "timeout", m.cfg.AckTimeout)
			return errors.WrapTransient(errors.Join(errors.ErrAckTimeout, err), "Manager", "deliver", "await ack")
		}
		m.metrics.frame("error", 0)
		m.setErr(err)
		m.logger.Warn("publish failed, frame kept", "frame", frame.ID, "error", err)
		return err
	}
	m.metrics.frame("acked", time.Since(start).Seconds())

	if err := m.frames.Remove(ctx, frame.ID); err != nil {
		m.logger.Warn("durable frame remove failed", "frame", frame.ID, "error", err)
	}
	return nil
}

// ConnectWithRetry cancels any in-flight attempt, then fetches a token and
// connects until it succeeds, ctx is done or MaxAttempts is reached. On
// success it replays durable frames, flushes the outage buffer and moves to
// CONNECTED.
func (m *Manager) ConnectWithRetry(ctx context.Context) error {
	return m.connect(ctx, false)
}

// connect runs one retry loop. With onlyIfLost the attempt is abandoned
// unless the state is still CONNECTION_LOST when it is registered, so a
// Disconnect racing a scheduled reconnect wins.
func (m *Manager) connect(ctx context.Context, onlyIfLost bool) error {
	actx, a, err := m.beginAttempt(ctx, onlyIfLost)
	if err != nil {
		return err
	}
	if a == nil {
		return nil
	}
	defer m.endAttempt(a)
	m.metrics.setState(m.State())

	_, err = retry.Loop(actx, m.cfg.Backoff, m.cfg.MaxAttempts, func(n int) retry.Outcome[struct{}] {
		if err := m.connectOnce(actx); err != nil {
			if actx.Err() != nil {
				return retry.Fatal[struct{}](actx.Err())
			}
			m.metrics.attempt("failed")
			m.setErr(err)
			m.logger.Warn("uplink connect failed", "attempt", n+1, "error", err,
				"next_delay", m.cfg.Backoff.Delay(n+1))
			return retry.Retryable[struct{}](err)
		}
		m.metrics.attempt("connected")
		return retry.Success(struct{}{})
	})
	if err != nil {
		return errors.Wrap(err, "Manager", "ConnectWithRetry", "connect")
	}
	m.lastErr.Store(nil)
	return nil
}

func (m *Manager) connectOnce(ctx context.Context) error {
	token, err := m.tokens.FetchAccessToken(ctx)
	if err != nil {
		return errors.WrapTransient(errors.Join(errors.ErrCredential, err), "Manager", "connectOnce", "fetch token")
	}
	m.username.Store(&token.Username)

	m.lossMu.Lock()
	m.lost = false
	m.lossMu.Unlock()

	if err := m.broker.Connect(ctx, token, m.connectionLost); err != nil {
		return errors.WrapTransient(err, "Manager", "connectOnce", "broker connect")
	}

	if err := m.replay(ctx); err != nil {
		_ = m.broker.Close(context.WithoutCancel(ctx))
		return err
	}

	if err := m.flush(ctx); err != nil {
		_ = m.broker.Close(context.WithoutCancel(ctx))
		return err
	}
	m.logger.Info("uplink connected", "username", token.Username)
	return nil
}

// replay re-publishes durable frames oldest first. Frames that time out
// stay; any other publish error fails the attempt.
func (m *Manager) replay(ctx context.Context) error {
	keys, err := m.frames.Keys(ctx)
	if err != nil {
		return errors.WrapTransient(err, "Manager", "replay", "list frames")
	}
	if len(keys) == 0 {
		return nil
	}
	m.logger.Info("replaying durable frames", "count", len(keys))

	for _, id := range keys {
		frame, err := m.frames.Get(ctx, id)
		if err != nil {
			if errors.Is(err, errors.ErrKeyNotFound) {
				continue
			}
			return errors.WrapTransient(err, "Manager", "replay", "get frame")
		}
		if err := m.deliver(ctx, frame); err != nil {
			if errors.Is(err, errors.ErrAckTimeout) {
				continue
			}
			return errors.WrapTransient(err, "Manager", "replay", "publish frame")
		}
		m.metrics.replay()
	}
	return nil
}

// flush queues the outage buffer behind the replay and opens the gate for
// Publish. The send worker stamps each envelope with the current username.
// It fails when the link was lost during the attempt or the uplink was
// disconnected meanwhile; queued envelopes already have durable frames.
func (m *Manager) flush(ctx context.Context) error {
	m.pubMu.Lock()
	defer m.pubMu.Unlock()

	if err := m.lostDuringAttempt(); err != nil {
		return err
	}

	pending := m.buf.Drain()
	for i, env := range pending {
		if err := m.pool.SubmitWait(m.ctx, env); err != nil {
			m.metrics.drop("flush_failed")
			m.logger.Error("outage buffer flush failed", "remaining", len(pending)-i, "error", err)
			break
		}
	}
	if len(pending) > 0 {
		m.logger.Info("outage buffer flushed", "count", len(pending))
	}

	m.lossMu.Lock()
	defer m.lossMu.Unlock()
	if m.lost {
		return errors.WrapTransient(errors.ErrConnectionLost, "Manager", "flush", "open gate")
	}
	if ctx.Err() != nil {
		return errors.WrapTransient(ctx.Err(), "Manager", "flush", "open gate")
	}
	if m.State() == StateConnected {
		return nil
	}
	if !m.state.CompareAndStore(StateConnectionLost, StateConnected) {
		return errors.WrapTransient(errors.ErrNotConnected, "Manager", "flush", "open gate")
	}
	m.metrics.setState(StateConnected)
	m.logger.Info("uplink state changed", "from", StateConnectionLost.String(), "to", StateConnected.String())
	return nil
}

func (m *Manager) lostDuringAttempt() error {
	m.lossMu.Lock()
	defer m.lossMu.Unlock()
	if m.lost {
		return errors.WrapTransient(errors.ErrConnectionLost, "Manager", "flush", "loss check")
	}
	return nil
}

// beginAttempt registers a new attempt and cancels the previous one. It
// returns a nil attempt when onlyIfLost is set and the state has moved on.
func (m *Manager) beginAttempt(ctx context.Context, onlyIfLost bool) (context.Context, *attempt, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, nil, errors.WrapTransient(errors.ErrShuttingDown, "Manager", "ConnectWithRetry", "state check")
	}
	if onlyIfLost && m.State() != StateConnectionLost {
		m.mu.Unlock()
		return nil, nil, nil
	}
	// Envelopes published while connecting are kept, not dropped.
	m.state.CompareAndStore(StateDisconnected, StateConnectionLost)
	prev := m.attempt
	actx, cancel := context.WithCancel(ctx)
	a := &attempt{cancel: cancel, done: make(chan struct{})}
	m.attempt = a
	m.mu.Unlock()

	if prev != nil {
		prev.cancel()
		<-prev.done
	}
	return actx, a, nil
}

func (m *Manager) endAttempt(a *attempt) {
	a.cancel()
	close(a.done)
	m.mu.Lock()
	if m.attempt == a {
		m.attempt = nil
	}
	m.mu.Unlock()
}

// connectionLost is the broker's loss signal. It moves CONNECTED to
// CONNECTION_LOST, closes the broker and reconnects after ReconnectDelay.
// A loss during an attempt that has not reached CONNECTED fails that
// attempt instead, and its retry loop reconnects.
func (m *Manager) connectionLost(cause error) {
	m.lossMu.Lock()
	if !m.state.CompareAndStore(StateConnected, StateConnectionLost) {
		m.lost = true
		m.lossMu.Unlock()
		m.setErr(cause)
		m.logger.Warn("uplink connection lost while connecting", "error", cause)
		return
	}
	m.lossMu.Unlock()
	m.metrics.setState(StateConnectionLost)
	m.setErr(cause)
	m.logger.Warn("uplink connection lost", "error", cause, "reconnect_in", m.cfg.ReconnectDelay)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.wg.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.wg.Done()
		closeCtx, cancel := context.WithTimeout(m.ctx, stopTimeout)
		if err := m.broker.Close(closeCtx); err != nil {
			m.logger.Debug("broker close after loss", "error", err)
		}
		cancel()

		timer := time.NewTimer(m.cfg.ReconnectDelay)
		defer timer.Stop()
		select {
		case <-m.ctx.Done():
			return
		case <-timer.C:
		}
		if err := m.connect(m.ctx, true); err != nil && m.ctx.Err() == nil {
			m.logger.Error("uplink reconnect gave up", "error", err)
		}
	}()
}

// Disconnect cancels any connect attempt, closes the broker and moves to
// DISCONNECTED. Buffered envelopes are kept for the next connect.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.pubMu.Lock()
	m.mu.Lock()
	m.setState(StateDisconnected)
	a := m.attempt
	m.mu.Unlock()
	m.pubMu.Unlock()

	if a != nil {
		a.cancel()
		<-a.done
	}

	if err := m.broker.Close(ctx); err != nil {
		return errors.Wrap(err, "Manager", "Disconnect", "broker close")
	}
	return nil
}

// Close disconnects and stops the send worker after it drains
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	err := m.Disconnect(ctx)
	if stopErr := m.pool.Stop(stopTimeout); stopErr != nil {
		m.logger.Warn("send worker did not drain", "error", stopErr)
	}
	m.cancel()
	m.wg.Wait()
	_ = m.buf.Close()
	return err
}
