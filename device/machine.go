package device

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/sensorlink/codec"
	"github.com/c360/sensorlink/discovery"
	"github.com/c360/sensorlink/errors"
	"github.com/c360/sensorlink/inventory"
	"github.com/c360/sensorlink/message"
	"github.com/c360/sensorlink/pkg/observable"
	"github.com/c360/sensorlink/pkg/retry"
)

// Option configures a Connection
type Option func(*machine)

// WithLogger sets the connection logger
func WithLogger(logger *slog.Logger) Option {
	return func(m *machine) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics records into shared device metrics
func WithMetrics(metrics *Metrics) Option {
	return func(m *machine) {
		m.metrics = metrics
	}
}

// machine is the state and session bookkeeping embedded by every variant
type machine struct {
	address   string
	kind      inventory.Kind
	cfg       Config
	locator   Locator
	transport Transport
	logger    *slog.Logger
	metrics   *Metrics
	limiter   *rate.Limiter

	state *observable.Value[ConnectionState]
	out   chan message.Measurement
	seq   atomic.Uint64

	// mu serializes session replacement
	mu      sync.Mutex
	sess    *session
	lastErr atomic.Pointer[error]

	serve func(ctx context.Context, s *session) error
}

func newMachine(kind inventory.Kind, address string, locator Locator, transport Transport, cfg Config, opts ...Option) *machine {
	cfg = cfg.withDefaults()
	m := &machine{
		address:   inventory.NormalizeAddress(address),
		kind:      kind,
		cfg:       cfg,
		locator:   locator,
		transport: transport,
		logger:    slog.Default(),
		limiter:   rate.NewLimiter(rate.Every(cfg.ForceReconnectInterval), 1),
		state:     observable.NewValue(StateNone),
		out:       make(chan message.Measurement, cfg.MeasurementBuffer),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "device", "address", m.address, "kind", string(kind))
	return m
}

// Address returns the normalized device address
func (m *machine) Address() string { return m.address }

// Kind returns the transport variant
func (m *machine) Kind() inventory.Kind { return m.kind }

// State returns the current connection state
func (m *machine) State() ConnectionState { return m.state.Load() }

// Subscribe delivers state changes until cancel is called
func (m *machine) Subscribe(buffer int) (<-chan ConnectionState, func()) {
	return m.state.Subscribe(buffer)
}

// Measurements returns the channel decoded measurements are sent on. It is
// never closed.
func (m *machine) Measurements() <-chan message.Measurement { return m.out }

// Err returns the error that ended the last session
func (m *machine) Err() error {
	if p := m.lastErr.Load(); p != nil {
		return *p
	}
	return nil
}

// Sequence returns the last sequence number emitted
func (m *machine) Sequence() uint64 { return m.seq.Load() }

// Connect starts a session bound to ctx after tearing down any prior one
func (m *machine) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "Device", "Connect", "context check")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.teardownLocked()
	m.lastErr.Store(nil)

	sctx, cancel := context.WithCancel(ctx)
	s := &session{cancel: cancel, done: make(chan struct{}), force: make(chan struct{}, 1)}
	m.sess = s
	m.setState(StateConnecting)

	go func() {
		defer close(s.done)
		err := m.serve(sctx, s)
		if err != nil && sctx.Err() == nil {
			m.lastErr.Store(&err)
			m.logger.Error("device session failed", "error", err)
		}
		m.setState(StateDisconnected)
	}()
	return nil
}

// Disconnect ends the session, closing its link before returning
func (m *machine) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teardownLocked()
	m.setState(StateDisconnected)
}

func (m *machine) teardownLocked() {
	s := m.sess
	if s == nil {
		return
	}
	m.sess = nil
	s.cancel()
	s.close()
	<-s.done
}

// ForceReconnect severs the current link. The session sees it as a loss.
func (m *machine) ForceReconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess == nil || m.State() != StateConnected {
		return errors.WrapInvalid(errors.ErrNotConnected, "Device", "ForceReconnect", "state check")
	}
	if !m.limiter.Allow() {
		return errors.WrapTransient(errors.ErrRateLimited, "Device", "ForceReconnect", "rate limit")
	}
	m.logger.Info("forcing reconnect")
	m.sess.sever()
	return nil
}

func (m *machine) setState(next ConnectionState) {
	prev := m.state.Load()
	if m.state.Store(next) {
		m.metrics.transition(string(m.kind), prev, next)
		m.logger.Debug("connection state changed", "from", prev.String(), "to", next.String())
	}
}

// emit stamps the next sequence number and sends. The counter only advances
// on a successful send so emitted sequences never skip.
func (m *machine) emit(ctx context.Context, meas message.Measurement) error {
	next := m.seq.Load() + 1
	meas.Sequence = next
	meas.DeviceAddress = m.address
	if meas.Timestamp.IsZero() {
		meas.Timestamp = time.Now()
	}
	select {
	case m.out <- meas:
		m.seq.Store(next)
		m.metrics.measurement(string(meas.Kind))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// locate asks discovery for the device until it is found or ctx is done
func (m *machine) locate(ctx context.Context) (discovery.Advertisement, error) {
	return retry.Loop(ctx, m.cfg.Backoff, 0, func(attempt int) retry.Outcome[discovery.Advertisement] {
		adv, err := m.locator.Discover(ctx, m.address, true)
		switch {
		case err == nil:
			return retry.Success(adv)
		case ctx.Err() != nil:
			return retry.Fatal[discovery.Advertisement](ctx.Err())
		default:
			m.logger.Debug("device not located", "attempt", attempt, "error", err)
			return retry.Retryable[discovery.Advertisement](err)
		}
	})
}

// open connects the transport with unlimited retries. Fatal transport
// errors end the session.
func (m *machine) open(ctx context.Context, adv discovery.Advertisement) (Link, error) {
	return retry.Loop(ctx, m.cfg.Backoff, 0, func(attempt int) retry.Outcome[Link] {
		link, err := m.transport.Open(ctx, adv)
		switch {
		case err == nil:
			return retry.Success(link)
		case ctx.Err() != nil:
			return retry.Fatal[Link](ctx.Err())
		case errors.IsFatal(err):
			return retry.Fatal[Link](errors.WrapFatal(err, "Device", "open", "transport open"))
		default:
			m.logger.Debug("transport open failed", "attempt", attempt, "error", err)
			return retry.Retryable[Link](err)
		}
	})
}

// pumpFunc reads a link until it is lost or ctx is done. It returns the loss
// reason for metrics and the cause.
type pumpFunc func(ctx context.Context, link Link) (reason string, err error)

// runLinked is the session loop shared by the connection-oriented variants
func (m *machine) runLinked(ctx context.Context, s *session, pump pumpFunc) error {
	recovering := false
	for {
		adv, err := m.locate(ctx)
		if err != nil {
			return err
		}
		if recovering {
			m.setState(StateConnecting)
		}

		link, err := m.open(ctx, adv)
		if err != nil {
			return err
		}
		if !s.attach(link) {
			return ctx.Err()
		}
		m.setState(StateConnected)
		m.logger.Info("device connected", "rssi", adv.RSSI)

		reason, cause := pump(ctx, link)
		s.detach(link)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if s.forced.Swap(false) {
			reason = "forced"
		}
		m.metrics.loss(string(m.kind), reason)
		m.logger.Warn("device link lost", "reason", reason, "error", cause)

		m.setState(StateReconnecting)
		recovering = true
	}
}

// linkError reports why a link's chunk channel closed
func linkError(link Link) error {
	if err := link.Err(); err != nil {
		return fmt.Errorf("%w: %w", errors.ErrLinkClosed, err)
	}
	return errors.ErrLinkClosed
}

// lineSink decodes line frames and counts consecutive malformed ones
type lineSink struct {
	m         *machine
	decoder   *codec.LineDecoder
	malformed int
}

func (m *machine) newLineSink() *lineSink {
	return &lineSink{m: m, decoder: codec.NewLineDecoder(codec.WithMode(m.cfg.Mode))}
}

// bad records a malformed frame and returns an error once the limit is hit
func (ls *lineSink) bad(cause error) error {
	ls.malformed++
	ls.m.metrics.malformedFrame(string(ls.m.kind))
	ls.m.logger.Debug("malformed frame", "consecutive", ls.malformed, "error", cause)
	if ls.malformed >= ls.m.cfg.MalformedFrameLimit {
		return fmt.Errorf("%d consecutive malformed frames: %w", ls.malformed, cause)
	}
	return nil
}

// handle decodes one line. A non-nil error means the link is lost or ctx
// is done.
func (ls *lineSink) handle(ctx context.Context, line string) error {
	reading, ok, err := ls.decoder.Decode(line)
	switch {
	case errors.Is(err, errors.ErrUnsupportedSensor):
		ls.malformed = 0
		ls.m.logger.Debug("unsupported sensor", "error", err)
		return nil
	case err != nil:
		return ls.bad(err)
	}
	ls.malformed = 0
	if !ok {
		return nil
	}
	return ls.m.emit(ctx, message.Measurement{
		Kind:  reading.Kind,
		Value: reading.Value,
		Raw:   []byte(reading.Raw),
	})
}

// session is one Connect call's lifetime
type session struct {
	cancel context.CancelFunc
	done   chan struct{}
	forced atomic.Bool
	// force is signalled when sever finds no link to close
	force chan struct{}

	mu     sync.Mutex
	link   Link
	closed bool
}

// attach records the live link. It refuses and closes the link when the
// session is already being torn down.
func (s *session) attach(link Link) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		_ = link.Close()
		return false
	}
	s.link = link
	return true
}

// detach closes link if it is still the live one
func (s *session) detach(link Link) {
	s.mu.Lock()
	if s.link != link {
		s.mu.Unlock()
		return
	}
	s.link = nil
	s.mu.Unlock()
	_ = link.Close()
}

// sever closes the live link without ending the session. Sessions that
// never hold a link are signalled on force instead.
func (s *session) sever() {
	s.mu.Lock()
	link := s.link
	s.link = nil
	if link != nil {
		s.forced.Store(true)
	}
	s.mu.Unlock()
	if link != nil {
		_ = link.Close()
		return
	}
	select {
	case s.force <- struct{}{}:
	default:
	}
}

// close marks the session closed and closes its link
func (s *session) close() {
	s.mu.Lock()
	s.closed = true
	link := s.link
	s.link = nil
	s.mu.Unlock()
	if link != nil {
		_ = link.Close()
	}
}
