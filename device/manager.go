package device

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/sensorlink/errors"
	"github.com/c360/sensorlink/inventory"
	"github.com/c360/sensorlink/message"
	"github.com/c360/sensorlink/metric"
)

const (
	fanInBuffer      = 256
	writeBackTimeout = 5 * time.Second
)

// Transports maps each connection-oriented kind to its transport
type Transports map[inventory.Kind]Transport

// Status is a device record joined with its live connection state
type Status struct {
	inventory.Device
	State     ConnectionState `json:"state"`
	Sequence  uint64          `json:"sequence"`
	LastError string          `json:"last_error,omitempty"`
}

// Manager owns one Connection per inventory device. It fans measurements
// from every connection into one channel and writes actual connection
// states back to the inventory.
type Manager struct {
	store      inventory.Store
	locator    Locator
	transports Transports
	cfg        Config
	logger     *slog.Logger
	metrics    *Metrics
	metricsErr error

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	entries map[string]*entry
	closed  bool

	out     chan message.Measurement
	running atomic.Bool
	wg      sync.WaitGroup
}

type entry struct {
	conn Connection
	stop context.CancelFunc
}

// ManagerOption configures a Manager
type ManagerOption func(*Manager)

// WithManagerLogger sets the manager logger, shared by its connections
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithRegistry registers device metrics with registry
func WithRegistry(registry metric.MetricsRegistrar) ManagerOption {
	return func(m *Manager) {
		if registry == nil {
			return
		}
		m.metrics, m.metricsErr = NewMetrics(registry)
	}
}

// NewManager creates a manager over store. transports may omit kinds no
// device uses.
func NewManager(store inventory.Store, locator Locator, transports Transports, cfg Config, opts ...ManagerOption) (*Manager, error) {
	if store == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("nil inventory store"), "Manager", "NewManager", "store check")
	}
	if locator == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("nil locator"), "Manager", "NewManager", "locator check")
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		store:      store,
		locator:    locator,
		transports: transports,
		cfg:        cfg,
		logger:     slog.Default(),
		ctx:        ctx,
		cancel:     cancel,
		entries:    make(map[string]*entry),
		out:        make(chan message.Measurement, fanInBuffer),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.metricsErr != nil {
		cancel()
		return nil, errors.Wrap(m.metricsErr, "Manager", "NewManager", "metrics registration")
	}
	m.logger = m.logger.With("component", "device-manager")
	return m, nil
}

// Measurements returns the fan-in of every connection's measurements
func (m *Manager) Measurements() <-chan message.Measurement { return m.out }

// Run restores inventory connections and blocks until ctx is done, then
// disconnects every device.
func (m *Manager) Run(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return errors.ErrAlreadyStarted
	}

	n, err := m.RestoreAll(ctx)
	if err != nil {
		m.logger.Error("inventory restore failed", "error", err)
	} else {
		m.logger.Info("device manager started", "restored", n)
	}

	<-ctx.Done()
	m.Close()
	m.logger.Info("device manager stopped")
	return ctx.Err()
}

// Close disconnects every device and stops fan-in. Target states are left
// untouched so the next RestoreAll reconnects the same devices.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	entries := m.entries
	m.entries = make(map[string]*entry)
	m.mu.Unlock()

	for _, e := range entries {
		e.conn.Disconnect()
		e.stop()
	}
	m.cancel()
	m.wg.Wait()

	for addr := range entries {
		m.recordActual(context.Background(), addr, StateDisconnected)
	}
}

// Add registers dev in the inventory and creates its connection. Adding a
// known address with the same kind returns the existing connection.
func (m *Manager) Add(ctx context.Context, dev inventory.Device) (Connection, error) {
	if err := dev.Validate(); err != nil {
		return nil, err
	}
	dev.Address = inventory.NormalizeAddress(dev.Address)

	if existing, ok := m.Get(dev.Address); ok {
		if existing.Kind() == dev.Kind {
			return existing, m.store.Put(ctx, m.merge(ctx, dev))
		}
		m.drop(dev.Address)
	}

	if err := m.store.Put(ctx, m.merge(ctx, dev)); err != nil {
		return nil, errors.Wrap(err, "Manager", "Add", "inventory put")
	}
	return m.attach(dev)
}

// merge keeps the stored target state when dev leaves it unset
func (m *Manager) merge(ctx context.Context, dev inventory.Device) inventory.Device {
	if stored, err := m.store.Get(ctx, dev.Address); err == nil && dev.TargetState == StateNone {
		dev.TargetState = stored.TargetState
	}
	dev.ActualState = StateDisconnected
	if conn, ok := m.Get(dev.Address); ok {
		dev.ActualState = conn.State()
	}
	return dev
}

func (m *Manager) attach(dev inventory.Device) (Connection, error) {
	conn, err := New(dev.Kind, dev.Address, m.locator, m.transports[dev.Kind], m.cfg,
		WithLogger(m.logger), WithMetrics(m.metrics))
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errors.WrapTransient(errors.ErrShuttingDown, "Manager", "Add", "state check")
	}
	if e, ok := m.entries[dev.Address]; ok {
		m.mu.Unlock()
		return e.conn, nil
	}
	ectx, stop := context.WithCancel(m.ctx)
	m.entries[dev.Address] = &entry{conn: conn, stop: stop}
	m.mu.Unlock()

	states, unsubscribe := conn.Subscribe(16)
	m.wg.Add(2)
	go func() {
		defer m.wg.Done()
		defer unsubscribe()
		for {
			select {
			case <-ectx.Done():
				return
			case st := <-states:
				m.recordActual(ectx, dev.Address, st)
			}
		}
	}()
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-ectx.Done():
				return
			case meas := <-conn.Measurements():
				select {
				case m.out <- meas:
				case <-ectx.Done():
					return
				}
			}
		}
	}()

	m.logger.Debug("device added", "address", dev.Address, "kind", string(dev.Kind))
	return conn, nil
}

func (m *Manager) recordActual(ctx context.Context, addr string, st ConnectionState) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeBackTimeout)
	defer cancel()

	// Only ActualState is written. Target changes made concurrently by
	// Connect and Disconnect survive.
	_, err := m.store.Update(ctx, addr, func(dev *inventory.Device) error {
		dev.ActualState = st
		return nil
	})
	if err != nil && !errors.Is(err, errors.ErrKeyNotFound) {
		m.logger.Warn("inventory write-back failed", "address", addr, "state", st.String(), "error", err)
	}
}

func (m *Manager) drop(addr string) (Connection, bool) {
	m.mu.Lock()
	e, ok := m.entries[addr]
	delete(m.entries, addr)
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	e.conn.Disconnect()
	e.stop()
	return e.conn, true
}

// Remove disconnects addr and deletes it from the inventory
func (m *Manager) Remove(ctx context.Context, addr string) error {
	addr = inventory.NormalizeAddress(addr)
	m.drop(addr)
	if err := m.store.Delete(ctx, addr); err != nil {
		return errors.Wrap(err, "Manager", "Remove", "inventory delete")
	}
	m.logger.Info("device removed", "address", addr)
	return nil
}

// Get returns the live connection for addr
func (m *Manager) Get(addr string) (Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[inventory.NormalizeAddress(addr)]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// List returns every inventory device with its live state
func (m *Manager) List(ctx context.Context) ([]Status, error) {
	devices, err := m.store.List(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "Manager", "List", "inventory list")
	}
	out := make([]Status, 0, len(devices))
	for _, dev := range devices {
		out = append(out, m.status(dev))
	}
	return out, nil
}

// Status returns one device with its live state
func (m *Manager) Status(ctx context.Context, addr string) (Status, error) {
	dev, err := m.store.Get(ctx, inventory.NormalizeAddress(addr))
	if err != nil {
		return Status{}, err
	}
	return m.status(dev), nil
}

func (m *Manager) status(dev inventory.Device) Status {
	st := Status{Device: dev, State: StateDisconnected}
	if conn, ok := m.Get(dev.Address); ok {
		st.State = conn.State()
		if seq, ok := conn.(interface{ Sequence() uint64 }); ok {
			st.Sequence = seq.Sequence()
		}
		if err := conn.Err(); err != nil {
			st.LastError = err.Error()
		}
	}
	return st
}

// Connect marks addr's target state CONNECTED and starts its session. The
// session lives until Disconnect, Remove or Close, not until ctx is done.
func (m *Manager) Connect(ctx context.Context, addr string) error {
	conn, err := m.ensure(ctx, addr)
	if err != nil {
		return err
	}
	if err := m.setTarget(ctx, conn.Address(), StateConnected); err != nil {
		return err
	}
	return conn.Connect(m.ctx)
}

// Disconnect marks addr's target state DISCONNECTED and ends its session
func (m *Manager) Disconnect(ctx context.Context, addr string) error {
	addr = inventory.NormalizeAddress(addr)
	if err := m.setTarget(ctx, addr, StateDisconnected); err != nil {
		return err
	}
	if conn, ok := m.Get(addr); ok {
		conn.Disconnect()
	}
	return nil
}

// ForceReconnect severs addr's link and reconnects it
func (m *Manager) ForceReconnect(addr string) error {
	conn, ok := m.Get(addr)
	if !ok {
		return errors.WrapInvalid(fmt.Errorf("%s: %w", addr, errors.ErrNotFound), "Manager", "ForceReconnect", "device lookup")
	}
	return conn.ForceReconnect()
}

// RestoreAll creates a connection for every inventory device and connects
// those whose target state is CONNECTED. It returns how many it connected.
func (m *Manager) RestoreAll(ctx context.Context) (int, error) {
	devices, err := m.store.List(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "Manager", "RestoreAll", "inventory list")
	}

	connected := 0
	for _, dev := range devices {
		conn, ok := m.Get(dev.Address)
		if !ok {
			if conn, err = m.attach(dev); err != nil {
				m.logger.Warn("device restore failed", "address", dev.Address, "error", err)
				continue
			}
		}
		if dev.TargetState != StateConnected {
			continue
		}
		if err := conn.Connect(m.ctx); err != nil {
			m.logger.Warn("device reconnect failed", "address", dev.Address, "error", err)
			continue
		}
		connected++
	}
	return connected, nil
}

// Counts returns the number of live connections in each state
func (m *Manager) Counts() map[ConnectionState]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[ConnectionState]int, len(m.entries))
	for _, e := range m.entries {
		counts[e.conn.State()]++
	}
	return counts
}

func (m *Manager) ensure(ctx context.Context, addr string) (Connection, error) {
	if conn, ok := m.Get(addr); ok {
		return conn, nil
	}
	dev, err := m.store.Get(ctx, inventory.NormalizeAddress(addr))
	if err != nil {
		return nil, errors.Wrap(err, "Manager", "ensure", "inventory get")
	}
	return m.attach(dev)
}

func (m *Manager) setTarget(ctx context.Context, addr string, target ConnectionState) error {
	_, err := m.store.Update(ctx, addr, func(dev *inventory.Device) error {
		dev.TargetState = target
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "Manager", "setTarget", "inventory update")
	}
	return nil
}
