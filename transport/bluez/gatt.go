package bluez

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/c360/sensorlink/device"
	"github.com/c360/sensorlink/discovery"
	"github.com/c360/sensorlink/errors"
)

// NordicUARTTX is the notify characteristic of the Nordic UART service that
// BLE air-quality sensors stream their text lines on
const NordicUARTTX = "6e400003-b5a3-f393-e0a9-e50e24dcca9e"

// NotifyConfig selects the characteristic and bounds the GATT setup
type NotifyConfig struct {
	Characteristic  string        `json:"characteristic"`
	ConnectTimeout  time.Duration `json:"connect_timeout"`
	ResolveTimeout  time.Duration `json:"resolve_timeout"`
	ChunkBuffer     int           `json:"chunk_buffer"`
	DisconnectOnEnd bool          `json:"disconnect_on_end"`
}

// DefaultNotifyConfig subscribes to the Nordic UART TX characteristic
func DefaultNotifyConfig() NotifyConfig {
	return NotifyConfig{
		Characteristic:  NordicUARTTX,
		ConnectTimeout:  10 * time.Second,
		ResolveTimeout:  15 * time.Second,
		ChunkBuffer:     64,
		DisconnectOnEnd: true,
	}
}

// NotifyTransport opens GATT notification links. It implements
// device.Transport for notification devices.
type NotifyTransport struct {
	adapter *Adapter
	cfg     NotifyConfig
}

// NewNotifyTransport creates a transport on adapter
func NewNotifyTransport(adapter *Adapter, cfg NotifyConfig) *NotifyTransport {
	def := DefaultNotifyConfig()
	if cfg.Characteristic == "" {
		cfg.Characteristic = def.Characteristic
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = def.ResolveTimeout
	}
	if cfg.ChunkBuffer <= 0 {
		cfg.ChunkBuffer = def.ChunkBuffer
	}
	cfg.Characteristic = strings.ToLower(cfg.Characteristic)
	return &NotifyTransport{adapter: adapter, cfg: cfg}
}

// Open connects to adv, resolves its services and starts notifications
func (t *NotifyTransport) Open(ctx context.Context, adv discovery.Advertisement) (device.Link, error) {
	a := t.adapter
	devPath := a.devicePath(adv.Address)
	dev := a.conn.Object(bluezBus, devPath)
	logger := a.logger.With("device", adv.Address)

	if connected, err := property[bool](a.conn, devPath, deviceIface, "Connected"); err != nil || !connected {
		cctx, cancel := context.WithTimeout(ctx, t.cfg.ConnectTimeout)
		call := dev.CallWithContext(cctx, deviceIface+".Connect", 0)
		cancel()
		if call.Err != nil {
			return nil, errors.WrapTransient(errors.Join(errors.ErrTransport, call.Err), "NotifyTransport", "Open", "device connect")
		}
	}

	release := func() {
		if t.cfg.DisconnectOnEnd {
			dev.Call(deviceIface+".Disconnect", 0)
		}
	}

	if err := t.waitResolved(ctx, devPath); err != nil {
		release()
		return nil, errors.WrapTransient(errors.Join(errors.ErrTransport, err), "NotifyTransport", "Open", "service discovery")
	}

	charPath, err := t.findCharacteristic(ctx, devPath)
	if err != nil {
		release()
		return nil, errors.WrapTransient(errors.Join(errors.ErrTransport, err), "NotifyTransport", "Open", "characteristic lookup")
	}

	rule := fmt.Sprintf("type='signal',sender='%s',interface='%s',member='PropertiesChanged',path_namespace='%s'",
		bluezBus, propertiesIface, devPath)
	if err := a.addMatch(rule); err != nil {
		release()
		return nil, errors.WrapTransient(errors.Join(errors.ErrTransport, err), "NotifyTransport", "Open", "add signal match")
	}
	signals := make(chan *dbus.Signal, t.cfg.ChunkBuffer)
	a.conn.Signal(signals)

	char := a.conn.Object(bluezBus, charPath)
	unsubscribe := func() {
		a.conn.RemoveSignal(signals)
		a.removeMatch(rule)
	}
	if call := char.CallWithContext(ctx, gattCharIface+".StartNotify", 0); call.Err != nil {
		unsubscribe()
		release()
		return nil, errors.WrapTransient(errors.Join(errors.ErrTransport, call.Err), "NotifyTransport", "Open", "start notify")
	}

	logger.Info("notifications started", "characteristic", charPath)
	link := newNotifyLink(signals, charPath, devPath, t.cfg.ChunkBuffer, func() {
		char.Call(gattCharIface+".StopNotify", 0)
		unsubscribe()
		release()
		logger.Debug("notification link released")
	})
	go link.pump()
	return link, nil
}

func (t *NotifyTransport) waitResolved(ctx context.Context, devPath dbus.ObjectPath) error {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.ResolveTimeout)
	defer cancel()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		if resolved, err := property[bool](t.adapter.conn, devPath, deviceIface, "ServicesResolved"); err == nil && resolved {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("services not resolved: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (t *NotifyTransport) findCharacteristic(ctx context.Context, devPath dbus.ObjectPath) (dbus.ObjectPath, error) {
	objects, err := t.adapter.objects(ctx)
	if err != nil {
		return "", err
	}
	return characteristicPath(objects, devPath, t.cfg.Characteristic)
}

func characteristicPath(objects managedObjects, devPath dbus.ObjectPath, uuid string) (dbus.ObjectPath, error) {
	prefix := string(devPath) + "/"
	for path, ifaces := range objects {
		props, ok := ifaces[gattCharIface]
		if !ok || !strings.HasPrefix(string(path), prefix) {
			continue
		}
		v, ok := props["UUID"]
		if !ok {
			continue
		}
		if s, ok := v.Value().(string); ok && strings.EqualFold(s, uuid) {
			return path, nil
		}
	}
	return "", fmt.Errorf("characteristic %s not found under %s", uuid, devPath)
}

// notifyLink turns characteristic value changes into chunks. The link ends
// when the device reports Connected=false or Close is called.
type notifyLink struct {
	chunks   chan []byte
	signals  <-chan *dbus.Signal
	charPath dbus.ObjectPath
	devPath  dbus.ObjectPath
	release  func()

	done     chan struct{}
	exited   chan struct{}
	stopOnce sync.Once
	relOnce  sync.Once
	err      atomic.Pointer[error]
}

func newNotifyLink(signals <-chan *dbus.Signal, charPath, devPath dbus.ObjectPath, buffer int, release func()) *notifyLink {
	return &notifyLink{
		chunks:   make(chan []byte, buffer),
		signals:  signals,
		charPath: charPath,
		devPath:  devPath,
		release:  release,
		done:     make(chan struct{}),
		exited:   make(chan struct{}),
	}
}

func (l *notifyLink) Chunks() <-chan []byte { return l.chunks }

func (l *notifyLink) Err() error {
	if p := l.err.Load(); p != nil {
		return *p
	}
	return nil
}

func (l *notifyLink) Close() error {
	l.stopOnce.Do(func() { close(l.done) })
	<-l.exited
	l.relOnce.Do(l.release)
	return nil
}

func (l *notifyLink) fail(err error) {
	l.err.Store(&err)
}

func (l *notifyLink) pump() {
	defer close(l.exited)
	defer close(l.chunks)

	for {
		select {
		case <-l.done:
			return
		case sig := <-l.signals:
			iface, changed, ok := changedProperties(sig)
			if !ok {
				continue
			}
			switch {
			case sig.Path == l.charPath && iface == gattCharIface:
				v, ok := changed["Value"]
				if !ok {
					continue
				}
				value, ok := v.Value().([]byte)
				if !ok || len(value) == 0 {
					continue
				}
				select {
				case l.chunks <- append([]byte(nil), value...):
				case <-l.done:
					return
				}
			case sig.Path == l.devPath && iface == deviceIface:
				v, ok := changed["Connected"]
				if !ok {
					continue
				}
				if connected, ok := v.Value().(bool); ok && !connected {
					l.fail(errors.WrapTransient(errors.ErrLinkClosed, "notifyLink", "pump", "device disconnected"))
					go l.relOnce.Do(l.release)
					return
				}
			}
		}
	}
}
