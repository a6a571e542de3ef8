// Package bluez talks to the BlueZ daemon over the system D-Bus. It provides
// the discovery scanner and the GATT notification transport.
package bluez

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/c360/sensorlink/discovery"
	"github.com/c360/sensorlink/errors"
)

const (
	bluezBus          = "org.bluez"
	adapterIface      = "org.bluez.Adapter1"
	deviceIface       = "org.bluez.Device1"
	gattCharIface     = "org.bluez.GattCharacteristic1"
	propertiesIface   = "org.freedesktop.DBus.Properties"
	objectManager     = "org.freedesktop.DBus.ObjectManager"
	propertiesChanged = propertiesIface + ".PropertiesChanged"
	interfacesAdded   = objectManager + ".InterfacesAdded"

	// DefaultAdapter is the first HCI controller
	DefaultAdapter = "hci0"
)

type managedObjects = map[dbus.ObjectPath]map[string]map[string]dbus.Variant

// Adapter is one BlueZ controller on the system bus
type Adapter struct {
	conn   *dbus.Conn
	name   string
	path   dbus.ObjectPath
	logger *slog.Logger
}

// Open connects to the shared system bus and checks that the named adapter
// exists. A missing bus or adapter is a fatal error.
func Open(name string, logger *slog.Logger) (*Adapter, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, errors.WrapFatal(errors.Join(errors.ErrAdapterAbsent, err), "Adapter", "Open", "system bus connect")
	}
	return NewAdapter(conn, name, logger)
}

// NewAdapter binds conn to the named adapter. The connection is not closed by
// the adapter since dbus.SystemBus returns a shared connection.
func NewAdapter(conn *dbus.Conn, name string, logger *slog.Logger) (*Adapter, error) {
	name, err := sanitizeAdapterName(name)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Adapter", "NewAdapter", "adapter name check")
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Adapter{
		conn:   conn,
		name:   name,
		path:   dbus.ObjectPath("/org/bluez/" + name),
		logger: logger.With("component", "bluez", "adapter", name),
	}

	powered, err := property[bool](conn, a.path, adapterIface, "Powered")
	if err != nil {
		return nil, errors.WrapFatal(errors.Join(errors.ErrAdapterAbsent, err), "Adapter", "NewAdapter", "adapter lookup")
	}
	if !powered {
		a.logger.Warn("adapter is not powered")
	}
	return a, nil
}

// Name returns the HCI controller name
func (a *Adapter) Name() string { return a.name }

// Powered reports the adapter power property
func (a *Adapter) Powered() bool {
	powered, err := property[bool](a.conn, a.path, adapterIface, "Powered")
	return err == nil && powered
}

func (a *Adapter) devicePath(address string) dbus.ObjectPath {
	return devicePath(a.name, address)
}

func (a *Adapter) objects(ctx context.Context) (managedObjects, error) {
	var objects managedObjects
	call := a.conn.Object(bluezBus, "/").CallWithContext(ctx, objectManager+".GetManagedObjects", 0)
	if call.Err != nil {
		return nil, call.Err
	}
	if err := call.Store(&objects); err != nil {
		return nil, fmt.Errorf("decode managed objects: %w", err)
	}
	return objects, nil
}

func (a *Adapter) addMatch(rule string) error {
	return a.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule).Err
}

func (a *Adapter) removeMatch(rule string) {
	_ = a.conn.BusObject().Call("org.freedesktop.DBus.RemoveMatch", 0, rule).Err
}

// devicePath maps "AA:BB:CC:DD:EE:FF" to /org/bluez/hci0/dev_AA_BB_CC_DD_EE_FF
func devicePath(adapter, address string) dbus.ObjectPath {
	dev := strings.ReplaceAll(discovery.NormalizeAddress(address), ":", "_")
	return dbus.ObjectPath(fmt.Sprintf("/org/bluez/%s/dev_%s", adapter, dev))
}

func property[T any](conn *dbus.Conn, path dbus.ObjectPath, iface, name string) (T, error) {
	var zero T
	v, err := conn.Object(bluezBus, path).GetProperty(iface + "." + name)
	if err != nil {
		return zero, err
	}
	val, ok := v.Value().(T)
	if !ok {
		return zero, fmt.Errorf("property %s.%s has unexpected type %T", iface, name, v.Value())
	}
	return val, nil
}

func sanitizeAdapterName(name string) (string, error) {
	if name == "" {
		return DefaultAdapter, nil
	}
	for _, c := range name {
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '_' {
			return "", fmt.Errorf("invalid adapter name %q", name)
		}
	}
	return name, nil
}

// advertisementFrom merges Device1 properties into prev. ok is false when the
// properties carry no address.
func advertisementFrom(prev discovery.Advertisement, props map[string]dbus.Variant, now time.Time) (discovery.Advertisement, bool) {
	adv := prev
	if v, ok := props["Address"]; ok {
		if s, ok := v.Value().(string); ok {
			adv.Address = discovery.NormalizeAddress(s)
		}
	}
	if v, ok := props["Name"]; ok {
		if s, ok := v.Value().(string); ok {
			adv.Name = s
		}
	}
	if v, ok := props["RSSI"]; ok {
		if rssi, ok := v.Value().(int16); ok {
			adv.RSSI = rssi
		}
	}
	if v, ok := props["ManufacturerData"]; ok {
		adv.ManufacturerData = manufacturerData(v)
	}
	adv.Seen = now
	return adv, adv.Address != ""
}

func manufacturerData(v dbus.Variant) map[uint16][]byte {
	raw, ok := v.Value().(map[uint16]dbus.Variant)
	if !ok {
		return nil
	}
	out := make(map[uint16][]byte, len(raw))
	for company, data := range raw {
		if b, ok := data.Value().([]byte); ok {
			out[company] = append([]byte(nil), b...)
		}
	}
	return out
}

// changedProperties extracts the interface name and changed map from a
// PropertiesChanged signal body
func changedProperties(sig *dbus.Signal) (string, map[string]dbus.Variant, bool) {
	if sig == nil || sig.Name != propertiesChanged || len(sig.Body) < 2 {
		return "", nil, false
	}
	iface, ok := sig.Body[0].(string)
	if !ok {
		return "", nil, false
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	return iface, changed, ok
}

// addedDevice extracts Device1 properties from an InterfacesAdded signal
func addedDevice(sig *dbus.Signal) (dbus.ObjectPath, map[string]dbus.Variant, bool) {
	if sig == nil || sig.Name != interfacesAdded || len(sig.Body) < 2 {
		return "", nil, false
	}
	path, ok := sig.Body[0].(dbus.ObjectPath)
	if !ok {
		return "", nil, false
	}
	ifaces, ok := sig.Body[1].(map[string]map[string]dbus.Variant)
	if !ok {
		return "", nil, false
	}
	props, ok := ifaces[deviceIface]
	return path, props, ok
}
