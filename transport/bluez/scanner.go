package bluez

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/c360/sensorlink/discovery"
	"github.com/c360/sensorlink/errors"
)

// Scan runs LE discovery until ctx is done and reports every advertisement
// seen under this adapter. It implements discovery.Scanner.
func (a *Adapter) Scan(ctx context.Context, found func(discovery.Advertisement)) error {
	rules := []string{
		fmt.Sprintf("type='signal',sender='%s',interface='%s',member='InterfacesAdded'", bluezBus, objectManager),
		fmt.Sprintf("type='signal',sender='%s',interface='%s',member='PropertiesChanged',path_namespace='%s'",
			bluezBus, propertiesIface, a.path),
	}
	for i, rule := range rules {
		if err := a.addMatch(rule); err != nil {
			for _, added := range rules[:i] {
				a.removeMatch(added)
			}
			return errors.WrapTransient(errors.Join(errors.ErrTransport, err), "Adapter", "Scan", "add signal match")
		}
	}
	defer func() {
		for _, rule := range rules {
			a.removeMatch(rule)
		}
	}()

	signals := make(chan *dbus.Signal, 256)
	a.conn.Signal(signals)
	defer a.conn.RemoveSignal(signals)

	adapter := a.conn.Object(bluezBus, a.path)
	filter := map[string]dbus.Variant{
		"Transport":     dbus.MakeVariant("le"),
		"DuplicateData": dbus.MakeVariant(true),
	}
	if call := adapter.CallWithContext(ctx, adapterIface+".SetDiscoveryFilter", 0, filter); call.Err != nil {
		a.logger.Debug("discovery filter rejected", "error", call.Err)
	}
	if call := adapter.CallWithContext(ctx, adapterIface+".StartDiscovery", 0); call.Err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return errors.WrapTransient(errors.Join(errors.ErrTransport, call.Err), "Adapter", "Scan", "start discovery")
	}
	a.logger.Debug("discovery started")
	defer func() {
		if call := adapter.Call(adapterIface+".StopDiscovery", 0); call.Err != nil {
			a.logger.Debug("stop discovery", "error", call.Err)
		}
	}()

	t := newTracker(a.name)
	// devices BlueZ already knows about only report property changes
	if objects, err := a.objects(ctx); err == nil {
		for path, ifaces := range objects {
			if props, ok := ifaces[deviceIface]; ok {
				t.seed(path, props)
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case sig, ok := <-signals:
			if !ok {
				return errors.WrapTransient(errors.ErrTransport, "Adapter", "Scan", "signal channel closed")
			}
			if adv, ok := t.handle(sig, time.Now()); ok {
				found(adv)
			}
		}
	}
}

// tracker keeps the last known properties per device path so partial
// PropertiesChanged signals can be reported as full advertisements
type tracker struct {
	prefix  string
	devices map[dbus.ObjectPath]discovery.Advertisement
}

func newTracker(adapter string) *tracker {
	return &tracker{
		prefix:  "/org/bluez/" + adapter + "/",
		devices: make(map[dbus.ObjectPath]discovery.Advertisement),
	}
}

func (t *tracker) owns(path dbus.ObjectPath) bool {
	p := string(path)
	return strings.HasPrefix(p, t.prefix) && !strings.Contains(p[len(t.prefix):], "/")
}

func (t *tracker) seed(path dbus.ObjectPath, props map[string]dbus.Variant) {
	if !t.owns(path) {
		return
	}
	if adv, ok := advertisementFrom(discovery.Advertisement{}, props, time.Time{}); ok {
		// cached manufacturer data may be stale
		adv.ManufacturerData = nil
		t.devices[path] = adv
	}
}

func (t *tracker) handle(sig *dbus.Signal, now time.Time) (discovery.Advertisement, bool) {
	if path, props, ok := addedDevice(sig); ok {
		if !t.owns(path) {
			return discovery.Advertisement{}, false
		}
		adv, ok := advertisementFrom(discovery.Advertisement{}, props, now)
		if !ok {
			return adv, false
		}
		t.devices[path] = adv
		return adv, true
	}

	iface, changed, ok := changedProperties(sig)
	if !ok || iface != deviceIface || !t.owns(sig.Path) {
		return discovery.Advertisement{}, false
	}
	// only RSSI or manufacturer data updates mean the device is on air
	_, rssi := changed["RSSI"]
	_, mfr := changed["ManufacturerData"]
	if !rssi && !mfr {
		return discovery.Advertisement{}, false
	}
	prev, known := t.devices[sig.Path]
	if !known {
		return discovery.Advertisement{}, false
	}
	adv, ok := advertisementFrom(prev, changed, now)
	if !ok {
		return adv, false
	}
	t.devices[sig.Path] = adv
	return adv, true
}
