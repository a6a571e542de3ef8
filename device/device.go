package device

import (
	"fmt"

	"github.com/c360/sensorlink/errors"
	"github.com/c360/sensorlink/inventory"
)

// New builds the Connection variant for kind. Stream and notification
// devices need a transport; broadcast devices only need the locator.
func New(kind inventory.Kind, address string, locator Locator, transport Transport, cfg Config, opts ...Option) (Connection, error) {
	if locator == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("nil locator"), "Device", "New", "locator check")
	}
	if inventory.NormalizeAddress(address) == "" {
		return nil, errors.WrapInvalid(fmt.Errorf("empty address"), "Device", "New", "address check")
	}

	m := newMachine(kind, address, locator, transport, cfg, opts...)

	switch kind {
	case inventory.KindStream:
		if transport == nil {
			return nil, errors.WrapInvalid(fmt.Errorf("stream device %s needs a transport", address), "Device", "New", "transport check")
		}
		d := &StreamDevice{machine: m}
		m.serve = d.serve
		return d, nil
	case inventory.KindNotification:
		if transport == nil {
			return nil, errors.WrapInvalid(fmt.Errorf("notification device %s needs a transport", address), "Device", "New", "transport check")
		}
		d := &NotificationDevice{machine: m}
		m.serve = d.serve
		return d, nil
	case inventory.KindBroadcast:
		d := &BroadcastDevice{machine: m}
		m.serve = d.serve
		return d, nil
	default:
		return nil, errors.WrapInvalid(fmt.Errorf("unknown device kind %q", kind), "Device", "New", "kind switch")
	}
}
