package message

import (
	"fmt"
	"time"
)

// SensorKind names the physical quantity a measurement carries
type SensorKind string

// Supported sensor kinds
const (
	KindTemperature SensorKind = "temperature"
	KindHumidity    SensorKind = "humidity"
	KindPM1         SensorKind = "pm1"
	KindPM25        SensorKind = "pm2.5"
	KindPM10        SensorKind = "pm10"
	KindPressure    SensorKind = "pressure"
)

// Unit returns the canonical unit values of this kind are stored in
func (k SensorKind) Unit() string {
	switch k {
	case KindTemperature:
		return "C"
	case KindHumidity:
		return "%"
	case KindPM1, KindPM25, KindPM10:
		return "ug/m3"
	case KindPressure:
		return "Pa"
	default:
		return ""
	}
}

// Valid reports whether k is one of the supported kinds
func (k SensorKind) Valid() bool {
	return k.Unit() != ""
}

// Position is a location snapshot attached to a measurement or envelope.
type Position struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Accuracy  float64   `json:"accuracy,omitempty"`
	Altitude  *float64  `json:"altitude,omitempty"`
	Timestamp time.Time `json:"-"`
}

// Measurement is one decoded sample. It is immutable once emitted; Sequence
// is strictly increasing and gap free per device.
type Measurement struct {
	DeviceAddress string
	Kind          SensorKind
	Value         *float64
	Timestamp     time.Time
	Sequence      uint64
	Raw           []byte
	Position      *Position
}

// HasValue reports whether the source carried a parseable value
func (m Measurement) HasValue() bool {
	return m.Value != nil
}

// String renders the measurement for logs
func (m Measurement) String() string {
	if m.Value == nil {
		return fmt.Sprintf("%s#%d %s=<absent>", m.DeviceAddress, m.Sequence, m.Kind)
	}
	return fmt.Sprintf("%s#%d %s=%.3f%s", m.DeviceAddress, m.Sequence, m.Kind, *m.Value, m.Kind.Unit())
}

// Float returns a pointer to v
func Float(v float64) *float64 {
	return &v
}
