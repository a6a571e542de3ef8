package message

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/c360/sensorlink/errors"
	"github.com/c360/sensorlink/pkg/timestamp"
)

// SchemaVersion is the envelope schema emitted by this build
const SchemaVersion = 1

// EnvelopeType is the payload kind carried by an envelope
type EnvelopeType string

// Envelope payload kinds
const (
	EnvelopeLocation    EnvelopeType = "location"
	EnvelopeHeartbeat   EnvelopeType = "heartbeat"
	EnvelopeMeasurement EnvelopeType = "measurement"
)

// Envelope is one outbound broker message. Username is left empty until the
// uplink stamps it at flush time. Exactly one of the embedded payloads is set
// and its fields are inlined in the JSON object.
type Envelope struct {
	Type              EnvelopeType `json:"type"`
	Timestamp         int64        `json:"timestamp"`
	AppVersionCode    int          `json:"appVersionCode"`
	Username          string       `json:"username"`
	TrackingSessionID string       `json:"trackingSessionId"`
	SchemaVersion     int          `json:"schemaVersion"`

	*LocationPayload
	*HeartbeatPayload
	*MeasurementPayload
}

// LocationPayload carries a position fix
type LocationPayload struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Accuracy  float64  `json:"accuracy,omitempty"`
	Altitude  *float64 `json:"altitude,omitempty"`
}

// HeartbeatPayload reports that a tracking session is alive
type HeartbeatPayload struct {
	ConnectedDevices int `json:"connectedDevices"`
}

// MeasurementPayload carries one sensor sample
type MeasurementPayload struct {
	DeviceAddress string    `json:"deviceAddress"`
	SensorType    string    `json:"sensorType"`
	Value         *float64  `json:"value"`
	Unit          string    `json:"unit"`
	Sequence      uint64    `json:"sequence"`
	MeasuredAt    int64     `json:"measuredAt"`
	Raw           string    `json:"raw,omitempty"`
	Position      *Position `json:"position,omitempty"`
}

// NewMeasurementEnvelope wraps a decoded measurement
func NewMeasurementEnvelope(m Measurement) Envelope {
	return Envelope{
		Type:          EnvelopeMeasurement,
		Timestamp:     timestamp.Now(),
		SchemaVersion: SchemaVersion,
		MeasurementPayload: &MeasurementPayload{
			DeviceAddress: m.DeviceAddress,
			SensorType:    string(m.Kind),
			Value:         m.Value,
			Unit:          m.Kind.Unit(),
			Sequence:      m.Sequence,
			MeasuredAt:    timestamp.ToUnixMs(m.Timestamp),
			Raw:           string(m.Raw),
			Position:      m.Position,
		},
	}
}

// NewLocationEnvelope wraps a position fix
func NewLocationEnvelope(p Position) Envelope {
	return Envelope{
		Type:          EnvelopeLocation,
		Timestamp:     timestamp.Now(),
		SchemaVersion: SchemaVersion,
		LocationPayload: &LocationPayload{
			Latitude:  p.Latitude,
			Longitude: p.Longitude,
			Accuracy:  p.Accuracy,
			Altitude:  p.Altitude,
		},
	}
}

// NewHeartbeatEnvelope reports session liveness
func NewHeartbeatEnvelope(connectedDevices int) Envelope {
	return Envelope{
		Type:             EnvelopeHeartbeat,
		Timestamp:        timestamp.Now(),
		SchemaVersion:    SchemaVersion,
		HeartbeatPayload: &HeartbeatPayload{ConnectedDevices: connectedDevices},
	}
}

// WithUser returns a copy stamped with the authenticated identity
func (e Envelope) WithUser(username string) Envelope {
	e.Username = username
	return e
}

// Validate checks that the envelope carries the payload its type names
func (e Envelope) Validate() error {
	var ok bool
	switch e.Type {
	case EnvelopeLocation:
		ok = e.LocationPayload != nil
	case EnvelopeHeartbeat:
		ok = e.HeartbeatPayload != nil
	case EnvelopeMeasurement:
		ok = e.MeasurementPayload != nil
	default:
		return errors.WrapInvalid(fmt.Errorf("unknown envelope type %q", e.Type), "Envelope", "Validate", "type check")
	}
	if !ok {
		return errors.WrapInvalid(fmt.Errorf("%s envelope without payload", e.Type), "Envelope", "Validate", "payload check")
	}
	if e.Timestamp == 0 {
		return errors.WrapInvalid(fmt.Errorf("missing timestamp"), "Envelope", "Validate", "timestamp check")
	}
	return nil
}

// Marshal validates and serializes the envelope
func (e Envelope) Marshal() ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Envelope", "Marshal", "json encode")
	}
	return data, nil
}

var subjectToken = strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_")

// Topic renders a single-%s topic template for username. Characters that
// split or wildcard a NATS subject are replaced with underscores.
func Topic(template, username string) string {
	return fmt.Sprintf(template, subjectToken.Replace(username))
}
