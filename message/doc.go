// Package message defines the values that flow from sensors to the broker.
//
// A Measurement is one decoded sample produced by a device connection. It
// carries the device address, the sensor kind, an optional value (absent
// when the source frame could not be parsed), the receive time and a per
// device sequence number.
//
// An Envelope is the JSON object published to the broker. Three payload
// kinds exist:
//
//   - location: a position fix from the tracking session
//   - heartbeat: session liveness with the connected device count
//   - measurement: one sensor sample, optionally tagged with a position
//
// Payload fields are inlined next to the common header fields (type,
// timestamp, appVersionCode, username, trackingSessionId, schemaVersion).
// Username stays empty until the uplink stamps it with WithUser at flush
// time, so frames buffered while offline carry the identity that is valid
// when they are finally published.
//
// Example:
//
//	env := message.NewMeasurementEnvelope(m)
//	env.TrackingSessionID = sessionID
//	data, err := env.WithUser("alice").Marshal()
//	subject := message.Topic("sensorlink.%s.telemetry", "alice")
package message
