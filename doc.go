// Package sensorlink relays measurements from Bluetooth air-quality sensors to
// a NATS JetStream broker.
//
// # Pipeline
//
//	discovery  ->  device  ->  codec  ->  tracking / uplink  ->  NATS
//
// The discovery scheduler scans the local adapter with exponential backoff
// and answers on-demand lookups. The device manager owns one connection state
// machine per sensor in the inventory. Each machine dials the sensor over the
// transport its kind needs (RFCOMM stream, GATT notifications or
// advertisement broadcast), decodes frames with the codec and emits
// Measurements carrying a gap-free per-device sequence number.
//
// The tracking session tags measurements with the current position, emits
// heartbeats and location fixes, and hands envelopes to the uplink. The uplink
// persists every frame in the durable frame store before publishing, stamps
// the authenticated username at flush time and removes a frame only after the
// broker acknowledges it. Frames survive restarts and are replayed in order.
//
// # Packages
//
//	codec            line and broadcast frame decoding
//	device           connection state machine and device manager
//	discovery        scan scheduler
//	inventory        known sensors (memory, SQLite, NATS KV, LRU cache)
//	transport/...    BlueZ D-Bus and RFCOMM transports
//	tracking         session identity, heartbeats, location
//	uplink           durable buffering and broker delivery
//	storage/...      frame store (memory, SQLite)
//	auth             credential provider with circuit breaker
//	gateway/http     operator API
//	config, health, metric, natsclient, errors
//
// The cmd/sensorlink binary wires these together.
package sensorlink
