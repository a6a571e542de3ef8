// Package codec decodes sensor wire formats into typed readings.
//
// Two stateless decoders are provided:
//
//   - LineDecoder parses AirBeam ASCII line frames: twelve semicolon
//     separated fields, a device tag with a known prefix in field 1 and a
//     sensor label in field 2. Fahrenheit temperatures are converted to
//     Celsius.
//   - DecodeBroadcast parses Ruuvi data format 5 manufacturer payloads
//     (big-endian). DecodeBroadcastRaw accepts the undecoded advertisement
//     and strips the transport header first.
//
// LineAssembler turns chunked byte streams into lines before decoding.
//
// All structural failures wrap errors.ErrProtocol so callers can tell a
// desynchronized link from an unsupported sensor.
package codec
