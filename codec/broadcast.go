package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/c360/sensorlink/errors"
	"github.com/c360/sensorlink/message"
)

const (
	// RuuviCompanyID is the Bluetooth SIG company identifier carried in the
	// manufacturer data AD structure
	RuuviCompanyID uint16 = 0x0499

	// FormatRAWv2 is the only broadcast format decoded
	FormatRAWv2 byte = 0x05

	adTypeManufacturer byte = 0xFF
	manufacturerHeader      = 4 // length, type, company id (little endian)

	minPayload   = 13 // format tag through acceleration Z
	powerPayload = 18 // adds power info, movement counter, sequence
	fullPayload  = 24 // adds MAC

	invalidTemperature uint16 = 0x8000
	invalidUnsigned    uint16 = 0xFFFF
)

// BroadcastReading is one decoded format 5 frame. Temperature in Celsius,
// humidity in percent, pressure in Pa and acceleration in g.
type BroadcastReading struct {
	Format      byte
	Temperature float64
	Humidity    float64
	Pressure    float64
	AccelX      float64
	AccelY      float64
	AccelZ      float64

	// Present only when the payload carries the power block
	BatteryMillivolts int
	TxPowerDBm        int
	MovementCounter   uint8
	Sequence          uint16

	// Present only for full length payloads
	MAC string

	rawTemperature uint16
	rawHumidity    uint16
	rawPressure    uint16
}

// DecodeBroadcast decodes a manufacturer payload starting at the format tag.
func DecodeBroadcast(payload []byte) (BroadcastReading, error) {
	if len(payload) < minPayload {
		return BroadcastReading{}, fmt.Errorf("%w: payload %d bytes, want at least %d", errors.ErrInvalidFrame, len(payload), minPayload)
	}
	if payload[0] != FormatRAWv2 {
		return BroadcastReading{}, fmt.Errorf("%w: unsupported format 0x%02x", errors.ErrInvalidFrame, payload[0])
	}

	be := binary.BigEndian
	r := BroadcastReading{
		Format:         payload[0],
		rawTemperature: be.Uint16(payload[1:3]),
		rawHumidity:    be.Uint16(payload[3:5]),
		rawPressure:    be.Uint16(payload[5:7]),
	}
	r.Temperature = float64(int16(r.rawTemperature)) * 0.005
	r.Humidity = float64(r.rawHumidity) * 0.0025
	r.Pressure = float64(r.rawPressure) + 50000
	r.AccelX = float64(int16(be.Uint16(payload[7:9]))) / 1000
	r.AccelY = float64(int16(be.Uint16(payload[9:11]))) / 1000
	r.AccelZ = float64(int16(be.Uint16(payload[11:13]))) / 1000

	if len(payload) >= powerPayload {
		power := be.Uint16(payload[13:15])
		r.BatteryMillivolts = int(power>>5) + 1600
		r.TxPowerDBm = int(power&0x1F)*2 - 40
		r.MovementCounter = payload[15]
		r.Sequence = be.Uint16(payload[16:18])
	}
	if len(payload) >= fullPayload {
		m := payload[18:24]
		r.MAC = fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", m[0], m[1], m[2], m[3], m[4], m[5])
	}
	return r, nil
}

// DecodeBroadcastWithHeader skips headerLen leading bytes and decodes the rest.
func DecodeBroadcastWithHeader(data []byte, headerLen int) (BroadcastReading, error) {
	if headerLen < 0 || headerLen > len(data) {
		return BroadcastReading{}, fmt.Errorf("%w: header length %d exceeds frame of %d bytes", errors.ErrInvalidFrame, headerLen, len(data))
	}
	return DecodeBroadcast(data[headerLen:])
}

// DecodeBroadcastRaw decodes a raw advertisement: a self-describing leading
// AD structure of raw[0]+1 bytes, then the manufacturer AD header, then the
// payload. The result equals DecodeBroadcast on the stripped payload.
func DecodeBroadcastRaw(raw []byte) (BroadcastReading, error) {
	if len(raw) == 0 {
		return BroadcastReading{}, fmt.Errorf("%w: empty frame", errors.ErrInvalidFrame)
	}
	skip := int(raw[0]) + 1
	if skip+manufacturerHeader > len(raw) {
		return BroadcastReading{}, fmt.Errorf("%w: truncated transport header", errors.ErrInvalidFrame)
	}
	hdr := raw[skip : skip+manufacturerHeader]
	if hdr[1] != adTypeManufacturer {
		return BroadcastReading{}, fmt.Errorf("%w: AD type 0x%02x is not manufacturer data", errors.ErrInvalidFrame, hdr[1])
	}
	if id := binary.LittleEndian.Uint16(hdr[2:4]); id != RuuviCompanyID {
		return BroadcastReading{}, fmt.Errorf("%w: company id 0x%04x", errors.ErrInvalidFrame, id)
	}
	return DecodeBroadcastWithHeader(raw, skip+manufacturerHeader)
}

// Sample is one kind/value pair extracted from a frame
type Sample struct {
	Kind  message.SensorKind
	Value float64
}

// Samples returns the environmental values as measurement samples. Fields
// holding the format's "not available" marker are omitted.
func (r BroadcastReading) Samples() []Sample {
	out := make([]Sample, 0, 3)
	if r.rawTemperature != invalidTemperature {
		out = append(out, Sample{Kind: message.KindTemperature, Value: r.Temperature})
	}
	if r.rawHumidity != invalidUnsigned {
		out = append(out, Sample{Kind: message.KindHumidity, Value: r.Humidity})
	}
	if r.rawPressure != invalidUnsigned {
		out = append(out, Sample{Kind: message.KindPressure, Value: r.Pressure})
	}
	return out
}
