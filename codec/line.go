package codec

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/c360/sensorlink/errors"
	"github.com/c360/sensorlink/message"
)

// LineFieldCount is the number of semicolon separated fields in a line frame
const LineFieldCount = 12

// DefaultTagPrefixes are the device-tag prefixes of known AirBeam hardware
var DefaultTagPrefixes = []string{"AirBeam2:", "AirBeam3:", "AirBeamMini:"}

// Mode selects how unknown sensor labels are handled
type Mode int

const (
	// Permissive drops lines with unknown labels
	Permissive Mode = iota
	// Strict reports unknown labels as ErrUnsupportedSensor
	Strict
)

// String returns the mode name
func (m Mode) String() string {
	if m == Strict {
		return "strict"
	}
	return "permissive"
}

// ParseMode parses "strict" or "permissive"
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "permissive":
		return Permissive, nil
	case "strict":
		return Strict, nil
	default:
		return Permissive, fmt.Errorf("%w: unknown codec mode %q", errors.ErrInvalidConfig, s)
	}
}

type labelSpec struct {
	kind       message.SensorKind
	fahrenheit bool
}

// labels maps the suffix after the last '-' of field[2]
var labels = map[string]labelSpec{
	"F":     {kind: message.KindTemperature, fahrenheit: true},
	"C":     {kind: message.KindTemperature},
	"RH":    {kind: message.KindHumidity},
	"PM1":   {kind: message.KindPM1},
	"PM2.5": {kind: message.KindPM25},
	"PM10":  {kind: message.KindPM10},
}

// LineReading is one decoded line frame
type LineReading struct {
	Kind      message.SensorKind
	Value     *float64
	DeviceTag string
	Label     string
	Raw       string
}

// LineDecoder decodes AirBeam ASCII line frames. It is stateless and safe
// for concurrent use.
type LineDecoder struct {
	prefixes []string
	mode     Mode
}

// LineOption configures a LineDecoder
type LineOption func(*LineDecoder)

// WithMode sets the unknown-label mode
func WithMode(mode Mode) LineOption {
	return func(d *LineDecoder) { d.mode = mode }
}

// WithTagPrefixes replaces the recognized device-tag prefixes
func WithTagPrefixes(prefixes ...string) LineOption {
	return func(d *LineDecoder) {
		if len(prefixes) > 0 {
			d.prefixes = append([]string(nil), prefixes...)
		}
	}
}

// NewLineDecoder creates a decoder with the default prefixes in permissive mode
func NewLineDecoder(opts ...LineOption) *LineDecoder {
	d := &LineDecoder{prefixes: DefaultTagPrefixes, mode: Permissive}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Mode returns the configured unknown-label mode
func (d *LineDecoder) Mode() Mode { return d.mode }

func (d *LineDecoder) split(line string) ([]string, error) {
	line = strings.TrimRight(line, "\r\n")
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, fmt.Errorf("%w: blank line", errors.ErrInvalidLine)
	}
	line = strings.TrimSuffix(line, ";")

	fields := strings.Split(line, ";")
	if len(fields) != LineFieldCount {
		return nil, fmt.Errorf("%w: %d fields, want %d", errors.ErrInvalidLine, len(fields), LineFieldCount)
	}
	if !d.knownTag(fields[1]) {
		return nil, fmt.Errorf("%w: unrecognized device tag %q", errors.ErrInvalidLine, fields[1])
	}
	return fields, nil
}

func (d *LineDecoder) knownTag(tag string) bool {
	for _, p := range d.prefixes {
		if strings.HasPrefix(tag, p) && len(tag) > len(p) {
			return true
		}
	}
	return false
}

// Valid reports whether line is structurally a line frame
func (d *LineDecoder) Valid(line string) bool {
	_, err := d.split(line)
	return err == nil
}

// Decode parses one line. ok is false when a permissive decoder drops an
// unknown label. A structurally invalid line returns an error wrapping
// errors.ErrInvalidLine.
func (d *LineDecoder) Decode(line string) (reading LineReading, ok bool, err error) {
	fields, err := d.split(line)
	if err != nil {
		return LineReading{}, false, err
	}

	label := strings.TrimSpace(fields[2])
	spec, known := lookupLabel(label)
	if !known {
		if d.mode == Strict {
			return LineReading{}, false, fmt.Errorf("%w: %q", errors.ErrUnsupportedSensor, label)
		}
		return LineReading{}, false, nil
	}

	reading = LineReading{
		Kind:      spec.kind,
		DeviceTag: fields[1],
		Label:     label,
		Raw:       strings.TrimSpace(line),
	}
	if v, perr := strconv.ParseFloat(strings.TrimSpace(fields[0]), 64); perr == nil {
		if spec.fahrenheit {
			v = FahrenheitToCelsius(v)
		}
		reading.Value = &v
	}
	return reading, true, nil
}

func lookupLabel(label string) (labelSpec, bool) {
	suffix := label
	if i := strings.LastIndex(label, "-"); i >= 0 {
		suffix = label[i+1:]
	}
	spec, ok := labels[strings.ToUpper(suffix)]
	return spec, ok
}

// FahrenheitToCelsius converts a raw Fahrenheit reading
func FahrenheitToCelsius(f float64) float64 {
	return (f - 32) * 5 / 9
}
