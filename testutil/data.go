package testutil

import "encoding/hex"

// Line frames as streamed by AirBeam monitors. Each has exactly 12 fields.
var (
	LineTemperatureF = "72;AirBeam3:246f28c47698;AirBeam3-F;Temperature;F;degrees Fahrenheit;F;15;45;75;105;135"
	LineHumidity     = "41;AirBeam3:246f28c47698;AirBeam3-RH;Humidity;RH;percent;%;0;25;50;75;100"
	LinePM1          = "3;AirBeam3:246f28c47698;AirBeam3-PM1;Particulate Matter;PM;micrograms per cubic meter;ug/m3;0;12;35;55;150"
	LinePM25         = "7.5;AirBeam2:0018961070d6;AirBeam2-PM2.5;Particulate Matter;PM;micrograms per cubic meter;ug/m3;0;12;35;55;150"
	LinePM10         = "11;AirBeamMini:a1b2c3d4e5f6;AirBeamMini-PM10;Particulate Matter;PM;micrograms per cubic meter;ug/m3;0;20;50;100;200"
	LineNonNumeric   = "n/a;AirBeam3:246f28c47698;AirBeam3-RH;Humidity;RH;percent;%;0;25;50;75;100"
	LineUnknownLabel = "5;AirBeam3:246f28c47698;AirBeam3-CO2;Carbon Dioxide;CO2;ppm;ppm;0;400;800;1200;2000"
	LineBadTag       = "5;Sensor9:246f28c47698;AirBeam3-RH;Humidity;RH;percent;%;0;25;50;75;100"
	LineShort        = "5;AirBeam3:246f28c47698;AirBeam3-RH;Humidity"
)

// ValidLines lists one well-formed line per supported label
var ValidLines = []string{LineTemperatureF, LineHumidity, LinePM1, LinePM25, LinePM10}

// BroadcastVector is a format 5 payload with its expected decoded values
type BroadcastVector struct {
	Name        string
	Hex         string
	Temperature float64
	Humidity    float64
	Pressure    float64
	AccelX      float64
	AccelY      float64
	AccelZ      float64
}

// BroadcastVectors are reference payloads covering valid, max and min values
var BroadcastVectors = []BroadcastVector{
	{
		Name: "valid", Hex: "0512FC5394C37C0004FFFC040CAC364200CDCBB8334C884F",
		Temperature: 24.3, Humidity: 53.49, Pressure: 100044,
		AccelX: 0.004, AccelY: -0.004, AccelZ: 1.036,
	},
	{
		Name: "maximum", Hex: "057FFFFFFEFFFE7FFF7FFF7FFFFFDEFEFFFECBB8334C884F",
		Temperature: 163.835, Humidity: 163.835, Pressure: 115534,
		AccelX: 32.767, AccelY: 32.767, AccelZ: 32.767,
	},
	{
		Name: "minimum", Hex: "058001000000008001800180010000000000CBB8334C884F",
		Temperature: -163.835, Humidity: 0, Pressure: 50000,
		AccelX: -32.767, AccelY: -32.767, AccelZ: -32.767,
	},
}

// Raw advertisement with flags AD and manufacturer AD header, and the same
// frame with the header stripped.
const (
	RawAdvertisementHex = "0201061BFF99040505941A5BC7B1FFE0001C043867366F2497ED4DFAE75678"
	RawPayloadHex       = "0505941A5BC7B1FFE0001C043867366F2497ED4DFAE75678"
)

// MustHex decodes a hex string or panics
func MustHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}
