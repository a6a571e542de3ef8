package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/c360/sensorlink/auth"
	"github.com/c360/sensorlink/codec"
	"github.com/c360/sensorlink/device"
	"github.com/c360/sensorlink/discovery"
	"github.com/c360/sensorlink/errors"
	"github.com/c360/sensorlink/gateway"
	"github.com/c360/sensorlink/pkg/buffer"
	"github.com/c360/sensorlink/pkg/retry"
	"github.com/c360/sensorlink/pkg/tlsutil"
	"github.com/c360/sensorlink/tracking"
	"github.com/c360/sensorlink/uplink"
)

// Inventory backends
const (
	InventoryMemory = "memory"
	InventorySQLite = "sqlite"
	InventoryKV     = "kv"
)

// Config is the complete relay configuration
type Config struct {
	Version   string          `json:"version"`
	Platform  PlatformConfig  `json:"platform"`
	Discovery DiscoveryConfig `json:"discovery"`
	Devices   DevicesConfig   `json:"devices"`
	Uplink    UplinkConfig    `json:"uplink"`
	NATS      NATSConfig      `json:"nats"`
	Auth      AuthConfig      `json:"auth"`
	Tracking  TrackingConfig  `json:"tracking"`
	Storage   StorageConfig   `json:"storage"`
	Inventory InventoryConfig `json:"inventory"`
	HTTP      HTTPConfig      `json:"http"`
}

// PlatformConfig identifies this relay
type PlatformConfig struct {
	ID             string `json:"id"`
	Environment    string `json:"environment,omitempty"`
	AppVersionCode int    `json:"app_version_code"`
}

// BackoffConfig is the JSON form of retry.Backoff
type BackoffConfig struct {
	InitialDelay Duration `json:"initial_delay"`
	Multiplier   float64  `json:"multiplier"`
	MaxDelay     Duration `json:"max_delay"`
}

// DiscoveryConfig tunes the scan scheduler
type DiscoveryConfig struct {
	Adapter            string        `json:"adapter"`
	ScanTimeout        Duration      `json:"scan_timeout"`
	RetryCeiling       int           `json:"retry_ceiling"`
	DiagnosticInterval Duration      `json:"diagnostic_interval"`
	Backoff            BackoffConfig `json:"backoff"`
}

// DevicesConfig tunes device sessions and radio transports
type DevicesConfig struct {
	Backoff                BackoffConfig `json:"backoff"`
	MalformedFrameLimit    int           `json:"malformed_frame_limit"`
	Decoding               string        `json:"decoding"`
	MaxLineLength          int           `json:"max_line_length"`
	MeasurementBuffer      int           `json:"measurement_buffer"`
	ForceReconnectInterval Duration      `json:"force_reconnect_interval"`
	RFCOMMChannel          int           `json:"rfcomm_channel"`
	NotifyCharacteristic   string        `json:"notify_characteristic"`
	ConnectTimeout         Duration      `json:"connect_timeout"`
}

// UplinkConfig tunes the broker pipeline
type UplinkConfig struct {
	Topic          string        `json:"topic"`
	Backoff        BackoffConfig `json:"backoff"`
	AckTimeout     Duration      `json:"ack_timeout"`
	ReconnectDelay Duration      `json:"reconnect_delay"`
	MaxAttempts    int           `json:"max_attempts"`
	BufferCapacity int           `json:"buffer_capacity"`
	OverflowPolicy string        `json:"overflow_policy"`
	QueueSize      int           `json:"queue_size"`
}

// NATSConfig defines the broker connection and JetStream stream
type NATSConfig struct {
	URL             string   `json:"url"`
	Stream          string   `json:"stream"`
	Subjects        []string `json:"subjects,omitempty"`
	DuplicateWindow Duration `json:"duplicate_window"`
	MaxAge          Duration `json:"max_age,omitempty"`

	TLS tlsutil.ClientConfig `json:"tls,omitempty"`
}

// AuthConfig holds the static credential and the breaker that guards it
type AuthConfig struct {
	Username string        `json:"username"`
	Token    string        `json:"token,omitempty"`
	Breaker  BreakerConfig `json:"breaker"`
}

// BreakerConfig is the JSON form of auth.BreakerConfig
type BreakerConfig struct {
	MaxFailures uint32   `json:"max_failures"`
	Timeout     Duration `json:"timeout"`
	Interval    Duration `json:"interval,omitempty"`
}

// TrackingConfig tunes the tracking session
type TrackingConfig struct {
	AutoStart         bool     `json:"auto_start"`
	HeartbeatInterval Duration `json:"heartbeat_interval"`
	LocationInterval  Duration `json:"location_interval"`
	MaxPositionAge    Duration `json:"max_position_age"`
}

// StorageConfig locates the durable frame store. An empty path keeps frames
// in memory.
type StorageConfig struct {
	FramePath string `json:"frame_path"`
}

// InventoryConfig selects the device inventory backend
type InventoryConfig struct {
	Backend   string   `json:"backend"`
	Path      string   `json:"path,omitempty"`
	Bucket    string   `json:"bucket,omitempty"`
	SeedFile  string   `json:"seed_file,omitempty"`
	CacheSize int      `json:"cache_size"`
	CacheTTL  Duration `json:"cache_ttl"`
}

// HTTPConfig configures the operator API
type HTTPConfig struct {
	Addr           string   `json:"addr"`
	RateLimit      float64  `json:"rate_limit"`
	Burst          int      `json:"burst"`
	ReadTimeout    Duration `json:"read_timeout"`
	WriteTimeout   Duration `json:"write_timeout"`
	RequestTimeout Duration `json:"request_timeout"`
	EnableCORS     bool     `json:"enable_cors"`
	CORSOrigins    []string `json:"cors_origins,omitempty"`
	MaxRequestSize int64    `json:"max_request_size,omitempty"`

	TLS tlsutil.ServerConfig `json:"tls,omitempty"`
}

// Default returns a configuration that runs with an in-memory inventory
// against a local NATS server
func Default() *Config {
	disc := discovery.DefaultConfig()
	dev := device.DefaultConfig()
	up := uplink.DefaultConfig()
	trk := tracking.DefaultConfig()

	return &Config{
		Version:  "1.0.0",
		Platform: PlatformConfig{ID: "sensorlink"},
		Discovery: DiscoveryConfig{
			Adapter:            "hci0",
			ScanTimeout:        Duration(disc.ScanTimeout),
			RetryCeiling:       disc.RetryCeiling,
			DiagnosticInterval: Duration(disc.DiagnosticInterval),
			Backoff:            backoffConfig(disc.Backoff),
		},
		Devices: DevicesConfig{
			Backoff:                backoffConfig(dev.Backoff),
			MalformedFrameLimit:    dev.MalformedFrameLimit,
			Decoding:               dev.Mode.String(),
			MaxLineLength:          dev.MaxLineLength,
			MeasurementBuffer:      dev.MeasurementBuffer,
			ForceReconnectInterval: Duration(dev.ForceReconnectInterval),
			RFCOMMChannel:          1,
			ConnectTimeout:         Duration(10 * time.Second),
		},
		Uplink: UplinkConfig{
			Topic:          up.Topic,
			Backoff:        backoffConfig(up.Backoff),
			AckTimeout:     Duration(up.AckTimeout),
			ReconnectDelay: Duration(up.ReconnectDelay),
			BufferCapacity: up.BufferCapacity,
			OverflowPolicy: up.OverflowPolicy.String(),
			QueueSize:      up.QueueSize,
		},
		NATS: NATSConfig{
			URL:             "nats://localhost:4222",
			Stream:          "SENSORLINK",
			Subjects:        []string{"sensorlink.*.telemetry"},
			DuplicateWindow: Duration(2 * time.Minute),
		},
		Auth: AuthConfig{
			Breaker: BreakerConfig{MaxFailures: 5, Timeout: Duration(30 * time.Second)},
		},
		Tracking: TrackingConfig{
			HeartbeatInterval: Duration(trk.HeartbeatInterval),
			LocationInterval:  Duration(trk.LocationInterval),
			MaxPositionAge:    Duration(trk.MaxPositionAge),
		},
		Inventory: InventoryConfig{
			Backend:   InventoryMemory,
			CacheSize: 256,
			CacheTTL:  Duration(time.Minute),
		},
		HTTP: HTTPConfig{
			Addr:           ":8080",
			RateLimit:      20,
			Burst:          40,
			ReadTimeout:    Duration(10 * time.Second),
			WriteTimeout:   Duration(10 * time.Second),
			RequestTimeout: Duration(20 * time.Second),
			MaxRequestSize: 64 * 1024,
		},
	}
}

// Validate checks cross-field constraints
func (c *Config) Validate() error {
	if c.Platform.ID == "" {
		return invalid("platform.id is required")
	}
	if !isValidNATSSubjectPart(c.Platform.ID) {
		return invalid("platform.id %q is not valid in a NATS subject", c.Platform.ID)
	}
	if c.Auth.Username == "" {
		return invalid("auth.username is required")
	}
	if strings.Count(c.Uplink.Topic, "%s") != 1 {
		return invalid("uplink.topic %q must contain exactly one %%s", c.Uplink.Topic)
	}
	if _, err := buffer.ParseOverflowPolicy(c.Uplink.OverflowPolicy); err != nil {
		return invalid("uplink.overflow_policy: %v", err)
	}
	if _, err := codec.ParseMode(c.Devices.Decoding); err != nil {
		return invalid("devices.decoding: %v", err)
	}
	if c.Devices.RFCOMMChannel < 0 || c.Devices.RFCOMMChannel > 30 {
		return invalid("devices.rfcomm_channel %d out of range 1-30", c.Devices.RFCOMMChannel)
	}
	if c.NATS.URL == "" {
		return invalid("nats.url is required")
	}
	if c.Uplink.BufferCapacity < 0 || c.Uplink.QueueSize < 0 {
		return invalid("uplink buffer_capacity and queue_size must not be negative")
	}

	switch c.Inventory.Backend {
	case InventoryMemory:
	case InventorySQLite:
		if c.Inventory.Path == "" {
			return invalid("inventory.path is required for the sqlite backend")
		}
	case InventoryKV:
		if c.Inventory.Bucket == "" {
			return invalid("inventory.bucket is required for the kv backend")
		}
	default:
		return invalid("inventory.backend %q must be memory, sqlite or kv", c.Inventory.Backend)
	}

	if c.HTTP.RateLimit < 0 || c.HTTP.Burst < 0 {
		return invalid("http rate_limit and burst must not be negative")
	}
	if c.HTTP.EnableCORS && len(c.HTTP.CORSOrigins) == 0 {
		return invalid("http.enable_cors requires cors_origins")
	}
	if err := c.NATS.TLS.Validate(); err != nil {
		return invalid("nats.tls: %v", err)
	}
	if err := c.HTTP.TLS.Validate(); err != nil {
		return invalid("http.tls: %v", err)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return errors.WrapInvalid(fmt.Errorf("%w: "+format, append([]any{errors.ErrInvalidConfig}, args...)...),
		"Config", "Validate", "field check")
}

// isValidNATSSubjectPart reports whether s may appear as one subject token
func isValidNATSSubjectPart(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-' && r != '_' {
			return false
		}
	}
	return true
}

// DiscoveryOptions returns the scheduler configuration
func (c *Config) DiscoveryOptions() discovery.Config {
	return discovery.Config{
		Backoff:            c.Discovery.Backoff.Backoff(),
		ScanTimeout:        c.Discovery.ScanTimeout.Std(),
		RetryCeiling:       c.Discovery.RetryCeiling,
		DiagnosticInterval: c.Discovery.DiagnosticInterval.Std(),
	}
}

// DeviceOptions returns the device session configuration
func (c *Config) DeviceOptions() device.Config {
	mode, _ := codec.ParseMode(c.Devices.Decoding)
	return device.Config{
		Backoff:                c.Devices.Backoff.Backoff(),
		MalformedFrameLimit:    c.Devices.MalformedFrameLimit,
		Mode:                   mode,
		MaxLineLength:          c.Devices.MaxLineLength,
		MeasurementBuffer:      c.Devices.MeasurementBuffer,
		ForceReconnectInterval: c.Devices.ForceReconnectInterval.Std(),
	}
}

// UplinkOptions returns the uplink configuration
func (c *Config) UplinkOptions() uplink.Config {
	policy, _ := buffer.ParseOverflowPolicy(c.Uplink.OverflowPolicy)
	return uplink.Config{
		Topic:          c.Uplink.Topic,
		Backoff:        c.Uplink.Backoff.Backoff(),
		AckTimeout:     c.Uplink.AckTimeout.Std(),
		ReconnectDelay: c.Uplink.ReconnectDelay.Std(),
		MaxAttempts:    c.Uplink.MaxAttempts,
		BufferCapacity: c.Uplink.BufferCapacity,
		OverflowPolicy: policy,
		QueueSize:      c.Uplink.QueueSize,
	}
}

// BrokerOptions returns the NATS broker configuration
func (c *Config) BrokerOptions() uplink.NATSConfig {
	return uplink.NATSConfig{
		URL:             c.NATS.URL,
		Stream:          c.NATS.Stream,
		Subjects:        c.NATS.Subjects,
		DuplicateWindow: c.NATS.DuplicateWindow.Std(),
		MaxAge:          c.NATS.MaxAge.Std(),
	}
}

// TrackingOptions returns the tracking session configuration
func (c *Config) TrackingOptions() tracking.Config {
	return tracking.Config{
		AppVersionCode:    c.Platform.AppVersionCode,
		HeartbeatInterval: c.Tracking.HeartbeatInterval.Std(),
		LocationInterval:  c.Tracking.LocationInterval.Std(),
		MaxPositionAge:    c.Tracking.MaxPositionAge.Std(),
	}
}

// BreakerOptions returns the token provider breaker configuration
func (c *Config) BreakerOptions() auth.BreakerConfig {
	return auth.BreakerConfig{
		MaxFailures: c.Auth.Breaker.MaxFailures,
		Timeout:     c.Auth.Breaker.Timeout.Std(),
		Interval:    c.Auth.Breaker.Interval.Std(),
	}
}

// HTTPOptions returns the operator API configuration
func (c *Config) HTTPOptions() gateway.Config {
	return gateway.Config{
		Addr:           c.HTTP.Addr,
		RateLimit:      c.HTTP.RateLimit,
		Burst:          c.HTTP.Burst,
		ReadTimeout:    c.HTTP.ReadTimeout.Std(),
		WriteTimeout:   c.HTTP.WriteTimeout.Std(),
		RequestTimeout: c.HTTP.RequestTimeout.Std(),
		EnableCORS:     c.HTTP.EnableCORS,
		CORSOrigins:    c.HTTP.CORSOrigins,
		MaxRequestSize: c.HTTP.MaxRequestSize,
		TLS:            c.HTTP.TLS,
	}
}

// Backoff converts to retry.Backoff
func (b BackoffConfig) Backoff() retry.Backoff {
	return retry.Backoff{
		InitialDelay: b.InitialDelay.Std(),
		Multiplier:   b.Multiplier,
		MaxDelay:     b.MaxDelay.Std(),
	}
}

func backoffConfig(b retry.Backoff) BackoffConfig {
	return BackoffConfig{
		InitialDelay: Duration(b.InitialDelay),
		Multiplier:   b.Multiplier,
		MaxDelay:     Duration(b.MaxDelay),
	}
}

// Duration is a time.Duration that reads "30s", "14d" or nanoseconds and
// writes the string form
type Duration time.Duration

// Std returns the time.Duration
func (d Duration) Std() time.Duration { return time.Duration(d) }

// String returns the duration string
func (d Duration) String() string { return time.Duration(d).String() }

// MarshalJSON writes the duration string
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts a duration string or a number of nanoseconds
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		parsed, err := parseDurationWithDays(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(val))
	case nil:
		*d = 0
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}

// parseDurationWithDays parses durations that may use a day suffix ("14d")
func parseDurationWithDays(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}
	data, err := json.Marshal(c)
	if err != nil {
		copied := *c
		return &copied
	}
	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		copied := *c
		return &copied
	}
	return &clone
}

// Redacted returns a copy without secrets, for logging and the operator API
func (c *Config) Redacted() *Config {
	clone := c.Clone()
	if clone.Auth.Token != "" {
		clone.Auth.Token = "[REDACTED]"
	}
	return clone
}

// SaveToFile writes the configuration as indented JSON
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return safeWriteFile(path, data)
}

// String returns the redacted JSON representation
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c.Redacted(), "", "  ")
	return string(data)
}

// SafeConfig provides thread-safe access to configuration
type SafeConfig struct {
	mu     sync.RWMutex
	config *Config
}

// NewSafeConfig wraps cfg
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = &Config{}
	}
	return &SafeConfig{config: cfg}
}

// Get returns a deep copy of the current configuration
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.config.Clone()
}

// Update replaces the configuration after validation
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "SafeConfig", "Update", "nil check")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.config = cfg
	return nil
}
