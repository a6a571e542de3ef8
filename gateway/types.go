package gateway

import (
	"time"

	"github.com/c360/sensorlink/errors"
	"github.com/c360/sensorlink/pkg/tlsutil"
)

// Config holds configuration for the operator HTTP server
type Config struct {
	// Addr is the listen address
	Addr string `json:"addr"`

	// RateLimit is the sustained request rate across all clients; 0 disables limiting
	RateLimit float64 `json:"rate_limit"`

	// Burst is the request burst allowed above RateLimit
	Burst int `json:"burst"`

	ReadTimeout    time.Duration `json:"read_timeout"`
	WriteTimeout   time.Duration `json:"write_timeout"`
	RequestTimeout time.Duration `json:"request_timeout"`

	// EnableCORS enables CORS headers (requires explicit cors_origins)
	EnableCORS bool `json:"enable_cors"`

	// CORSOrigins lists allowed CORS origins. Use ["*"] for development only.
	CORSOrigins []string `json:"cors_origins,omitempty"`

	// MaxRequestSize limits request body size in bytes (default: 64KB)
	MaxRequestSize int64 `json:"max_request_size,omitempty"`

	// TLS serves HTTPS when a certificate is configured
	TLS tlsutil.ServerConfig `json:"tls,omitempty"`
}

// Validate ensures the configuration is valid and fills zero values
func (c *Config) Validate() error {
	if c.Addr == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"addr cannot be empty")
	}

	if c.RateLimit < 0 || c.Burst < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"rate_limit and burst cannot be negative")
	}
	if c.RateLimit > 0 && c.Burst == 0 {
		c.Burst = 1
	}

	if c.MaxRequestSize < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"max_request_size cannot be negative")
	}
	if c.MaxRequestSize == 0 {
		c.MaxRequestSize = 64 * 1024
	}

	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 20 * time.Second
	}

	// CORS requires explicit origin configuration
	if c.EnableCORS && len(c.CORSOrigins) == 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"enable_cors requires explicit cors_origins configuration (use [\"*\"] for development only)")
	}

	return c.TLS.Validate()
}

// DefaultConfig returns default server configuration
func DefaultConfig() Config {
	return Config{
		Addr:           ":8080",
		RateLimit:      20,
		Burst:          40,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		RequestTimeout: 20 * time.Second,
		MaxRequestSize: 64 * 1024,
	}
}
