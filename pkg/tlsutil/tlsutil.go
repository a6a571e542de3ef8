// Package tlsutil builds tls.Config values for the broker connection and the
// operator API from file based settings.
package tlsutil

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/c360/sensorlink/errors"
)

// ClientConfig configures TLS towards the broker
type ClientConfig struct {
	// CAFiles are trusted in addition to the system pool
	CAFiles            []string `json:"ca_files,omitempty"`
	CertFile           string   `json:"cert_file,omitempty"`
	KeyFile            string   `json:"key_file,omitempty"`
	ServerName         string   `json:"server_name,omitempty"`
	MinVersion         string   `json:"min_version,omitempty"`
	InsecureSkipVerify bool     `json:"insecure_skip_verify,omitempty"`
}

// Enabled reports whether any client TLS setting is present
func (c ClientConfig) Enabled() bool {
	return len(c.CAFiles) > 0 || c.CertFile != "" || c.ServerName != "" || c.InsecureSkipVerify
}

// ServerConfig configures TLS for the operator API
type ServerConfig struct {
	CertFile   string `json:"cert_file,omitempty"`
	KeyFile    string `json:"key_file,omitempty"`
	MinVersion string `json:"min_version,omitempty"`
	// ClientCAFiles turns on client certificate verification
	ClientCAFiles     []string `json:"client_ca_files,omitempty"`
	RequireClientCert bool     `json:"require_client_cert,omitempty"`
}

// Enabled reports whether the server should listen with TLS
func (c ServerConfig) Enabled() bool {
	return c.CertFile != ""
}

// Validate checks that paired fields are set together
func (c ServerConfig) Validate() error {
	if (c.CertFile == "") != (c.KeyFile == "") {
		return errors.WrapInvalid(fmt.Errorf("%w: cert_file and key_file must be set together", errors.ErrInvalidConfig),
			"tlsutil", "Validate", "server pair")
	}
	if c.RequireClientCert && len(c.ClientCAFiles) == 0 {
		return errors.WrapInvalid(fmt.Errorf("%w: require_client_cert needs client_ca_files", errors.ErrInvalidConfig),
			"tlsutil", "Validate", "client ca")
	}
	return nil
}

// Validate checks that paired fields are set together
func (c ClientConfig) Validate() error {
	if (c.CertFile == "") != (c.KeyFile == "") {
		return errors.WrapInvalid(fmt.Errorf("%w: cert_file and key_file must be set together", errors.ErrInvalidConfig),
			"tlsutil", "Validate", "client pair")
	}
	return nil
}

// LoadClientTLSConfig returns nil when cfg is not enabled. The system CA pool
// is always trusted; CAFiles extend it.
func LoadClientTLSConfig(cfg ClientConfig) (*tls.Config, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	rootCAs, err := x509.SystemCertPool()
	if err != nil {
		rootCAs = x509.NewCertPool()
	}
	if err := appendCAFiles(rootCAs, cfg.CAFiles); err != nil {
		return nil, errors.WrapFatal(err, "tlsutil", "LoadClientTLSConfig", "load CA files")
	}

	tlsConfig := &tls.Config{
		MinVersion: parseTLSVersion(cfg.MinVersion),
		RootCAs:    rootCAs,
		ServerName: cfg.ServerName,
		// Operator opt-in for lab brokers with self-signed certificates
		InsecureSkipVerify: cfg.InsecureSkipVerify, //nolint:gosec
	}

	if cfg.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, errors.WrapFatal(err, "tlsutil", "LoadClientTLSConfig", "load client certificate")
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}

// LoadServerTLSConfig returns nil when cfg is not enabled
func LoadServerTLSConfig(cfg ServerConfig) (*tls.Config, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, errors.WrapFatal(err, "tlsutil", "LoadServerTLSConfig", "load certificate")
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   parseTLSVersion(cfg.MinVersion),
	}

	if len(cfg.ClientCAFiles) > 0 {
		clientCAs := x509.NewCertPool()
		if err := appendCAFiles(clientCAs, cfg.ClientCAFiles); err != nil {
			return nil, errors.WrapFatal(err, "tlsutil", "LoadServerTLSConfig", "load client CA files")
		}
		tlsConfig.ClientCAs = clientCAs
		tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
		if cfg.RequireClientCert {
			tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		}
	}
	return tlsConfig, nil
}

func appendCAFiles(pool *x509.CertPool, files []string) error {
	for _, caFile := range files {
		caPEM, err := os.ReadFile(caFile)
		if err != nil {
			return fmt.Errorf("read CA file %s: %w", caFile, err)
		}
		if !pool.AppendCertsFromPEM(caPEM) {
			return fmt.Errorf("parse CA certificate from %s: invalid PEM data", caFile)
		}
	}
	return nil
}

// parseTLSVersion returns TLS 1.2 unless "1.3" is asked for
func parseTLSVersion(version string) uint16 {
	if version == "1.3" {
		return tls.VersionTLS13
	}
	return tls.VersionTLS12
}
