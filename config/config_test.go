package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/sensorlink/codec"
	"github.com/c360/sensorlink/errors"
	"github.com/c360/sensorlink/pkg/buffer"
)

func validConfig() *Config {
	cfg := Default()
	cfg.Auth.Username = "alice"
	return cfg
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault_ValidOnceUsernameSet(t *testing.T) {
	cfg := Default()
	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
	assert.True(t, errors.IsInvalid(err))

	assert.NoError(t, validConfig().Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing platform id", func(c *Config) { c.Platform.ID = "" }},
		{"platform id with dot", func(c *Config) { c.Platform.ID = "relay.one" }},
		{"topic without placeholder", func(c *Config) { c.Uplink.Topic = "sensorlink.telemetry" }},
		{"topic with two placeholders", func(c *Config) { c.Uplink.Topic = "%s.%s" }},
		{"unknown overflow policy", func(c *Config) { c.Uplink.OverflowPolicy = "spill" }},
		{"unknown decoding", func(c *Config) { c.Devices.Decoding = "lenient" }},
		{"rfcomm channel", func(c *Config) { c.Devices.RFCOMMChannel = 31 }},
		{"missing nats url", func(c *Config) { c.NATS.URL = "" }},
		{"sqlite without path", func(c *Config) { c.Inventory.Backend = InventorySQLite }},
		{"kv without bucket", func(c *Config) { c.Inventory.Backend = InventoryKV }},
		{"unknown backend", func(c *Config) { c.Inventory.Backend = "etcd" }},
		{"negative rate", func(c *Config) { c.HTTP.RateLimit = -1 }},
		{"cors without origins", func(c *Config) { c.HTTP.EnableCORS = true }},
		{"nats client cert without key", func(c *Config) { c.NATS.TLS.CertFile = "/etc/sensorlink/client.pem" }},
		{"http client certs without CA", func(c *Config) {
			c.HTTP.TLS.CertFile = "/etc/sensorlink/api.pem"
			c.HTTP.TLS.KeyFile = "/etc/sensorlink/api.key"
			c.HTTP.TLS.RequireClientCert = true
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), errors.ErrInvalidConfig)
		})
	}
}

func TestDuration_JSON(t *testing.T) {
	var v struct {
		A Duration `json:"a"`
		B Duration `json:"b"`
		C Duration `json:"c"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":"1m30s","b":"14d","c":2000000000}`), &v))
	assert.Equal(t, 90*time.Second, v.A.Std())
	assert.Equal(t, 14*24*time.Hour, v.B.Std())
	assert.Equal(t, 2*time.Second, v.C.Std())

	data, err := json.Marshal(Duration(2 * time.Second))
	require.NoError(t, err)
	assert.JSONEq(t, `"2s"`, string(data))

	assert.Error(t, json.Unmarshal([]byte(`{"a":"soon"}`), &v))
}

func TestOptions_ConvertSections(t *testing.T) {
	cfg := validConfig()
	cfg.Devices.Decoding = "strict"
	cfg.Uplink.OverflowPolicy = "drop_newest"
	cfg.Uplink.AckTimeout = Duration(3 * time.Second)
	cfg.Platform.AppVersionCode = 42

	assert.Equal(t, codec.Strict, cfg.DeviceOptions().Mode)
	up := cfg.UplinkOptions()
	assert.Equal(t, buffer.DropNewest, up.OverflowPolicy)
	assert.Equal(t, 3*time.Second, up.AckTimeout)
	assert.Equal(t, 42, cfg.TrackingOptions().AppVersionCode)
	assert.Equal(t, cfg.NATS.Stream, cfg.BrokerOptions().Stream)
	assert.Equal(t, 20*time.Second, cfg.DiscoveryOptions().ScanTimeout)
	assert.Equal(t, uint32(5), cfg.BreakerOptions().MaxFailures)

	httpCfg := cfg.HTTPOptions()
	assert.Equal(t, ":8080", httpCfg.Addr)
	assert.NoError(t, httpCfg.Validate())
}

func TestRedacted_HidesToken(t *testing.T) {
	cfg := validConfig()
	cfg.Auth.Token = "s3cret"
	assert.Equal(t, "[REDACTED]", cfg.Redacted().Auth.Token)
	assert.Equal(t, "s3cret", cfg.Auth.Token)
	assert.NotContains(t, cfg.String(), "s3cret")
}

func TestLoader_JSONLayerOverridesOnlyNamedFields(t *testing.T) {
	path := writeFile(t, "relay.json", `{
		"platform": {"id": "van-7"},
		"auth": {"username": "bob"},
		"uplink": {"ack_timeout": "5s", "buffer_capacity": 50}
	}`)

	loader := NewLoader()
	loader.getenv = func(string) string { return "" }
	loader.EnableValidation(true)
	cfg, err := loader.LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "van-7", cfg.Platform.ID)
	assert.Equal(t, 5*time.Second, cfg.Uplink.AckTimeout.Std())
	assert.Equal(t, 50, cfg.Uplink.BufferCapacity)
	assert.Equal(t, Default().Uplink.ReconnectDelay, cfg.Uplink.ReconnectDelay, "untouched fields keep defaults")
	assert.Equal(t, Default().Uplink.Topic, cfg.Uplink.Topic)
}

func TestLoader_YAMLLayersAndEnv(t *testing.T) {
	base := writeFile(t, "base.yaml", `
platform:
  id: relay
auth:
  username: carol
inventory:
  backend: sqlite
  path: /var/lib/sensorlink/inventory.db
discovery:
  scan_timeout: 10s
`)
	site := writeFile(t, "site.yml", `
discovery:
  adapter: hci1
`)

	env := map[string]string{
		"SENSORLINK_NATS_URL":            "nats://broker:4222",
		"SENSORLINK_TRACKING_AUTO_START": "true",
	}
	loader := NewLoader()
	loader.getenv = func(k string) string { return env[k] }
	loader.AddLayer(base)
	loader.AddLayer(site)
	loader.EnableValidation(true)

	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, "hci1", cfg.Discovery.Adapter)
	assert.Equal(t, 10*time.Second, cfg.Discovery.ScanTimeout.Std(), "later layers merge, not replace")
	assert.Equal(t, InventorySQLite, cfg.Inventory.Backend)
	assert.Equal(t, "nats://broker:4222", cfg.NATS.URL)
	assert.True(t, cfg.Tracking.AutoStart)
}

func TestLoader_Errors(t *testing.T) {
	loader := NewLoader()
	loader.getenv = func(string) string { return "" }

	_, err := loader.LoadFile(writeFile(t, "relay.toml", `id = 1`))
	assert.True(t, errors.IsInvalid(err), "unsupported extension")

	_, err = loader.LoadFile(writeFile(t, "bad.json", `{"platform": `))
	assert.Error(t, err)

	loader = NewLoader()
	loader.getenv = func(k string) string {
		if k == "SENSORLINK_APP_VERSION_CODE" {
			return "seven"
		}
		return ""
	}
	_, err = loader.Load()
	assert.True(t, errors.IsInvalid(err))

	loader = NewLoader()
	loader.getenv = func(string) string { return "" }
	loader.EnableValidation(true)
	_, err = loader.LoadFile(writeFile(t, "nouser.json", `{}`))
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestSaveToFile_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "saved.json")
	cfg := validConfig()
	cfg.Uplink.ReconnectDelay = Duration(7 * time.Second)
	require.NoError(t, cfg.SaveToFile(path))

	loader := NewLoader()
	loader.getenv = func(string) string { return "" }
	loaded, err := loader.LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestSafeConfig_ConcurrentAccess(t *testing.T) {
	sc := NewSafeConfig(validConfig())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NotNil(t, sc.Get())
		}()
		go func(i int) {
			defer wg.Done()
			cfg := validConfig()
			cfg.Platform.ID = fmt.Sprintf("relay-%d", i)
			assert.NoError(t, sc.Update(cfg))
		}(i)
	}
	wg.Wait()

	got := sc.Get()
	got.Platform.ID = "mutated"
	assert.NotEqual(t, "mutated", sc.Get().Platform.ID, "Get returns a copy")

	assert.Error(t, sc.Update(nil))
	assert.Error(t, sc.Update(Default()))
}

func TestValidateJSONDepth(t *testing.T) {
	assert.NoError(t, validateJSONDepth([]byte(`{"a":{"b":["}"]}}`)))
	assert.Error(t, validateJSONDepth([]byte(`{"a":{}`)))

	deep := ""
	for i := 0; i <= maxJSONDepth; i++ {
		deep += "["
	}
	assert.Error(t, validateJSONDepth([]byte(deep)))
}
