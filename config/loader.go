package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/c360/sensorlink/errors"
)

// DefaultEnvPrefix prefixes every environment override
const DefaultEnvPrefix = "SENSORLINK"

// Loader builds a Config from defaults, then file layers in order, then
// environment overrides
type Loader struct {
	layers     []string
	validation bool
	envPrefix  string
	getenv     func(string) string
}

// NewLoader creates a loader with the SENSORLINK environment prefix
func NewLoader() *Loader {
	return &Loader{envPrefix: DefaultEnvPrefix, getenv: os.Getenv}
}

// AddLayer adds a JSON or YAML file layer
func (l *Loader) AddLayer(path string) {
	l.layers = append(l.layers, path)
}

// EnableValidation enables or disables validation after loading
func (l *Loader) EnableValidation(enable bool) {
	l.validation = enable
}

// SetEnvPrefix changes the environment prefix
func (l *Loader) SetEnvPrefix(prefix string) {
	l.envPrefix = strings.TrimSuffix(prefix, "_")
}

// SetGetenv replaces the environment lookup; nil restores os.Getenv
func (l *Loader) SetGetenv(getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	l.getenv = getenv
}

// LoadFile loads defaults, a single file and environment overrides
func (l *Loader) LoadFile(path string) (*Config, error) {
	l.layers = []string{path}
	return l.Load()
}

// Load merges every layer over the defaults
func (l *Loader) Load() (*Config, error) {
	cfg := Default()

	for _, path := range l.layers {
		raw, err := l.loadRaw(path)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", fmt.Sprintf("load %s", filepath.Base(path)))
		}
		merged, err := mergeFromMap(cfg, raw)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Loader", "Load", fmt.Sprintf("merge %s", filepath.Base(path)))
		}
		cfg = merged
	}

	if err := l.applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	if l.validation {
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// loadRaw reads a layer as a generic map. YAML layers are normalized to
// the same shape as JSON.
func (l *Loader) loadRaw(path string) (map[string]any, error) {
	data, err := safeReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]any
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	default:
		if err := validateJSONDepth(data); err != nil {
			return nil, fmt.Errorf("invalid JSON structure: %w", err)
		}
		if err := json.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse json: %w", err)
		}
	}
	return raw, nil
}

// mergeFromMap overrides only the fields present in override
func mergeFromMap(base *Config, override map[string]any) (*Config, error) {
	if override == nil {
		return base, nil
	}

	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	var baseMap map[string]any
	if err := json.Unmarshal(baseJSON, &baseMap); err != nil {
		return nil, err
	}

	mergedJSON, err := json.Marshal(deepMergeMaps(baseMap, override))
	if err != nil {
		return nil, err
	}
	var merged Config
	if err := json.Unmarshal(mergedJSON, &merged); err != nil {
		return nil, err
	}
	return &merged, nil
}

// deepMergeMaps merges override into base; nested maps merge, everything
// else is replaced, nil values are ignored
func deepMergeMaps(base, override map[string]any) map[string]any {
	result := make(map[string]any, len(base))
	for k, v := range base {
		result[k] = v
	}
	for k, v := range override {
		if v == nil {
			continue
		}
		if baseMap, ok := base[k].(map[string]any); ok {
			if overrideMap, ok := v.(map[string]any); ok {
				result[k] = deepMergeMaps(baseMap, overrideMap)
				continue
			}
		}
		result[k] = v
	}
	return result
}

// envOverride applies one environment variable to cfg
type envOverride struct {
	key   string
	apply func(cfg *Config, value string) error
}

var envOverrides = []envOverride{
	{"PLATFORM_ID", func(c *Config, v string) error { c.Platform.ID = v; return nil }},
	{"APP_VERSION_CODE", func(c *Config, v string) error { return setInt(&c.Platform.AppVersionCode, v) }},
	{"DISCOVERY_ADAPTER", func(c *Config, v string) error { c.Discovery.Adapter = v; return nil }},
	{"DEVICES_DECODING", func(c *Config, v string) error { c.Devices.Decoding = v; return nil }},
	{"NATS_URL", func(c *Config, v string) error { c.NATS.URL = v; return nil }},
	{"NATS_STREAM", func(c *Config, v string) error { c.NATS.Stream = v; return nil }},
	{"UPLINK_TOPIC", func(c *Config, v string) error { c.Uplink.Topic = v; return nil }},
	{"UPLINK_BUFFER_CAPACITY", func(c *Config, v string) error { return setInt(&c.Uplink.BufferCapacity, v) }},
	{"AUTH_USERNAME", func(c *Config, v string) error { c.Auth.Username = v; return nil }},
	{"AUTH_TOKEN", func(c *Config, v string) error { c.Auth.Token = v; return nil }},
	{"TRACKING_AUTO_START", func(c *Config, v string) error { return setBool(&c.Tracking.AutoStart, v) }},
	{"STORAGE_FRAME_PATH", func(c *Config, v string) error { c.Storage.FramePath = v; return nil }},
	{"INVENTORY_BACKEND", func(c *Config, v string) error { c.Inventory.Backend = v; return nil }},
	{"INVENTORY_PATH", func(c *Config, v string) error { c.Inventory.Path = v; return nil }},
	{"INVENTORY_SEED_FILE", func(c *Config, v string) error { c.Inventory.SeedFile = v; return nil }},
	{"HTTP_ADDR", func(c *Config, v string) error { c.HTTP.Addr = v; return nil }},
}

func (l *Loader) applyEnvOverrides(cfg *Config) error {
	for _, o := range envOverrides {
		key := l.envPrefix + "_" + o.key
		val := l.getenv(key)
		if val == "" {
			continue
		}
		if err := validateEnvVar(key, val); err != nil {
			return errors.WrapInvalid(err, "Loader", "applyEnvOverrides", "env check")
		}
		if err := o.apply(cfg, val); err != nil {
			return errors.WrapInvalid(fmt.Errorf("%s: %w", key, err), "Loader", "applyEnvOverrides", "env parse")
		}
	}
	return nil
}

func setInt(dst *int, v string) error {
	n, err := strconv.Atoi(v)
	if err != nil {
		return err
	}
	*dst = n
	return nil
}

func setBool(dst *bool, v string) error {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return err
	}
	*dst = b
	return nil
}
