package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/sensorlink/config"
	"github.com/c360/sensorlink/errors"
	"github.com/c360/sensorlink/health"
)

func env(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func newFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func TestParseFlags_Defaults(t *testing.T) {
	cfg, err := parseFlags(newFlagSet(), nil, env(nil))
	require.NoError(t, err)
	assert.Empty(t, cfg.ConfigPaths)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 15*time.Second, cfg.ShutdownTimeout)
	assert.NoError(t, validateFlags(cfg))
}

func TestParseFlags_EnvAndFlags(t *testing.T) {
	cfg, err := parseFlags(newFlagSet(),
		[]string{"-config", "base.yaml, site.yaml", "-debug"},
		env(map[string]string{
			"SENSORLINK_LOG_FORMAT":       "text",
			"SENSORLINK_SHUTDOWN_TIMEOUT": "3s",
		}))
	require.NoError(t, err)
	assert.Equal(t, []string{"base.yaml", "site.yaml"}, cfg.ConfigPaths)
	assert.Equal(t, "debug", cfg.LogLevel, "debug overrides level")
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, 3*time.Second, cfg.ShutdownTimeout)
}

func TestParseFlags_UnknownFlag(t *testing.T) {
	_, err := parseFlags(newFlagSet(), []string{"-nope"}, env(nil))
	assert.Error(t, err)
}

func TestValidateFlags(t *testing.T) {
	existing := filepath.Join(t.TempDir(), "relay.yaml")
	require.NoError(t, os.WriteFile(existing, []byte("platform:\n  id: r\n"), 0o600))

	tests := []struct {
		name    string
		cfg     CLIConfig
		wantErr bool
	}{
		{"valid", CLIConfig{ConfigPaths: []string{existing}, LogLevel: "warn", LogFormat: "text", ShutdownTimeout: time.Second}, false},
		{"missing file", CLIConfig{ConfigPaths: []string{"/nonexistent/relay.yaml"}, LogLevel: "info", LogFormat: "json", ShutdownTimeout: time.Second}, true},
		{"bad level", CLIConfig{LogLevel: "trace", LogFormat: "json", ShutdownTimeout: time.Second}, true},
		{"bad format", CLIConfig{LogLevel: "info", LogFormat: "xml", ShutdownTimeout: time.Second}, true},
		{"zero timeout", CLIConfig{LogLevel: "info", LogFormat: "json"}, true},
		{"version skips checks", CLIConfig{ShowVersion: true, LogLevel: "trace"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateFlags(&tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestSetupLogger_AddsServiceAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(&buf, "info", "json")
	logger.Debug("hidden")
	logger.Info("relay up", "devices", 3)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec), "only the info line is written")
	assert.Equal(t, "relay up", rec["msg"])
	assert.Equal(t, appName, rec["service"])
	assert.Equal(t, Version, rec["version"])
	assert.EqualValues(t, 3, rec["devices"])
	assert.NotNil(t, rec["pid"])
}

func TestSetupLogger_Text(t *testing.T) {
	var buf bytes.Buffer
	setupLogger(&buf, "debug", "text").Debug("scan started")
	assert.Contains(t, buf.String(), "msg=\"scan started\"")
	assert.Contains(t, buf.String(), "service="+appName)
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.yaml")
	site := filepath.Join(dir, "site.json")
	require.NoError(t, os.WriteFile(base, []byte("platform:\n  id: van-7\nauth:\n  username: alice\n"), 0o600))
	require.NoError(t, os.WriteFile(site, []byte(`{"http": {"addr": ":9090"}}`), 0o600))

	cfg, err := loadConfig([]string{base, site}, env(map[string]string{
		"SENSORLINK_INVENTORY_BACKEND": "sqlite",
		"SENSORLINK_INVENTORY_PATH":    filepath.Join(dir, "inventory.db"),
	}))
	require.NoError(t, err)
	assert.Equal(t, "van-7", cfg.Platform.ID)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, config.InventorySQLite, cfg.Inventory.Backend)

	_, err = loadConfig(nil, env(nil))
	assert.ErrorIs(t, err, errors.ErrInvalidConfig, "auth.username is required")
}

func TestHealthLevel(t *testing.T) {
	assert.Equal(t, 2, healthLevel(health.NewHealthy("x", "")))
	assert.Equal(t, 1, healthLevel(health.NewDegraded("x", "")))
	assert.Equal(t, 0, healthLevel(health.NewUnhealthy("x", "")))
}
