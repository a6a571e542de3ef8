package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPaths     []string
	LogLevel        string
	LogFormat       string
	Debug           bool
	ShutdownTimeout time.Duration
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool
}

func parseFlags(fs *flag.FlagSet, args []string, getenv func(string) string) (*CLIConfig, error) {
	cfg := &CLIConfig{}
	var configPaths string

	fs.StringVar(&configPaths, "config",
		getEnv(getenv, "SENSORLINK_CONFIG", ""),
		"Comma-separated config files, later files override earlier ones (env: SENSORLINK_CONFIG)")

	fs.StringVar(&configPaths, "c",
		getEnv(getenv, "SENSORLINK_CONFIG", ""),
		"Shorthand for -config")

	fs.StringVar(&cfg.LogLevel, "log-level",
		getEnv(getenv, "SENSORLINK_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: SENSORLINK_LOG_LEVEL)")

	fs.StringVar(&cfg.LogFormat, "log-format",
		getEnv(getenv, "SENSORLINK_LOG_FORMAT", "json"),
		"Log format: json, text (env: SENSORLINK_LOG_FORMAT)")

	fs.BoolVar(&cfg.Debug, "debug",
		getEnvBool(getenv, "SENSORLINK_DEBUG", false),
		"Enable debug logging (env: SENSORLINK_DEBUG)")

	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration(getenv, "SENSORLINK_SHUTDOWN_TIMEOUT", 15*time.Second),
		"Graceful shutdown timeout (env: SENSORLINK_SHUTDOWN_TIMEOUT)")

	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	fs.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	fs.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	fs.Usage = func() { printDetailedHelp(fs) }

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	for _, p := range strings.Split(configPaths, ",") {
		if p = strings.TrimSpace(p); p != "" {
			cfg.ConfigPaths = append(cfg.ConfigPaths, p)
		}
	}

	if cfg.Debug {
		cfg.LogLevel = "debug"
	}
	return cfg, nil
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	for _, p := range cfg.ConfigPaths {
		if _, err := os.Stat(p); err != nil {
			return fmt.Errorf("config file not found: %s", p)
		}
	}

	if !slices.Contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}

	if !slices.Contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}

	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid shutdown timeout: %s", cfg.ShutdownTimeout)
	}

	return nil
}

func printDetailedHelp(fs *flag.FlagSet) {
	out := fs.Output()
	_, _ = fmt.Fprintf(out, `%s - BLE air-quality sensor relay

Usage: %s [options]

Options:
`, appName, os.Args[0])
	fs.PrintDefaults()
	printExamples(out)
}

func printExamples(out io.Writer) {
	_, _ = fmt.Fprintf(out, `
Examples:
  # Run with a base config and a site override
  %[1]s --config=/etc/sensorlink/base.yaml,/etc/sensorlink/site.yaml

  # Run with debug logging
  %[1]s --log-level=debug --log-format=text

  # Run from the environment only
  export SENSORLINK_AUTH_USERNAME=relay-7
  export SENSORLINK_NATS_URL=nats://broker:4222
  %[1]s

  # Validate configuration only
  %[1]s --config=/etc/sensorlink/sensorlink.yaml --validate

Version: %[2]s
Build: %[3]s
`, appName, Version, BuildTime)
}

// Environment variable helper functions
func getEnv(getenv func(string) string, key, defaultValue string) string {
	if value := getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(getenv func(string) string, key string, defaultValue bool) bool {
	if value := getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(getenv func(string) string, key string, defaultValue time.Duration) time.Duration {
	if value := getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
