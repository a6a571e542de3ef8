// Package config loads the relay configuration.
//
// A Config is built in layers: Default, then each file added with
// AddLayer (JSON or YAML, merged key by key so a layer only overrides what
// it names), then SENSORLINK_* environment variables. Durations are written
// as strings such as "30s" or "14d".
//
//	loader := config.NewLoader()
//	loader.AddLayer("/etc/sensorlink/sensorlink.yaml")
//	loader.EnableValidation(true)
//	cfg, err := loader.Load()
//
// The *Options methods convert sections into the configuration types of the
// packages they tune, so those packages stay free of file format concerns.
package config
