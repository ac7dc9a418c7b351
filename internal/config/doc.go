// Package config loads, normalizes, and validates vidqueue configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours APP_* environment overrides
// (optionally sourced from a .env file) for broker, object store, and API
// secrets. The Config type centralizes every knob the API replicas, worker
// processes, and CLI need.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
