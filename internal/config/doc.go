// Package config loads, normalizes, and validates parcel configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours the PARCEL_SMTP_PASSWORD
// environment fallback. The Config type centralizes every knob the daemon and
// CLI need: the output root, split threshold, delivery spread, retention lag,
// mail relay, and the list of capture sources with their schedules.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
