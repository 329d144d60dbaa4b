// Package config loads and validates uploadq configuration from TOML files,
// applying repository defaults and normalizing all filesystem paths.
package config
