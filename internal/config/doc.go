// Package config loads the DeFlow daemon configuration from a JSON file,
// fills in defaults and applies a small set of environment overrides for
// secrets and connection strings.
package config
