// Package config loads the hub configuration from a JSON file, applies
// INTENTHUB_* environment overrides and fills defaults relative to the file's
// directory. Adapter and chain definitions live in a separate YAML file named
// by the definitions field.
package config
