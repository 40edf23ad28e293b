// Package config loads client settings from defaults, an optional YAML or
// JSON file, EVENTBUS_* environment variables and key=value overrides, in
// that order of precedence.
package config
