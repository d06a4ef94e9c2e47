// Package config provides configuration loading and validation for the
// telemetry daemon and client. Values are read from YAML over the built-in
// defaults and validated section by section.
package config
