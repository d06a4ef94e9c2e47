// Package logging builds the slog loggers shared by the daemon and the
// telemetry client from the logging section of the configuration.
package logging
