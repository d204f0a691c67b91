/*
Package log provides structured logging built on zerolog.

A single global Logger is configured once via Init and shared by every
component. Component loggers (WithComponent, WithNodeID) attach a fixed set
of fields to each line without repeating them at every call site.

# Usage

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	log.Info("frontdoor: listening on :8080")

	nodeLog := log.WithNodeID("node-abc123")
	nodeLog.Error().Err(err).Msg("health check failed")

Use structured fields (.Str, .Int, .Err) instead of string concatenation so
lines stay machine-parseable by whatever aggregator reads stdout.
*/
package log
