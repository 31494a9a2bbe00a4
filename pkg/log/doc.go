/*
Package log provides structured logging for Bureau using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers, configurable log levels, and helper functions
for common logging patterns. All logs include timestamps and support filtering
by severity level.

Bureau's server speaks line-delimited JSON-RPC on stdout when run on stdio, so
the logger defaults to stderr; routing logs to stdout would corrupt the RPC
stream.

# Usage

Initializing the logger:

	import "github.com/agentbureau/bureau/pkg/log"

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
	})

	// Console output (development)
	log.Init(log.Config{
		Level:      log.DebugLevel,
		JSONOutput: false,
	})

Component loggers:

	hbLog := log.WithComponent("heartbeat")
	hbLog.Info().Str("workspace", ws).Msg("tick complete")

	runLog := log.WithRunID("run-1234")
	runLog.Error().Err(err).Msg("session collect failed")

Structured fields:

	log.Logger.Info().
		Str("provider", "claude").
		Int("pending", 3).
		Msg("launch admitted")

# Integration Points

This package integrates with:

  - pkg/server: startup, shutdown ordering
  - pkg/session: child process lifecycle
  - pkg/heartbeat: tick and action outcomes
  - pkg/index: rebuild/sync results and parse-error counts
  - pkg/rpc: per-request logging

# Best Practices

Do:
  - Use Info level for production
  - Use structured fields for queryable data
  - Create component-specific loggers
  - Log errors with .Err()

Don't:
  - Log secrets or raw provider output (the redaction gate exists for
    persisted text; logs get the same care)
  - Use Debug level in production
  - Write logs to stdout
*/
package log
