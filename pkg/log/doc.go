/*
Package log provides structured logging for medsync using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific loggers and configurable log levels. All logs include
timestamps and support filtering by severity level for production debugging.

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init()
  - Accessible from all medsync packages
  - Thread-safe concurrent writes

Context Loggers:
  - WithComponent: Add component name to all logs (syncer, sink, enrich, ...)
  - Narrower context (table, run_id, batch) rides on zerolog's own With()
    chain at the call site

# Usage

Initializing the Logger:

	import "github.com/datalab/medsync/pkg/log"

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

Structured Logging:

	log.Logger.Info().
		Str("table", "notification_text").
		Int("rows", 1000).
		Msg("Batch upserted")

	log.Logger.Error().
		Err(err).
		Str("table", "notification_text").
		Msg("Upsert failed")

Component Loggers:

	syncLog := log.WithComponent("syncer")
	syncLog.Info().Msg("Starting incremental sync")
	syncLog.Debug().Str("table", "notification_text").Msg("Lease acquired")

# Log Output Examples

JSON Format (Production):

	{"level":"info","component":"syncer","table":"notification_text","time":"2026-08-26T10:30:00Z","message":"Watermark advanced"}
	{"level":"error","component":"sink","error":"deadlock detected","time":"2026-08-26T10:30:02Z","message":"Batch upsert retrying"}

Console Format (Development):

	10:30:00 INF Watermark advanced component=syncer table=notification_text
	10:30:02 ERR Batch upsert retrying component=sink error="deadlock detected"

# Best Practices

Do:
  - Use Info level for production
  - Use structured fields for queryable data
  - Create component-specific loggers
  - Log errors with .Err() for consistent error format
  - Include context (table, run ID, batch sequence)

Don't:
  - Log free text that may contain unscrubbed PII
  - Use Debug level in production
  - Log per row in hot loops (log per batch instead)
  - Concatenate strings (use .Str, .Int)
*/
package log
