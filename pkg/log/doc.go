/*
Package log provides structured logging for WardSync using zerolog.

The log package wraps the zerolog library to provide JSON-structured
logging with component-specific loggers, configurable log levels, and
helper functions for common logging patterns. All logs include
timestamps and support filtering by severity for production debugging.

# Usage

Initializing the logger:

	import "github.com/wardsync/wardsync/pkg/log"

	// JSON output (production)
	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	// Console output (development)
	log.Init(log.Config{
		Level:      log.DebugLevel,
		JSONOutput: false,
		Output:     os.Stdout,
	})

Simple logging:

	log.Info("sync round completed")
	log.Warn("vector clock pruned")
	log.Error("merge batch deadline exceeded")

Structured logging:

	log.Logger.Info().
		Str("replica_id", "T-2991").
		Str("node_id", node).
		Int("conflicts", n).
		Msg("merge completed")

Component loggers carry a fixed field on every line:

	logger := log.WithComponent("sync")
	logger.Info().Str("peer", peer).Msg("sync started")

Correlation IDs tie one EMR verification round trip together across the
token manager, the breaker, and the adapter:

	logger := log.WithCorrelationID(corrID)

# Best Practices

 1. Never log patient references, EMR payload bodies, or bearer tokens.
    Log replica IDs, correlation IDs, and system names instead.
 2. Use Debug for per-operation detail, Info for lifecycle events,
    Warn for degraded-but-working conditions (pruned clocks, retries),
    Error for failed operations.
 3. Prefer structured fields over formatted strings so downstream
    aggregation can filter by replica_id or correlation_id.
*/
package log
