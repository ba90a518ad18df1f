/*
Package log provides structured logging for the bridge using zerolog.

The log package wraps zerolog to provide JSON-structured logging with
component-specific loggers, configurable log levels, and helper functions for
common logging patterns. All logs include timestamps and support filtering by
severity level for production debugging.

# Core Components

Global Logger:
  - Package-level zerolog.Logger instance
  - Initialized once via log.Init()
  - Accessible from all bridge packages
  - Thread-safe concurrent writes

Configuration:
  - Level: filter messages below threshold (debug/info/warn/error)
  - JSONOutput: JSON vs human-readable console
  - Output: io.Writer for log destination (stdout, file)

Context Loggers:
  - WithComponent: add a component name ("watcher", "hub", "historical", ...)
  - WithSymbol: add the contract identifier a log line concerns
  - WithClientID: add the subscriber ID a log line concerns

# Usage

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stdout,
	})

	watcherLog := log.WithComponent("watcher")
	watcherLog.Info().Str("path", path).Msg("file watcher started")

	hubLog := log.WithComponent("hub")
	hubLog.Warn().
		Str("client_id", clientID).
		Str("symbol", "NQZ25").
		Msg("subscriber queue full, dropping connection")

# Integration Points

  - pkg/watcher: logs file-watch lifecycle, debounce, and reattach attempts
  - pkg/bridge: logs listener startup, extraction failures, and archive files that fail to follow or are retired after a registry reload
  - cmd/bridge: logs symbol reloads and rejected reloads
  - pkg/hub: logs hub start/stop, subscriber failures, and dropped messages
  - pkg/historical: logs unclassified request errors and response-encoding failures
  - pkg/consumer: logs dial failures and failed fallback polls

# Design Patterns

Global Logger Pattern:
  - Single package-level Logger instance, initialized once at startup
  - Accessible from all packages without passing a logger through call chains

Context Logger Pattern:
  - Create child loggers with context fields (component, symbol, client_id)
  - Pass context loggers down instead of re-specifying fields at each call site

# Best Practices

Do:
  - Use Info level in production
  - Use structured fields (.Str, .Int, .Err) over string concatenation
  - Create a component logger once per actor and reuse it

Don't:
  - Log archive file contents or subscriber auth tokens
  - Use Debug level in production
  - Log inside a tight per-tick loop without sampling
*/
package log
