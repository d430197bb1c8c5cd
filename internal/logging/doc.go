// Package logging provides a context-aware structured logger for northstar.
//
// It wraps zap with methods that pull correlation fields (request ID,
// channel, proposal ID, OpenTelemetry trace/span IDs) out of the
// context.Context so every log line emitted while handling a request
// carries the same correlation data without threading fields manually.
package logging
