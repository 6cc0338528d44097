// Package events provides structured logging for the key lifecycle events of
// the monitoring system: agent starts and stops, check failures, restarts,
// alerts, remediation outcomes, and bus drops.
package events

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// NewRootLogger builds the process-wide slog logger with JSON output at the
// given level ("debug", "info", "warn", "error").
func NewRootLogger(w io.Writer, level string) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
	return slog.New(handler)
}

// EventLogger emits the event vocabulary consumed by operators and the
// dashboard. Every event carries the host attribute.
type EventLogger struct {
	logger *slog.Logger
	host   string
}

// NewEventLogger creates an EventLogger writing JSON to stdout.
func NewEventLogger(host string) *EventLogger {
	return NewEventLoggerWithWriter(host, os.Stdout)
}

// NewEventLoggerWithWriter creates an EventLogger with a custom writer.
// Useful for tests or redirecting output.
func NewEventLoggerWithWriter(host string, w io.Writer) *EventLogger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo})
	return &EventLogger{
		logger: slog.New(handler).With("host", host),
		host:   host,
	}
}

// LogAgentStarted logs an agent entering its check loop.
// event: "agent_started"
func (el *EventLogger) LogAgentStarted(agent, kind string, interval time.Duration) {
	el.logger.Info("agent_started",
		"agent", agent,
		"kind", kind,
		"check_interval_ms", interval.Milliseconds(),
	)
}

// LogAgentStopped logs a clean agent stop.
// event: "agent_stopped"
func (el *EventLogger) LogAgentStopped(agent string, uptime time.Duration) {
	el.logger.Info("agent_stopped",
		"agent", agent,
		"uptime_ms", uptime.Milliseconds(),
	)
}

// LogCheckFailure logs a recovered failure inside an agent's check cycle.
// event: "check_failure"
func (el *EventLogger) LogCheckFailure(agent string, errorCount int64, err error) {
	el.logger.Warn("check_failure",
		"agent", agent,
		"error_count", errorCount,
		"error", err,
	)
}

// LogAgentRestarted logs a supervisor-initiated agent restart.
// event: "agent_restarted"
func (el *EventLogger) LogAgentRestarted(agent, reason string) {
	el.logger.Warn("agent_restarted",
		"agent", agent,
		"reason", reason,
	)
}

// LogHealthTransition logs an agent health classification change.
// event: "health_transition"
func (el *EventLogger) LogHealthTransition(agent, from, to string) {
	el.logger.Info("health_transition",
		"agent", agent,
		"from", from,
		"to", to,
	)
}

// LogSystemHealth logs the aggregated system health.
// event: "system_health"
func (el *EventLogger) LogSystemHealth(health string, healthy, total int) {
	el.logger.Info("system_health",
		"health", health,
		"healthy_agents", healthy,
		"total_agents", total,
	)
}

// LogAlert logs a threshold breach raised on the bus.
// event: "alert"
func (el *EventLogger) LogAlert(source, metric string, value, limit float64, severity string) {
	el.logger.Warn("alert",
		"source", source,
		"metric", metric,
		"value", value,
		"limit", limit,
		"severity", severity,
	)
}

// LogRemediation logs the outcome of a remediation attempt.
// event: "remediation"
func (el *EventLogger) LogRemediation(action, issue string, success bool, durationMs int64) {
	el.logger.Info("remediation",
		"action", action,
		"issue", issue,
		"success", success,
		"duration_ms", durationMs,
	)
}

// LogMessageDropped logs a bus queue saturation drop.
// event: "message_dropped"
func (el *EventLogger) LogMessageDropped(msgType, priority, sender string) {
	el.logger.Warn("message_dropped",
		"type", msgType,
		"priority", priority,
		"sender", sender,
	)
}

// Global logger management
var (
	globalLogger *EventLogger
	globalMu     sync.RWMutex
)

// SetGlobalEventLogger sets the global event logger instance.
func SetGlobalEventLogger(l *EventLogger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = l
}

// GetGlobalEventLogger returns the global event logger instance, or a no-op
// logger when none has been set.
func GetGlobalEventLogger() *EventLogger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if globalLogger != nil {
		return globalLogger
	}
	return NoopEventLogger()
}

// NoopEventLogger returns an event logger that discards all events.
func NoopEventLogger() *EventLogger {
	handler := slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelInfo})
	return &EventLogger{logger: slog.New(handler)}
}
