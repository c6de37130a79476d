// Package logging provides structured, standards-compliant logging.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Logger provides structured logging to stdout.
type Logger struct {
	mu        sync.Mutex
	output    io.Writer
	minLevel  Level
	component string
	runID     string
}

// levelPriority maps levels to numeric priority for filtering.
var levelPriority = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// ParseLevel maps a config string to a Level, defaulting to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// New creates a new Logger.
func New() *Logger {
	return &Logger{
		output:   os.Stdout,
		minLevel: LevelInfo,
	}
}

// WithComponent returns a new logger with the given component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		output:    l.output,
		minLevel:  l.minLevel,
		component: component,
		runID:     l.runID,
	}
}

// WithRunID returns a new logger tagged with a run identifier.
func (l *Logger) WithRunID(runID string) *Logger {
	return &Logger{
		output:    l.output,
		minLevel:  l.minLevel,
		component: l.component,
		runID:     runID,
	}
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.minLevel = level
}

// SetOutput sets the output writer (default: stdout).
func (l *Logger) SetOutput(w io.Writer) {
	l.output = w
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, fields ...map[string]interface{}) {
	l.log(LevelDebug, msg, fields...)
}

// Info logs an info message.
func (l *Logger) Info(msg string, fields ...map[string]interface{}) {
	l.log(LevelInfo, msg, fields...)
}

// Warn logs a warning message.
func (l *Logger) Warn(msg string, fields ...map[string]interface{}) {
	l.log(LevelWarn, msg, fields...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, fields ...map[string]interface{}) {
	l.log(LevelError, msg, fields...)
}

// formatFields formats a map of fields as key=value pairs.
func formatFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	var parts []string
	for k, v := range fields {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	return " " + strings.Join(parts, " ")
}

// log writes a log entry in traditional format: LEVEL TIMESTAMP [component] message key=value ...
func (l *Logger) log(level Level, msg string, fields ...map[string]interface{}) {
	if levelPriority[level] < levelPriority[l.minLevel] {
		return
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	var fieldStr string
	if len(fields) > 0 && fields[0] != nil {
		f := fields[0]
		if l.runID != "" {
			f = cloneFields(f)
			f["run"] = l.runID
		}
		fieldStr = formatFields(f)
	} else if l.runID != "" {
		fieldStr = " run=" + l.runID
	}

	var line string
	if l.component != "" {
		line = fmt.Sprintf("%-5s %s [%s] %s%s\n", level, timestamp, l.component, msg, fieldStr)
	} else {
		line = fmt.Sprintf("%-5s %s %s%s\n", level, timestamp, msg, fieldStr)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.output.Write([]byte(line))
}

func cloneFields(fields map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	return out
}

// --- Domain helpers ---

// SecurityDeny logs a denied command.
func (l *Logger) SecurityDeny(command, reason string) {
	l.Warn("security_deny", map[string]interface{}{
		"command":  command,
		"reason":   reason,
		"security": true,
	})
}

// PermissionRequested logs a parked permission request.
func (l *Logger) PermissionRequested(requestID, command, risk string) {
	l.Info("permission_requested", map[string]interface{}{
		"request_id": requestID,
		"command":    command,
		"risk":       risk,
	})
}

// PermissionResolved logs the resolution of a permission request.
func (l *Logger) PermissionResolved(requestID string, granted bool) {
	l.Info("permission_resolved", map[string]interface{}{
		"request_id": requestID,
		"granted":    granted,
	})
}

// ProcessStarted logs a spawned process.
func (l *Logger) ProcessStarted(correlationID string, pid int, program string) {
	l.Info("process_started", map[string]interface{}{
		"corr_id": correlationID,
		"pid":     pid,
		"program": program,
	})
}

// ProcessExited logs a process exit.
func (l *Logger) ProcessExited(correlationID string, code int, duration time.Duration) {
	l.Info("process_exited", map[string]interface{}{
		"corr_id":  correlationID,
		"code":     code,
		"duration": duration.String(),
	})
}

// LedgerFallback logs degradation to the in-memory ledger backend.
func (l *Logger) LedgerFallback(err error) {
	l.Warn("ledger_fallback", map[string]interface{}{
		"error": err.Error(),
	})
}

// StateTransition logs a workflow state change.
func (l *Logger) StateTransition(from, to string, retries int) {
	l.Debug("state_transition", map[string]interface{}{
		"from":    from,
		"to":      to,
		"retries": retries,
	})
}
