package chatstream

import (
	"fmt"
	"log"
	"strings"
)

// LogLevel defines the level of logging
type LogLevel int

const (
	// LogLevelError only shows error messages
	LogLevelError LogLevel = iota
	// LogLevelWarn shows warning and error messages
	LogLevelWarn
	// LogLevelInfo shows info and error messages
	LogLevelInfo
	// LogLevelDebug shows all messages including debug
	LogLevelDebug
	// LogLevelTrace shows all messages including raw stream frames
	LogLevelTrace
)

// String returns the config-file spelling of the level
func (l LogLevel) String() string {
	switch l {
	case LogLevelError:
		return "error"
	case LogLevelWarn:
		return "warn"
	case LogLevelInfo:
		return "info"
	case LogLevelDebug:
		return "debug"
	case LogLevelTrace:
		return "trace"
	default:
		return fmt.Sprintf("LogLevel(%d)", int(l))
	}
}

// ParseLogLevel converts a level name from a settings file into a LogLevel.
// An empty name maps to LogLevelError.
func ParseLogLevel(name string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "error":
		return LogLevelError, nil
	case "warn", "warning":
		return LogLevelWarn, nil
	case "info":
		return LogLevelInfo, nil
	case "debug":
		return LogLevelDebug, nil
	case "trace":
		return LogLevelTrace, nil
	}
	return LogLevelError, fmt.Errorf("unknown log level %q", name)
}

// stdLogger writes leveled messages through the standard log package
type stdLogger struct {
	level  LogLevel
	prefix string
}

// NewLogger creates a new logger with the specified log level
func NewLogger(level LogLevel) *stdLogger {
	return &stdLogger{
		level: level,
	}
}

// NewPrefixedLogger creates a logger whose lines carry a component tag, e.g. "[relay]"
func NewPrefixedLogger(level LogLevel, component string) *stdLogger {
	return &stdLogger{
		level:  level,
		prefix: "[" + component + "] ",
	}
}

func (l *stdLogger) SetLevel(level LogLevel) {
	l.level = level
}

func (l *stdLogger) Error(format string, v ...interface{}) {
	// Error messages are always shown
	log.Printf("[ERROR] "+l.prefix+format, v...)
}

// Warn logs a warning message if the log level is Warn or higher
func (l *stdLogger) Warn(format string, v ...interface{}) {
	if l.level >= LogLevelWarn {
		log.Printf("[WARN] "+l.prefix+format, v...)
	}
}

func (l *stdLogger) Info(format string, v ...interface{}) {
	if l.level >= LogLevelInfo {
		log.Printf("[INFO] "+l.prefix+format, v...)
	}
}

func (l *stdLogger) Debug(format string, v ...interface{}) {
	if l.level >= LogLevelDebug {
		log.Printf("[DEBUG] "+l.prefix+format, v...)
	}
}

// Trace is used for per-frame output; keep it off in production
func (l *stdLogger) Trace(format string, v ...interface{}) {
	if l.level >= LogLevelTrace {
		log.Printf("[TRACE] "+l.prefix+format, v...)
	}
}

// Logger is the interface for logging, it can be overridden by the client code
type Logger interface {
	SetLevel(level LogLevel)
	Error(format string, v ...interface{})
	Warn(format string, v ...interface{})
	Info(format string, v ...interface{})
	Debug(format string, v ...interface{})
	Trace(format string, v ...interface{})
}
