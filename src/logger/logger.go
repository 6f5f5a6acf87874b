package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
)

// Level represents the severity of a log message
type Level int

const (
	// DEBUG level for detailed per-frame diagnostics
	DEBUG Level = iota
	// INFO level for stream lifecycle and state transitions
	INFO
	// WARN level for dropped frames and recoverable conditions
	WARN
	// ERROR level for transport and collaborator failures
	ERROR
)

var levelNames = map[Level]string{
	DEBUG: "DEBUG",
	INFO:  "INFO",
	WARN:  "WARN",
	ERROR: "ERROR",
}

var levelColors = map[Level]string{
	DEBUG: "\033[36m", // Cyan
	INFO:  "\033[32m", // Green
	WARN:  "\033[33m", // Yellow
	ERROR: "\033[31m", // Red
}

// Logger provides leveled logging with optional colors and a component prefix
type Logger struct {
	mu        sync.RWMutex
	level     Level
	colors    bool
	prefix    string
	stdLogger *log.Logger
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Init initializes the default logger from environment variables:
//   - LOG_LEVEL: DEBUG, INFO, WARN or ERROR (default INFO)
//   - LOG_COLOR: enable colored output, true/false (default true)
func Init() {
	once.Do(func() {
		level := ParseLevel(os.Getenv("LOG_LEVEL"))

		colors := true
		if v := os.Getenv("LOG_COLOR"); v == "false" || v == "0" {
			colors = false
		}

		defaultLogger = New(level, os.Stdout, colors, "")
	})
}

// ParseLevel converts a level name to a Level, defaulting to INFO
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return DEBUG
	case "WARN", "WARNING":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// New creates a new Logger instance
func New(level Level, output io.Writer, colors bool, prefix string) *Logger {
	return &Logger{
		level:     level,
		colors:    colors,
		prefix:    prefix,
		stdLogger: log.New(output, "", log.LstdFlags),
	}
}

// SetLevel changes the current log level
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	l.level = level
	l.mu.Unlock()
}

// Enabled reports whether messages at the given level are emitted
func (l *Logger) Enabled(level Level) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return level >= l.level
}

func (l *Logger) log(level Level, format string, args ...interface{}) {
	if !l.Enabled(level) {
		return
	}

	msg := fmt.Sprintf(format, args...)
	name := levelNames[level]

	var line string
	switch {
	case l.colors && l.prefix != "":
		line = fmt.Sprintf("%s[%s]\033[0m [%s] %s", levelColors[level], name, l.prefix, msg)
	case l.colors:
		line = fmt.Sprintf("%s[%s]\033[0m %s", levelColors[level], name, msg)
	case l.prefix != "":
		line = fmt.Sprintf("[%s] [%s] %s", name, l.prefix, msg)
	default:
		line = fmt.Sprintf("[%s] %s", name, msg)
	}

	l.stdLogger.Output(2, line)
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	l.log(DEBUG, format, args...)
}

// Info logs an info message
func (l *Logger) Info(format string, args ...interface{}) {
	l.log(INFO, format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	l.log(WARN, format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.log(ERROR, format, args...)
}

// WithPrefix creates a logger that tags every line with a component prefix
func (l *Logger) WithPrefix(prefix string) *Logger {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return &Logger{
		level:     l.level,
		colors:    l.colors,
		prefix:    prefix,
		stdLogger: l.stdLogger,
	}
}

// GetDefault returns the default logger instance
func GetDefault() *Logger {
	if defaultLogger == nil {
		Init()
	}
	return defaultLogger
}

// WithPrefix creates a prefixed logger from the default logger
func WithPrefix(prefix string) *Logger {
	return GetDefault().WithPrefix(prefix)
}

// Debug logs a debug message using the default logger
func Debug(format string, args ...interface{}) {
	GetDefault().log(DEBUG, format, args...)
}

// Info logs an info message using the default logger
func Info(format string, args ...interface{}) {
	GetDefault().log(INFO, format, args...)
}

// Warn logs a warning message using the default logger
func Warn(format string, args ...interface{}) {
	GetDefault().log(WARN, format, args...)
}

// Error logs an error message using the default logger
func Error(format string, args ...interface{}) {
	GetDefault().log(ERROR, format, args...)
}
