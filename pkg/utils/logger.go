package utils

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"
)

// LogLevel represents the severity of a log message.
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "INFO"
	}
}

// ParseLogLevel converts a level name to a LogLevel, defaulting to INFO.
func ParseLogLevel(name string) LogLevel {
	switch strings.ToUpper(name) {
	case "DEBUG":
		return DEBUG
	case "WARN":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

// Logger is a leveled logger scoped to one component.
type Logger struct {
	out       *log.Logger
	minLevel  LogLevel
	component string
}

// NewLogger creates a logger for a component.
func NewLogger(component string, minLevel LogLevel) *Logger {
	return &Logger{
		out:       log.New(os.Stdout, "", 0),
		minLevel:  minLevel,
		component: component,
	}
}

// WithComponent derives a logger with the same sink and level but a
// different component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{out: l.out, minLevel: l.minLevel, component: component}
}

func (l *Logger) logf(level LogLevel, format string, args ...interface{}) {
	if level < l.minLevel {
		return
	}
	ts := time.Now().Format("2006-01-02 15:04:05")
	l.out.Printf("[%s] [%s] [%s] %s", ts, level, l.component, fmt.Sprintf(format, args...))
}

// Debug logs a debug message.
func (l *Logger) Debug(format string, args ...interface{}) { l.logf(DEBUG, format, args...) }

// Info logs an info message.
func (l *Logger) Info(format string, args ...interface{}) { l.logf(INFO, format, args...) }

// Warn logs a warning message.
func (l *Logger) Warn(format string, args ...interface{}) { l.logf(WARN, format, args...) }

// Error logs an error message.
func (l *Logger) Error(format string, args ...interface{}) { l.logf(ERROR, format, args...) }

// Fatal logs an error message and exits.
func (l *Logger) Fatal(format string, args ...interface{}) {
	l.logf(ERROR, format, args...)
	os.Exit(1)
}

// Package-level logger for main and glue code.
var defaultLogger = NewLogger("orchestrator", INFO)

// SetDefaultLogLevel sets the level for the default logger.
func SetDefaultLogLevel(level LogLevel) {
	defaultLogger.minLevel = level
}

// Debug logs a debug message on the default logger.
func Debug(format string, args ...interface{}) { defaultLogger.Debug(format, args...) }

// Info logs an info message on the default logger.
func Info(format string, args ...interface{}) { defaultLogger.Info(format, args...) }

// Warn logs a warning message on the default logger.
func Warn(format string, args ...interface{}) { defaultLogger.Warn(format, args...) }

// Error logs an error message on the default logger.
func Error(format string, args ...interface{}) { defaultLogger.Error(format, args...) }

// Fatal logs an error message on the default logger and exits.
func Fatal(format string, args ...interface{}) { defaultLogger.Fatal(format, args...) }
