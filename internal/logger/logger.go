package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"sync"
)

// Level represents the severity of a log message.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
	SILENT // No logging
)

var levelNames = map[Level]string{
	DEBUG:  "DEBUG",
	INFO:   "INFO",
	WARN:   "WARN",
	ERROR:  "ERROR",
	SILENT: "SILENT",
}

var levelColors = map[Level]string{
	DEBUG: "\033[36m", // Cyan
	INFO:  "\033[32m", // Green
	WARN:  "\033[33m", // Yellow
	ERROR: "\033[31m", // Red
}

const resetColor = "\033[0m"

// Logger provides leveled logging with per-component tags.
type Logger struct {
	mu       sync.Mutex
	level    Level
	useColor bool
	out      *log.Logger
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Init initializes the global logger (call once at startup).
func Init(level Level, output io.Writer, useColor bool) {
	once.Do(func() {
		defaultLogger = New(level, output, useColor)
	})
}

// New creates a Logger writing to output.
func New(level Level, output io.Writer, useColor bool) *Logger {
	if output == nil {
		output = os.Stderr
	}
	return &Logger{
		level:    level,
		useColor: useColor,
		out:      log.New(output, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
}

// SetLevel changes the log level.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// GetLevel returns the current log level.
func (l *Logger) GetLevel() Level {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

func (l *Logger) log(level Level, component string, format string, args ...interface{}) {
	l.mu.Lock()
	current := l.level
	l.mu.Unlock()

	if level < current || level == SILENT {
		return
	}

	prefix := fmt.Sprintf("[%s]", levelNames[level])
	if l.useColor {
		prefix = levelColors[level] + prefix + resetColor
	}
	if component != "" {
		prefix = fmt.Sprintf("%s [%s]", prefix, component)
	}
	l.out.Printf("%s %s", prefix, fmt.Sprintf(format, args...))
}

// Debug logs a debug message.
func (l *Logger) Debug(component string, format string, args ...interface{}) {
	l.log(DEBUG, component, format, args...)
}

// Info logs an info message.
func (l *Logger) Info(component string, format string, args ...interface{}) {
	l.log(INFO, component, format, args...)
}

// Warn logs a warning message.
func (l *Logger) Warn(component string, format string, args ...interface{}) {
	l.log(WARN, component, format, args...)
}

// Error logs an error message.
func (l *Logger) Error(component string, format string, args ...interface{}) {
	l.log(ERROR, component, format, args...)
}

// Debug logs a debug message using the global logger.
func Debug(component string, format string, args ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.Debug(component, format, args...)
	}
}

// Info logs an info message using the global logger.
func Info(component string, format string, args ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.Info(component, format, args...)
	}
}

// Warn logs a warning message using the global logger.
func Warn(component string, format string, args ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.Warn(component, format, args...)
	}
}

// Error logs an error message using the global logger.
func Error(component string, format string, args ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.Error(component, format, args...)
	}
}

// SetLevel sets the global log level.
func SetLevel(level Level) {
	if defaultLogger != nil {
		defaultLogger.SetLevel(level)
	}
}

// ParseLevel parses a log level string.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "debug", "DEBUG":
		return DEBUG, nil
	case "info", "INFO":
		return INFO, nil
	case "warn", "WARN", "warning", "WARNING":
		return WARN, nil
	case "error", "ERROR":
		return ERROR, nil
	case "silent", "SILENT", "none", "NONE":
		return SILENT, nil
	default:
		return INFO, fmt.Errorf("invalid log level: %s", s)
	}
}

// String returns the string representation of a log level.
func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "UNKNOWN"
}
