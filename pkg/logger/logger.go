// Package logger provides a small leveled, field-augmenting logger used
// throughout buildos-pipeline in place of the standard library's bare
// log.Logger.
package logger

import (
	"fmt"
	"io"
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
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses a level name, case-insensitively. "WARNING" is accepted
// as an alias for WARN.
func ParseLevel(level string) (LogLevel, error) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return DEBUG, nil
	case "INFO":
		return INFO, nil
	case "WARN", "WARNING":
		return WARN, nil
	case "ERROR":
		return ERROR, nil
	default:
		return INFO, fmt.Errorf("unknown log level: %s", level)
	}
}

// Logger is a minimal structured logger: a level, a destination, and an
// immutable set of fields attached via WithField/WithFields.
type Logger struct {
	level  LogLevel
	out    *os.File
	writer io.Writer
	fields map[string]interface{}
}

// Config configures a Logger constructed with NewWithConfig.
type Config struct {
	Level  LogLevel
	Output io.Writer
}

// New returns a Logger at INFO level writing to stdout.
func New() *Logger {
	return NewWithConfig(Config{Level: INFO, Output: os.Stdout})
}

// NewWithConfig constructs a Logger from an explicit Config.
func NewWithConfig(cfg Config) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stdout
	}
	return &Logger{
		level:  cfg.Level,
		writer: cfg.Output,
		fields: make(map[string]interface{}),
	}
}

// WithFields returns a new Logger carrying this Logger's fields plus the
// given key/value pairs. An odd trailing key is dropped.
func (l *Logger) WithFields(keyVals ...interface{}) *Logger {
	next := &Logger{level: l.level, writer: l.writer, fields: make(map[string]interface{}, len(l.fields)+len(keyVals)/2)}
	for k, v := range l.fields {
		next.fields[k] = v
	}
	for i := 0; i+1 < len(keyVals); i += 2 {
		key := fmt.Sprintf("%v", keyVals[i])
		next.fields[key] = keyVals[i+1]
	}
	return next
}

// WithField is shorthand for WithFields(key, value).
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.WithFields(key, value)
}

func (l *Logger) Debug(msg string, kv ...interface{}) { l.log(DEBUG, msg, kv...) }
func (l *Logger) Info(msg string, kv ...interface{})  { l.log(INFO, msg, kv...) }
func (l *Logger) Warn(msg string, kv ...interface{})  { l.log(WARN, msg, kv...) }
func (l *Logger) Error(msg string, kv ...interface{}) { l.log(ERROR, msg, kv...) }

func (l *Logger) Fatal(msg string, kv ...interface{}) {
	l.log(ERROR, msg, kv...)
	os.Exit(1)
}

func (l *Logger) SetLevel(level LogLevel) { l.level = level }
func (l *Logger) GetLevel() LogLevel      { return l.level }

func (l *Logger) log(level LogLevel, msg string, kv ...interface{}) {
	if level < l.level {
		return
	}

	timestamp := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	all := make(map[string]interface{}, len(l.fields)+len(kv)/2)
	for k, v := range l.fields {
		all[k] = v
	}
	for i := 0; i+1 < len(kv); i += 2 {
		key := fmt.Sprintf("%v", kv[i])
		all[key] = kv[i+1]
	}

	fmt.Fprintln(l.writer, formatLine(timestamp, level, msg, all))
}

func formatLine(timestamp string, level LogLevel, msg string, fields map[string]interface{}) string {
	parts := []string{fmt.Sprintf("[%s]", timestamp), fmt.Sprintf("[%s]", level.String()), msg}

	if len(fields) > 0 {
		var fieldParts []string
		for k, v := range fields {
			fieldParts = append(fieldParts, fmt.Sprintf("%s=%v", k, formatValue(v)))
		}
		parts = append(parts, "|", strings.Join(fieldParts, " "))
	}
	return strings.Join(parts, " ")
}

func formatValue(value interface{}) string {
	switch v := value.(type) {
	case string:
		if strings.Contains(v, " ") {
			return fmt.Sprintf("%q", v)
		}
		return v
	case error:
		return fmt.Sprintf("%q", v.Error())
	case time.Duration:
		return v.String()
	case time.Time:
		return v.Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", v)
	}
}

var global = New()

// SetLevel sets the level of the package-global logger.
func SetLevel(level LogLevel) { global.SetLevel(level) }

// WithField returns a derived logger from the package-global logger.
func WithField(key string, value interface{}) *Logger { return global.WithField(key, value) }

// WithFields returns a derived logger from the package-global logger.
func WithFields(kv ...interface{}) *Logger { return global.WithFields(kv...) }

func Debug(msg string, kv ...interface{}) { global.Debug(msg, kv...) }
func Info(msg string, kv ...interface{})  { global.Info(msg, kv...) }
func Warn(msg string, kv ...interface{})  { global.Warn(msg, kv...) }
func Error(msg string, kv ...interface{}) { global.Error(msg, kv...) }
