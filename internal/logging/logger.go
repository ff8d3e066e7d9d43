package logging

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"poleposition/raceserver/internal/config"
)

// ServiceName tags every record emitted by loggers built with New.
const ServiceName = "race-server"

var (
	globalMu     sync.RWMutex
	globalLogger = newNopLogger()
)

// Level orders log verbosity.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

var levelNames = [...]string{"debug", "info", "warn", "error", "fatal"}

func (l Level) String() string {
	if l < DebugLevel || l > FatalLevel {
		return "info"
	}
	return levelNames[l]
}

// ParseLevel maps a textual level onto Level. Empty input means info.
func ParseLevel(raw string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return DebugLevel, nil
	case "info", "":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	case "fatal":
		return FatalLevel, nil
	}
	return InfoLevel, fmt.Errorf("unknown log level %q", raw)
}

// Field is one structured attribute of a record.
type Field struct {
	Key   string
	Value any
}

func String(key, value string) Field            { return Field{Key: key, Value: value} }
func Strings(key string, values []string) Field { return Field{Key: key, Value: values} }
func Int(key string, value int) Field           { return Field{Key: key, Value: value} }
func Int64(key string, value int64) Field       { return Field{Key: key, Value: value} }
func Float64(key string, value float64) Field   { return Field{Key: key, Value: value} }
func Bool(key string, value bool) Field         { return Field{Key: key, Value: value} }
func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value.String()}
}

// Error records err under the "error" key. A nil error is logged as null.
func Error(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

// Logger writes one JSON object per line.
type Logger struct {
	mu     *sync.Mutex
	level  Level
	writer syncWriter
	fields map[string]any
}

type syncWriter interface {
	io.Writer
	Sync() error
}

// New builds the process logger: a size-rotated file mirrored to stdout.
// The logger also becomes the global fallback.
func New(cfg config.LoggingConfig) (*Logger, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("logging path must be specified")
	}
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	file, err := newRotatingWriter(cfg)
	if err != nil {
		return nil, err
	}
	out := teeWriter{file, os.Stdout}
	logger := &Logger{
		mu:     &sync.Mutex{},
		level:  level,
		writer: out,
		fields: map[string]any{"service": ServiceName},
	}
	ReplaceGlobals(logger)
	return logger, nil
}

// NewWithWriter logs to w at the given level. Used by tests that assert on output.
func NewWithWriter(w io.Writer, level Level) *Logger {
	return &Logger{
		mu:     &sync.Mutex{},
		level:  level,
		writer: plainSyncWriter{w},
		fields: map[string]any{},
	}
}

// NewTestLogger returns a logger that discards output.
func NewTestLogger() *Logger { return newNopLogger() }

func newNopLogger() *Logger {
	return &Logger{
		mu:     &sync.Mutex{},
		level:  DebugLevel,
		writer: plainSyncWriter{io.Discard},
		fields: map[string]any{},
	}
}

// ReplaceGlobals swaps the fallback logger used by L and nil receivers.
func ReplaceGlobals(logger *Logger) {
	if logger == nil {
		return
	}
	globalMu.Lock()
	globalLogger = logger
	globalMu.Unlock()
}

// L returns the current global logger.
func L() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// With returns a child logger carrying the extra fields. The child shares
// the parent's writer and lock.
func (l *Logger) With(fields ...Field) *Logger {
	if l == nil {
		return L().With(fields...)
	}
	child := &Logger{
		mu:     l.mu,
		level:  l.level,
		writer: l.writer,
		fields: make(map[string]any, len(l.fields)+len(fields)),
	}
	for k, v := range l.fields {
		child.fields[k] = v
	}
	for _, f := range fields {
		child.fields[f.Key] = f.Value
	}
	return child
}

// Enabled reports whether records at level would be written.
func (l *Logger) Enabled(level Level) bool {
	if l == nil {
		return L().Enabled(level)
	}
	return level >= l.level
}

// Sync flushes buffered output.
func (l *Logger) Sync() error {
	if l == nil || l.writer == nil {
		return nil
	}
	return l.writer.Sync()
}

func (l *Logger) Debug(msg string, fields ...Field) { l.log(DebugLevel, msg, fields) }
func (l *Logger) Info(msg string, fields ...Field)  { l.log(InfoLevel, msg, fields) }
func (l *Logger) Warn(msg string, fields ...Field)  { l.log(WarnLevel, msg, fields) }
func (l *Logger) Error(msg string, fields ...Field) { l.log(ErrorLevel, msg, fields) }

// Fatal logs and exits the process with status 1.
func (l *Logger) Fatal(msg string, fields ...Field) { l.log(FatalLevel, msg, fields) }

func (l *Logger) log(level Level, msg string, fields []Field) {
	if l == nil {
		L().log(level, msg, fields)
		return
	}
	if level < l.level {
		return
	}
	//1.- Merge base fields, envelope keys and call-site fields, later keys win.
	record := make(map[string]any, len(l.fields)+len(fields)+3)
	for k, v := range l.fields {
		record[k] = v
	}
	record["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	record["level"] = level.String()
	record["message"] = msg
	for _, f := range fields {
		record[f.Key] = f.Value
	}
	line, err := json.Marshal(record)
	if err != nil {
		return
	}
	//2.- Serialise writes so concurrent records never interleave.
	l.mu.Lock()
	_, _ = l.writer.Write(append(line, '\n'))
	if level == FatalLevel {
		_ = l.writer.Sync()
		l.mu.Unlock()
		os.Exit(1)
	}
	l.mu.Unlock()
}

type teeWriter []syncWriter

func (t teeWriter) Write(p []byte) (int, error) {
	for _, w := range t {
		if w == nil {
			continue
		}
		if _, err := w.Write(p); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

func (t teeWriter) Sync() error {
	var first error
	for _, w := range t {
		if w == nil {
			continue
		}
		if err := w.Sync(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

type plainSyncWriter struct{ io.Writer }

func (plainSyncWriter) Sync() error { return nil }
