package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/m-mizutani/clog"
)

// LogLevel mirrors the slog levels under short names used by callers.
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

type contextKey struct{}

var loggerKey = contextKey{}

var (
	mu           sync.RWMutex
	currentLevel slog.Level = slog.LevelInfo
	output       io.Writer  = os.Stderr
	defaultLog   *slog.Logger
)

func init() {
	defaultLog = newLogger(currentLevel, output)
}

func newLogger(level slog.Level, w io.Writer) *slog.Logger {
	handler := clog.New(
		clog.WithWriter(w),
		clog.WithLevel(level),
		clog.WithTimeFmt("15:04:05"),
		clog.WithSource(false),
		clog.WithAttrHook(clog.GoerrHook),
	)
	return slog.New(handler)
}

// ParseLevel converts "debug", "info", "warn"/"warning" or "error" to a LogLevel.
// Unknown values fall back to INFO.
func ParseLevel(level string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	default:
		return INFO
	}
}

func (l LogLevel) slogLevel() slog.Level {
	switch l {
	case DEBUG:
		return slog.LevelDebug
	case WARN:
		return slog.LevelWarn
	case ERROR:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds a standalone logger writing to w. Used by tests and tools that
// must not touch the process-wide default.
func New(level string, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	return newLogger(ParseLevel(level).slogLevel(), w)
}

// SetLevel changes the level of the default logger.
func SetLevel(level LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	currentLevel = level.slogLevel()
	defaultLog = newLogger(currentLevel, output)
}

// SetOutput redirects the default logger.
func SetOutput(w io.Writer) {
	if w == nil {
		w = os.Stderr
	}
	mu.Lock()
	defer mu.Unlock()
	output = w
	defaultLog = newLogger(currentLevel, w)
}

// Default returns the process-wide logger.
func Default() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return defaultLog
}

// With attaches a logger to ctx.
func With(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// From returns the logger attached to ctx, or the default one.
func From(ctx context.Context) *slog.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok && l != nil {
			return l
		}
	}
	return Default()
}

func attrs(component string, fields map[string]interface{}) []any {
	out := make([]any, 0, 2+len(fields)*2)
	out = append(out, "component", component)
	for k, v := range fields {
		out = append(out, k, v)
	}
	return out
}

func DebugC(component, msg string) { Default().Debug(msg, attrs(component, nil)...) }
func InfoC(component, msg string)  { Default().Info(msg, attrs(component, nil)...) }
func WarnC(component, msg string)  { Default().Warn(msg, attrs(component, nil)...) }
func ErrorC(component, msg string) { Default().Error(msg, attrs(component, nil)...) }

func DebugCF(component, msg string, fields map[string]interface{}) {
	Default().Debug(msg, attrs(component, fields)...)
}

func InfoCF(component, msg string, fields map[string]interface{}) {
	Default().Info(msg, attrs(component, fields)...)
}

func WarnCF(component, msg string, fields map[string]interface{}) {
	Default().Warn(msg, attrs(component, fields)...)
}

func ErrorCF(component, msg string, fields map[string]interface{}) {
	Default().Error(msg, attrs(component, fields)...)
}
