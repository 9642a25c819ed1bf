// Package logger is the process-wide structured logger. Every line is a JSON
// object; the *J helpers take an event name plus a flat field map so call
// sites read like the audit records they produce.
package logger

import (
	"os"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu  sync.RWMutex
	log = build(os.Getenv("DATACHAIN_LOG_LEVEL"))
)

func build(level string) *zap.Logger {
	lvl := zapcore.InfoLevel
	if level != "" {
		if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
			lvl = zapcore.InfoLevel
		}
	}
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.MessageKey = "event"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(cfg), zapcore.Lock(os.Stderr), lvl)
	return zap.New(core)
}

// SetLogger replaces the global logger (tests use zap.NewNop()).
func SetLogger(l *zap.Logger) {
	if l == nil {
		return
	}
	mu.Lock()
	log = l
	mu.Unlock()
}

// SetLevel rebuilds the global logger at level (debug, info, warn, error).
func SetLevel(level string) { SetLogger(build(level)) }

// L returns the underlying zap logger.
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return log
}

// Sync flushes buffered entries; call once on shutdown.
func Sync() { _ = L().Sync() }

func Info(msg string)  { L().Info(msg) }
func Warn(msg string)  { L().Warn(msg) }
func Error(msg string) { L().Error(msg) }

// InfoJ logs event with the provided fields at info level.
func InfoJ(event string, fields map[string]any) { L().Info(event, toFields(fields)...) }

// WarnJ logs event with the provided fields at warn level.
func WarnJ(event string, fields map[string]any) { L().Warn(event, toFields(fields)...) }

// ErrorJ logs event with the provided fields at error level.
func ErrorJ(event string, fields map[string]any) { L().Error(event, toFields(fields)...) }

// toFields sorts keys so output is stable across runs.
func toFields(m map[string]any) []zap.Field {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		out = append(out, zap.Any(k, m[k]))
	}
	return out
}
