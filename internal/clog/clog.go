// Package clog provides the structured logger shared by the daemon,
// coordinator, and node supervisor. It wraps a zap.SugaredLogger with a
// fixed set of identity fields (machine, dataflow, node) so every log line
// emitted by the event loop can be traced back to the entity it concerns,
// the way the teacher's conditional logger attached a fixed prefix to every
// line instead of requiring call sites to repeat it.
package clog

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	level = zap.NewAtomicLevelAt(zap.InfoLevel)

	rootOnce sync.Once
	root     *zap.Logger
)

// Enable turns on debug-level output, the structured equivalent of the
// teacher's clog.Enable() toggle for its -l flag.
func Enable() {
	level.SetLevel(zap.DebugLevel)
}

func rootLogger() *zap.Logger {
	rootOnce.Do(func() {
		cfg := zap.NewProductionEncoderConfig()
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		core := zapcore.NewCore(
			zapcore.NewConsoleEncoder(cfg),
			zapcore.AddSync(os.Stderr),
			level,
		)
		root = zap.New(core)
	})
	return root
}

// Logger is a structured logger bound to a component identity, e.g. a
// daemon's machine id or a coordinator instance.
type Logger struct {
	*zap.SugaredLogger
}

// New creates a Logger tagged with the given component name and any
// initial key/value fields, e.g. clog.New("daemon", "machine", machineID).
func New(component string, kv ...any) *Logger {
	args := append([]any{"component", component}, kv...)
	return &Logger{rootLogger().Sugar().With(args...)}
}

// With returns a derived Logger carrying additional fields, used to attach
// a dataflow or node id once it becomes known in a handler.
func (l *Logger) With(kv ...any) *Logger {
	return &Logger{l.SugaredLogger.With(kv...)}
}
