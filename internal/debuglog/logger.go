package debuglog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

var (
	mu      sync.Mutex
	base    *slog.Logger
	rlMu    sync.Mutex
	rlLast  = make(map[string]time.Time)
	rlSweep = time.Now()
)

func enabled() bool {
	return os.Getenv("NEARLINK_DEBUG") == "1"
}

// New builds a text slog logger writing to w. Debug records are kept only
// when debug is true.
func New(w io.Writer, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// Logger returns the process logger, creating a stderr logger on first use.
func Logger() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	if base == nil {
		base = New(os.Stderr, enabled())
	}
	return base
}

// SetLogger replaces the process logger. Passing nil restores the default.
func SetLogger(l *slog.Logger) {
	mu.Lock()
	base = l
	mu.Unlock()
}

// Discard is a logger that drops everything; used by tests and as a
// fallback when a component is built without one.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func Logf(format string, args ...any) {
	Logger().Info(fmt.Sprintf(format, args...))
}

func Debugf(format string, args ...any) {
	if !enabled() {
		return
	}
	Logger().Debug(fmt.Sprintf(format, args...))
}

// RateLimited logs msg through l at most once per interval for key.
func RateLimited(ctx context.Context, l *slog.Logger, key string, interval time.Duration, msg string, args ...any) {
	if l == nil || key == "" {
		return
	}
	now := time.Now()
	rlMu.Lock()
	last := rlLast[key]
	if now.Sub(last) < interval {
		rlMu.Unlock()
		return
	}
	rlLast[key] = now
	if now.Sub(rlSweep) > 2*interval {
		for k, ts := range rlLast {
			if now.Sub(ts) > 4*interval {
				delete(rlLast, k)
			}
		}
		rlSweep = now
	}
	rlMu.Unlock()
	l.DebugContext(ctx, msg, args...)
}
