// SPDX-License-Identifier: MIT

// Package hadlog provides the leveled logger every hadc component takes by
// injection, in place of a global logger.
//
// It wraps log/slog the way the teacher's supervisor.Config took a plain
// io.Writer and formatted lines through a logf helper: callers get a small
// struct with Trace/Debug/Info/Warn/Crit methods instead of reaching for
// slog's generic Log(ctx, level, msg, args...) at every call site.
package hadlog

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// Custom levels bracketing slog's four built-in ones. TRACE is noisier than
// DEBUG; CRIT is fatal and always more severe than ERROR.
const (
	LevelTrace slog.Level = slog.LevelDebug - 4
	LevelCrit  slog.Level = slog.LevelError + 4
)

var levelNames = map[slog.Leveler]string{
	LevelTrace: "TRACE",
	LevelCrit:  "CRIT",
}

// Logger is the injected logging handle. The zero value is usable and
// discards everything.
type Logger struct {
	slog  *slog.Logger
	trace bool
}

// New builds a Logger writing text-formatted records to w. trace enables
// TRACE-level output; pass the result of TraceEnabled() for the normal
// HADC_TRACE-gated behavior.
func New(w io.Writer, trace bool) *Logger {
	minLevel := slog.LevelInfo
	if trace {
		minLevel = LevelTrace
	}
	h := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: minLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.LevelKey {
				level := a.Value.Any().(slog.Level)
				if name, ok := levelNames[level]; ok {
					a.Value = slog.StringValue(name)
				}
			}
			return a
		},
	})
	return &Logger{slog: slog.New(h), trace: trace}
}

// Discard returns a Logger that drops every record.
func Discard() *Logger {
	return New(io.Discard, false)
}

// TraceEnabled reports whether HADC_TRACE is set to a truthy value.
func TraceEnabled() bool {
	v := os.Getenv("HADC_TRACE")
	return v != "" && v != "0" && v != "false"
}

func (l *Logger) log(ctx context.Context, level slog.Level, msg string, args ...any) {
	if l == nil || l.slog == nil {
		return
	}
	l.slog.Log(ctx, level, msg, args...)
}

// Trace logs at TRACE level; a no-op unless the Logger was built with trace
// enabled.
func (l *Logger) Trace(msg string, args ...any) {
	if l == nil || !l.trace {
		return
	}
	l.log(context.Background(), LevelTrace, msg, args...)
}

// Debug logs at DEBUG level.
func (l *Logger) Debug(msg string, args ...any) { l.log(context.Background(), slog.LevelDebug, msg, args...) }

// Info logs at INFO level.
func (l *Logger) Info(msg string, args ...any) { l.log(context.Background(), slog.LevelInfo, msg, args...) }

// Warn logs at WARN level.
func (l *Logger) Warn(msg string, args ...any) { l.log(context.Background(), slog.LevelWarn, msg, args...) }

// Crit logs at CRIT level and terminates the process with status 1. Every
// fatal condition in hadc (configuration errors, filesystem errors,
// unexpected signal errno) goes through Crit so "log at CRIT and terminate
// immediately" (spec §7) is a single call, not a log-then-remember-to-exit
// pattern scattered across callers.
func (l *Logger) Crit(msg string, args ...any) {
	l.log(context.Background(), LevelCrit, msg, args...)
	os.Exit(1)
}
