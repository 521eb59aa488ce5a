// Package logging provides structured logging for bus operations.
package logging

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	dbustypes "github.com/nikicat/propbus/internal/dbus"
)

// Logger wraps slog for structured call logging.
type Logger struct {
	*slog.Logger
	conn string
}

// New returns a Logger on top of base. A nil base uses slog.Default().
func New(base *slog.Logger, conn string) *Logger {
	if base == nil {
		base = slog.Default()
	}
	return &Logger{
		Logger: base,
		conn:   conn,
	}
}

// Discard returns a Logger that drops everything.
func Discard() *Logger {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)), "")
}

// WithConn returns a new Logger labelled with the given connection name.
func (l *Logger) WithConn(conn string) *Logger {
	return &Logger{
		Logger: l.Logger,
		conn:   conn,
	}
}

// LogCall logs a method call with its outcome. Successful calls are logged at
// debug level, failures at info level so that cancelled and timed out calls show up.
func (l *Logger) LogCall(ctx context.Context, addr dbustypes.Address, member string, serial uint64, elapsed time.Duration, err error) {
	attrs := []slog.Attr{
		slog.String("conn", l.conn),
		slog.String("dest", addr.Name),
		slog.String("path", string(addr.Path)),
		slog.String("interface", addr.Interface),
		slog.String("member", member),
		slog.Uint64("serial", serial),
		slog.Duration("elapsed", elapsed),
	}
	level := slog.LevelDebug
	if err != nil {
		level = slog.LevelInfo
		attrs = append(attrs, slog.String("result", callResult(err)), slog.String("error", err.Error()))
	} else {
		attrs = append(attrs, slog.String("result", "ok"))
	}

	l.LogAttrs(ctx, level, "dbus_call", attrs...)
}

// LogSignal logs a dispatched signal at debug level.
func (l *Logger) LogSignal(ctx context.Context, sig *dbustypes.Signal, handlers int) {
	l.LogAttrs(ctx, slog.LevelDebug, "dbus_signal",
		slog.String("conn", l.conn),
		slog.String("sender", sig.Sender),
		slog.String("path", string(sig.Path)),
		slog.String("interface", sig.Interface),
		slog.String("member", sig.Member),
		slog.Int("handlers", handlers),
	)
}

func callResult(err error) string {
	var remote *dbustypes.RemoteError
	switch {
	case errors.Is(err, dbustypes.ErrTimeout):
		return "timeout"
	case errors.Is(err, dbustypes.ErrConnectionLost):
		return "connection_lost"
	case errors.Is(err, dbustypes.ErrNoSuchMember):
		return "no_such_member"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.As(err, &remote):
		return "remote_error"
	}
	return "error"
}

// ParseLevel maps a level name to a slog.Level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewHandler builds the process-wide handler: JSON for "json", colored text otherwise.
func NewHandler(w io.Writer, level slog.Level, format string) slog.Handler {
	if format == "json" {
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	}

	// When running under systemd, the journal adds its own timestamps.
	underSystemd := os.Getenv("INVOCATION_ID") != ""
	opts := &tint.Options{
		Level:      level,
		TimeFormat: time.TimeOnly,
		NoColor:    underSystemd,
	}
	if underSystemd {
		opts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.Attr{}
			}
			return a
		}
	}
	return tint.NewHandler(w, opts)
}
