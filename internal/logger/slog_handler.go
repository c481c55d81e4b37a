package logger

import (
	"context"
	"log/slog"

	"github.com/rs/zerolog"
)

// zlHandler forwards slog records into zerolog so components written
// against *slog.Logger share the process log stream. It covers the
// narrow surface those components use: leveled messages with flat
// key/value attrs. Groups are flattened away.
type zlHandler struct {
	zl zerolog.Logger
}

// NewSlog wraps zl in the slog front end.
func NewSlog(zl *zerolog.Logger) *slog.Logger {
	return slog.New(zlHandler{zl: *zl})
}

func (h zlHandler) Enabled(_ context.Context, l slog.Level) bool {
	lvl := toZerolog(l)
	return lvl >= h.zl.GetLevel() && lvl >= zerolog.GlobalLevel()
}

func (h zlHandler) Handle(_ context.Context, r slog.Record) error {
	ev := h.zl.WithLevel(toZerolog(r.Level))
	r.Attrs(func(a slog.Attr) bool {
		ev = attach(ev, a)
		return true
	})
	ev.Msg(r.Message)
	return nil
}

// WithAttrs folds the attrs into the underlying zerolog context, so they
// ride along on every later record without per-record replay.
func (h zlHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := h.zl.With()
	for _, a := range attrs {
		c = c.Interface(a.Key, a.Value.Resolve().Any())
	}
	return zlHandler{zl: c.Logger()}
}

func (h zlHandler) WithGroup(string) slog.Handler { return h }

func toZerolog(l slog.Level) zerolog.Level {
	switch {
	case l < slog.LevelInfo:
		return zerolog.DebugLevel
	case l < slog.LevelWarn:
		return zerolog.InfoLevel
	case l < slog.LevelError:
		return zerolog.WarnLevel
	default:
		return zerolog.ErrorLevel
	}
}

func attach(ev *zerolog.Event, a slog.Attr) *zerolog.Event {
	v := a.Value.Resolve()
	if err, ok := v.Any().(error); ok {
		return ev.AnErr(a.Key, err)
	}
	if v.Kind() == slog.KindString {
		return ev.Str(a.Key, v.String())
	}
	return ev.Interface(a.Key, v.Any())
}
