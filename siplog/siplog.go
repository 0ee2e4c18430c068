// Package siplog centralizes the console writer and level both logging
// styles used across this repository share: github.com/rs/zerolog for the
// root sipstack package's Server and ServerDialog, and log/slog for the sip
// package (see sip.DefaultLogger) and the root Client. Both are
// configured from the same SIP_LOG_LEVEL environment variable so a single
// knob controls verbosity everywhere, without picking one style over the
// other for either package.
package siplog

import (
	"context"
	"log/slog"
	"os"

	"github.com/rs/zerolog"
)

// EnvLevel is the environment variable consulted for the default level
// when no explicit level is passed to New/Configure.
const EnvLevel = "SIP_LOG_LEVEL"

// Options configures the shared console writer.
type Options struct {
	// Level is a zerolog level name ("debug", "info", "warn", "error",
	// "disabled"). Empty consults EnvLevel, falling back to "info".
	Level string
	// Writer overrides the console destination. Nil writes to os.Stderr.
	Writer *os.File
	// NoColor disables ANSI colorization (set true for non-TTY log
	// collection pipelines).
	NoColor bool
}

func (o Options) resolveLevel() zerolog.Level {
	name := o.Level
	if name == "" {
		name = os.Getenv(EnvLevel)
	}
	if name == "" {
		return zerolog.InfoLevel
	}
	lvl, err := zerolog.ParseLevel(name)
	if err != nil {
		return zerolog.InfoLevel
	}
	return lvl
}

// New builds a zerolog.Logger writing to a human-readable console, for use
// as the root package's WithServerLogger argument.
func New(opts Options) zerolog.Logger {
	out := opts.Writer
	if out == nil {
		out = os.Stderr
	}
	cw := zerolog.ConsoleWriter{Out: out, NoColor: opts.NoColor, TimeFormat: "15:04:05.000"}
	return zerolog.New(cw).Level(opts.resolveLevel()).With().Timestamp().Logger()
}

// NewSlogLogger builds a *slog.Logger backed by the same console writer and
// level as New, for use as sip.SetDefaultLogger's or WithClientLogger's
// argument, so a process
// that calls Configure gets one consistent log stream regardless of which
// package emitted a given line.
func NewSlogLogger(opts Options) *slog.Logger {
	zl := New(opts)
	return slog.New(&slogHandler{zl: zl})
}

// Configure builds a zerolog logger and a slog logger from one Options
// value, sharing one console writer and level, and returns both. It does
// not install either one as a process-wide default: neither the
// github.com/rs/zerolog/log global nor sip.SetDefaultLogger is touched.
func Configure(opts Options) (zerolog.Logger, *slog.Logger) {
	zl := New(opts)
	sl := slog.New(&slogHandler{zl: zl})
	return zl, sl
}

// slogHandler adapts a zerolog.Logger to slog.Handler so sip.DefaultLogger
// calls land on the same console writer/level as the rest of the process,
// instead of slog.Default()'s independent text handler.
type slogHandler struct {
	zl    zerolog.Logger
	attrs []slog.Attr
	group string
}

func (h *slogHandler) Enabled(_ context.Context, level slog.Level) bool {
	return h.zl.GetLevel() <= slogLevelToZerolog(level)
}

func (h *slogHandler) Handle(_ context.Context, r slog.Record) error {
	ev := h.zl.WithLevel(slogLevelToZerolog(r.Level))
	for _, a := range h.attrs {
		ev = ev.Interface(h.prefixed(a.Key), a.Value.Any())
	}
	r.Attrs(func(a slog.Attr) bool {
		ev = ev.Interface(h.prefixed(a.Key), a.Value.Any())
		return true
	})
	ev.Msg(r.Message)
	return nil
}

func (h *slogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &slogHandler{zl: h.zl, group: h.group}
	next.attrs = append(next.attrs, h.attrs...)
	next.attrs = append(next.attrs, attrs...)
	return next
}

func (h *slogHandler) WithGroup(name string) slog.Handler {
	return &slogHandler{zl: h.zl, attrs: h.attrs, group: name}
}

func (h *slogHandler) prefixed(key string) string {
	if h.group == "" {
		return key
	}
	return h.group + "." + key
}

func slogLevelToZerolog(l slog.Level) zerolog.Level {
	switch {
	case l >= slog.LevelError:
		return zerolog.ErrorLevel
	case l >= slog.LevelWarn:
		return zerolog.WarnLevel
	case l >= slog.LevelInfo:
		return zerolog.InfoLevel
	default:
		return zerolog.DebugLevel
	}
}
