package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the application logger.
type Options struct {
	// Level applies to the console handler (debug, info, warn, error).
	Level string
	// File is the append-only log file. Empty disables file output.
	File string
	// CloudProfile and RunID are attached to every record.
	CloudProfile string
	RunID        string
	// Console overrides stdout, mainly for tests.
	Console io.Writer
}

var sensitiveKeys = []string{"password", "token", "ssh_public_key", "webhook_password"}

// Setup builds the logger used for a run. The console gets colorized tint output at
// the requested level, the file gets JSON records at debug level. The returned close
// function flushes and releases the log file.
func Setup(o Options) (*slog.Logger, func() error) {
	console := o.Console
	if console == nil {
		console = os.Stdout
	}

	var handlers []slog.Handler
	handlers = append(handlers, NewRedactingHandler(
		tint.NewHandler(console, &tint.Options{
			Level:      ParseLevel(o.Level),
			TimeFormat: time.RFC3339,
		}),
		sensitiveKeys,
	))

	closeFn := func() error { return nil }
	if o.File != "" {
		// lumberjack opens the file in append mode and only rotates past MaxSize.
		fileWriter := &lumberjack.Logger{
			Filename:   o.File,
			MaxSize:    10,
			MaxBackups: 5,
			MaxAge:     30,
		}
		closeFn = fileWriter.Close
		handlers = append(handlers, NewRedactingHandler(
			slog.NewJSONHandler(fileWriter, &slog.HandlerOptions{Level: slog.LevelDebug}),
			sensitiveKeys,
		))
	}

	var h slog.Handler = handlers[0]
	if len(handlers) > 1 {
		h = NewMultiHandler(handlers...)
	}

	logger := slog.New(h).With("cloud_profile", o.CloudProfile)
	if o.RunID != "" {
		logger = logger.With("run_id", o.RunID)
	}
	return logger, closeFn
}

// ParseLevel converts a level name into a slog.Level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// RedactingHandler masks attributes whose key is considered sensitive.
type RedactingHandler struct {
	inner slog.Handler
	keys  map[string]struct{}
}

// NewRedactingHandler wraps inner with redaction of the given keys (case-insensitive).
func NewRedactingHandler(inner slog.Handler, sensitive []string) *RedactingHandler {
	m := make(map[string]struct{}, len(sensitive))
	for _, k := range sensitive {
		m[strings.ToLower(k)] = struct{}{}
	}
	return &RedactingHandler{inner: inner, keys: m}
}

func (h *RedactingHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.inner.Enabled(ctx, l)
}

func (h *RedactingHandler) Handle(ctx context.Context, r slog.Record) error {
	nr := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	var attrs []slog.Attr
	r.Attrs(func(a slog.Attr) bool { attrs = append(attrs, a); return true })
	nr.AddAttrs(h.sanitize(attrs...)...)
	return h.inner.Handle(ctx, nr)
}

func (h *RedactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &RedactingHandler{inner: h.inner.WithAttrs(h.sanitize(attrs...)), keys: h.keys}
}

func (h *RedactingHandler) WithGroup(name string) slog.Handler {
	return &RedactingHandler{inner: h.inner.WithGroup(name), keys: h.keys}
}

func (h *RedactingHandler) sanitize(attrs ...slog.Attr) []slog.Attr {
	out := make([]slog.Attr, 0, len(attrs))
	for _, a := range attrs {
		if _, ok := h.keys[strings.ToLower(a.Key)]; ok {
			out = append(out, slog.String(a.Key, "[REDACTED]"))
			continue
		}
		out = append(out, a)
	}
	return out
}

// MultiHandler fans a record out to several handlers.
type MultiHandler struct {
	handlers []slog.Handler
}

func NewMultiHandler(handlers ...slog.Handler) *MultiHandler {
	return &MultiHandler{handlers: handlers}
}

func (h *MultiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *MultiHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, handler := range h.handlers {
		if !handler.Enabled(ctx, r.Level) {
			continue
		}
		// Each handler gets its own clone; attrs are consumed during Handle.
		if err := handler.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (h *MultiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &MultiHandler{handlers: handlers}
}

func (h *MultiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &MultiHandler{handlers: handlers}
}
