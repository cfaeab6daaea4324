package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// Key constants for structured log fields.
const (
	KeyRunID      = "runId"
	KeyMeetingID  = "meetingId"
	KeyPhase      = "phase"
	KeyComponent  = "component"
	KeyDurationMs = "durationMs"
	KeyError      = "error"
)

const redacted = "[REDACTED]"

// sensitiveKeys never reach a sink with their value intact.
var sensitiveKeys = map[string]bool{
	"password":   true,
	"secret":     true,
	"apikey":     true,
	"api_key":    true,
	"token":      true,
	"authtoken":  true,
	"credential": true,
}

type contextKey struct{}

// switchableHandler lets package-level loggers created before Init()
// pick up the configured handler once Init runs.
type switchableHandler struct {
	current *atomic.Pointer[slog.Handler]
	attrs   []slog.Attr
	groups  []string
}

func newSwitchableHandler(h slog.Handler) *switchableHandler {
	p := &atomic.Pointer[slog.Handler]{}
	p.Store(&h)
	return &switchableHandler{current: p}
}

func (h *switchableHandler) set(handler slog.Handler) {
	h.current.Store(&handler)
}

func (h *switchableHandler) resolve() slog.Handler {
	handler := *h.current.Load()
	for _, group := range h.groups {
		handler = handler.WithGroup(group)
	}
	if len(h.attrs) > 0 {
		handler = handler.WithAttrs(h.attrs)
	}
	return handler
}

func (h *switchableHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.resolve().Enabled(ctx, level)
}

func (h *switchableHandler) Handle(ctx context.Context, record slog.Record) error {
	return h.resolve().Handle(ctx, record)
}

func (h *switchableHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &switchableHandler{current: h.current, attrs: merged, groups: append([]string(nil), h.groups...)}
}

func (h *switchableHandler) WithGroup(name string) slog.Handler {
	groups := make([]string, 0, len(h.groups)+1)
	groups = append(groups, h.groups...)
	groups = append(groups, name)
	return &switchableHandler{current: h.current, attrs: append([]slog.Attr(nil), h.attrs...), groups: groups}
}

var (
	rootHandler   = newSwitchableHandler(newBaseHandler("text", slog.LevelInfo, os.Stdout))
	defaultLogger = slog.New(rootHandler)
)

func init() {
	slog.SetDefault(defaultLogger)
}

// Init initializes the global logger. Call once after config is loaded.
// format: "json" or "text" (default "text")
// level: "debug", "info", "warn", "error" (default "info")
// output: writer to log to (nil = os.Stdout)
func Init(format, level string, output io.Writer) {
	if output == nil {
		output = os.Stdout
	}
	rootHandler.set(newBaseHandler(format, parseLevel(level), output))
	defaultLogger = slog.New(rootHandler)
	slog.SetDefault(defaultLogger)
}

func newBaseHandler(format string, level slog.Level, output io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: redactAttr,
	}
	if strings.EqualFold(format, "json") {
		return slog.NewJSONHandler(output, opts)
	}
	return slog.NewTextHandler(output, opts)
}

func redactAttr(_ []string, a slog.Attr) slog.Attr {
	if sensitiveKeys[strings.ToLower(a.Key)] {
		return slog.String(a.Key, redacted)
	}
	return a
}

// Output builds the log destination: stdout, a rotating file, or both.
// A nil closer is returned when only stdout is used.
func Output(filePath string, maxSizeMB, maxBackups int, alsoStdout bool) (io.Writer, io.Closer, error) {
	if filePath == "" {
		return os.Stdout, nil, nil
	}
	rw, err := NewRotatingWriter(filePath, maxSizeMB, maxBackups)
	if err != nil {
		return nil, nil, err
	}
	if alsoStdout {
		return io.MultiWriter(os.Stdout, rw), rw, nil
	}
	return rw, rw, nil
}

// L returns a logger tagged with the given component name.
func L(component string) *slog.Logger {
	return slog.New(rootHandler).With(slog.String(KeyComponent, component))
}

// WithRun returns a child logger with run correlation fields attached.
func WithRun(logger *slog.Logger, runID, meetingID string) *slog.Logger {
	return logger.With(
		slog.String(KeyRunID, runID),
		slog.String(KeyMeetingID, meetingID),
	)
}

// NewContext returns a new context carrying the given logger.
func NewContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, contextKey{}, logger)
}

// FromContext extracts the logger from context, falling back to the default.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(contextKey{}).(*slog.Logger); ok {
		return l
	}
	return defaultLogger
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
