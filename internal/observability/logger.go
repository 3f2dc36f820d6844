package observability

import (
	"io"
	"log/slog"
	"sort"
)

// Logger writes one JSON object per event. Event names are snake_case and
// fields are flattened into the top-level object.
type Logger struct {
	base *slog.Logger
}

func NewLoggerTo(w io.Writer, level slog.Level) *Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			switch a.Key {
			case slog.TimeKey:
				a.Key = "timestamp"
			case slog.MessageKey:
				a.Key = "message"
			}
			return a
		},
	})
	return &Logger{base: slog.New(handler)}
}

// Slog exposes the underlying logger for libraries that take a *slog.Logger.
func (l *Logger) Slog() *slog.Logger {
	return l.base
}

func (l *Logger) With(fields map[string]any) *Logger {
	return &Logger{base: l.base.With(attrs(fields)...)}
}

func (l *Logger) Debug(message string, fields map[string]any) {
	l.base.Debug(message, attrs(fields)...)
}

func (l *Logger) Info(message string, fields map[string]any) {
	l.base.Info(message, attrs(fields)...)
}

func (l *Logger) Warn(message string, fields map[string]any) {
	l.base.Warn(message, attrs(fields)...)
}

func (l *Logger) Error(message string, fields map[string]any) {
	l.base.Error(message, attrs(fields)...)
}

func attrs(fields map[string]any) []any {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]any, 0, len(keys))
	for _, k := range keys {
		out = append(out, slog.Any(k, fields[k]))
	}
	return out
}
