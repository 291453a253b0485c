package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/stefankubicki/istota/internal/shared"
)

// NewLogger opens the durable JSON log file and, when consoleText is
// true (an interactive TTY per cmd/istota's isatty check), also mirrors
// output to stdout through a human-readable text handler instead of the
// raw JSON lines; a non-interactive run gets JSON on both the file and
// stdout, matching prior single-handler daemon-mode behavior.
func NewLogger(homeDir, level string, consoleText bool) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}

	logFilePath := filepath.Join(logDir, "system.jsonl")
	file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	lvl := parseLevel(level)
	opts := &slog.HandlerOptions{
		Level:       lvl,
		ReplaceAttr: redactingReplaceAttr,
	}

	fileHandler := slog.NewJSONHandler(file, opts)

	var handler slog.Handler
	if consoleText {
		handler = &multiHandler{fileHandler, slog.NewTextHandler(os.Stdout, opts)}
	} else {
		handler = &multiHandler{fileHandler, slog.NewJSONHandler(os.Stdout, opts)}
	}

	logger := slog.New(handler).With("component", "runtime", "trace_id", "-")
	return logger, file, nil
}

func redactingReplaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
	}
	if shouldRedactKey(a.Key) {
		return slog.String(a.Key, "[REDACTED]")
	}
	if a.Value.Kind() == slog.KindString {
		if redacted, ok := redactStringValue(a.Value.String()); ok {
			return slog.String(a.Key, redacted)
		}
	}
	return a
}

// multiHandler fans every record out to each wrapped handler, so the
// durable JSON file sink and the console sink (text or JSON) can use
// different formats without a second logger instance.
type multiHandler []slog.Handler

func (m *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range *m {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, record slog.Record) error {
	for _, h := range *m {
		if h.Enabled(ctx, record.Level) {
			if err := h.Handle(ctx, record.Clone()); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(multiHandler, len(*m))
	for i, h := range *m {
		out[i] = h.WithAttrs(attrs)
	}
	return &out
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	out := make(multiHandler, len(*m))
	for i, h := range *m {
		out[i] = h.WithGroup(name)
	}
	return &out
}

func shouldRedactKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	sensitiveTokens := []string{"token", "secret", "password", "authorization", "api_key", "apikey", "bearer"}
	for _, token := range sensitiveTokens {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}

func redactStringValue(v string) (string, bool) {
	lower := strings.ToLower(v)
	// Full redaction for strings containing bearer tokens or auth headers.
	if strings.Contains(lower, "bearer ") {
		return "[REDACTED]", true
	}
	if strings.Contains(lower, "api_key") || strings.Contains(lower, "authorization:") {
		return "[REDACTED]", true
	}
	// Apply shared pattern-based redaction for other secrets (GC-SPEC-SEC-005).
	redacted := shared.Redact(v)
	if redacted != v {
		return redacted, true
	}
	return v, false
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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
