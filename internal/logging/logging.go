// Package logging builds the slog loggers used across pdfctl and holds the
// helpers that give job and refinement records a common shape.
package logging

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"pdfctl/internal/config"
)

// New returns a slog.Logger on stdout with the provided level string
// (debug, info, warn, error). format may be "json" or "text".
func New(level string, format string) *slog.Logger {
	return slog.New(newHandler(os.Stdout, level, format))
}

func newHandler(w io.Writer, level, format string) slog.Handler {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	if strings.ToLower(format) == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// Setup configures the default logger from cfg. Text output uses the
// traditional "[LEVEL] msg [k=v ...]" lines; with file output enabled the
// records also go to a daily file in the log directory, and
// pdfctl-current.log points at it.
func Setup(cfg *config.Config) (*slog.Logger, error) {
	writers := []io.Writer{os.Stdout}

	if cfg.Logging.FileOutput {
		if err := os.MkdirAll(cfg.Logging.LogDir, 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
		name := fmt.Sprintf("pdfctl-%s.log", time.Now().Format("2006-01-02"))
		file, err := os.OpenFile(filepath.Join(cfg.Logging.LogDir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		writers = append(writers, file)

		current := filepath.Join(cfg.Logging.LogDir, "pdfctl-current.log")
		os.Remove(current)
		// a missing symlink only costs the shortcut
		_ = os.Symlink(name, current)
	}
	out := io.MultiWriter(writers...)

	var handler slog.Handler
	if strings.ToLower(cfg.Logging.Format) == "json" {
		handler = newHandler(out, cfg.Logging.Level, "json")
	} else {
		handler = NewTraditionalHandler(out, parseLevel(cfg.Logging.Level))
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	logger.Info("pdfctl logging initialized",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
		"file_output", cfg.Logging.FileOutput,
		"log_dir", cfg.Logging.LogDir,
	)
	return logger, nil
}

// TraditionalHandler writes records as "[LEVEL] msg [k=v ...]" through a
// standard library logger, which adds the timestamp.
type TraditionalHandler struct {
	logger *log.Logger
	mu     *sync.Mutex
	level  slog.Level
	prefix string
	attrs  []string
}

// NewTraditionalHandler returns a handler writing to w at level and above.
func NewTraditionalHandler(w io.Writer, level slog.Level) *TraditionalHandler {
	return &TraditionalHandler{
		logger: log.New(w, "", log.LstdFlags),
		mu:     &sync.Mutex{},
		level:  level,
	}
}

func (h *TraditionalHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *TraditionalHandler) Handle(_ context.Context, r slog.Record) error {
	attrs := append([]string(nil), h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		attrs = append(attrs, formatAttr(h.prefix, a))
		return true
	})
	msg := r.Message
	if len(attrs) > 0 {
		msg = fmt.Sprintf("%s [%s]", msg, strings.Join(attrs, " "))
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.logger.Printf("[%s] %s", strings.ToUpper(r.Level.String()), msg)
	return nil
}

func (h *TraditionalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.attrs = append([]string(nil), h.attrs...)
	for _, a := range attrs {
		c.attrs = append(c.attrs, formatAttr(h.prefix, a))
	}
	return &c
}

func (h *TraditionalHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := *h
	c.prefix = h.prefix + name + "."
	return &c
}

func formatAttr(prefix string, a slog.Attr) string {
	return fmt.Sprintf("%s%s=%v", prefix, a.Key, a.Value.Resolve())
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
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

// LogJobStart logs the beginning of a queued fit or calculation.
func LogJobStart(logger *slog.Logger, kind, jobID, fit string, options map[string]any) {
	logger.Info("job started",
		"kind", kind,
		"id", jobID,
		"fit", fit,
		"options", options,
	)
}

// LogJobComplete logs successful job completion.
func LogJobComplete(logger *slog.Logger, kind, jobID string, duration time.Duration, resultInfo map[string]any) {
	logger.Info("job completed",
		"kind", kind,
		"id", jobID,
		"duration_ms", duration.Milliseconds(),
		"result", resultInfo,
	)
}

// LogJobError logs job failures.
func LogJobError(logger *slog.Logger, kind, jobID string, duration time.Duration, err error, context map[string]any) {
	logger.Error("job failed",
		"kind", kind,
		"id", jobID,
		"duration_ms", duration.Milliseconds(),
		"error", err.Error(),
		"context", context,
	)
}

// LogEngineStatus logs engine process startup.
func LogEngineStatus(logger *slog.Logger, command string, pid int, err error) {
	if err != nil {
		logger.Warn("engine not available", "command", command, "error", err)
		return
	}
	logger.Debug("engine started", "command", command, "pid", pid)
}

// LogRefineStep logs one refinement iteration of a fit.
func LogRefineStep(logger *slog.Logger, fit string, step int, rw float64, finished bool) {
	logger.Debug("refinement step",
		"fit", fit,
		"step", step,
		"rw", rw,
		"finished", finished,
	)
}
