package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pdfctl/internal/config"
)

func TestTraditionalHandlerFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewTraditionalHandler(&buf, slog.LevelInfo))

	logger.Debug("hidden")
	logger.With("fit", "fit1").WithGroup("engine").Info("refinement step", "rw", 0.25)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[INFO] refinement step [fit=fit1 engine.rw=0.25]")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warning"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("bogus"))
}

func TestSetupWritesLogFile(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	cfg := config.Default()
	cfg.Logging.FileOutput = true
	cfg.Logging.LogDir = filepath.Join(t.TempDir(), "logs")

	logger, err := Setup(cfg)
	require.NoError(t, err)
	LogJobError(logger, "refine", "job-1", 0, errors.New("engine lost"), map[string]any{"fit": "fit1"})

	current := filepath.Join(cfg.Logging.LogDir, "pdfctl-current.log")
	data, err := os.ReadFile(current)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, "pdfctl logging initialized")
	assert.Contains(t, text, "[ERROR] job failed")
	assert.True(t, strings.Contains(text, "error=engine lost"))
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(newHandler(&buf, "debug", "json"))
	LogRefineStep(logger, "fit1", 3, 0.12, false)
	assert.Contains(t, buf.String(), `"msg":"refinement step"`)
	assert.Contains(t, buf.String(), `"step":3`)
}
