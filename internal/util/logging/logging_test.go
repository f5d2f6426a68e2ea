//go:build unit

package logging_test

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/alexandremahdhaoui/jdss-e2e/internal/util/logging"
	"github.com/stretchr/testify/assert"
)

func TestOptionsFromEnv(t *testing.T) {
	t.Setenv(logging.DebugEnvKey, "")
	opts := logging.OptionsFromEnv()
	assert.False(t, opts.Development)
	assert.Equal(t, slog.LevelInfo, opts.Level)

	t.Setenv(logging.DebugEnvKey, "1")
	opts = logging.OptionsFromEnv()
	assert.True(t, opts.Development)
	assert.Equal(t, slog.LevelDebug, opts.Level)
}

func TestSetup_JSONHandler(t *testing.T) {
	previous := slog.Default()
	t.Cleanup(func() { slog.SetDefault(previous) })

	var buf bytes.Buffer
	logging.Setup(logging.Options{Level: slog.LevelInfo, Writer: &buf})

	slog.Info("starting VM", "root", "build")
	slog.Debug("filtered out")

	assert.Contains(t, buf.String(), `"msg":"starting VM"`)
	assert.Contains(t, buf.String(), `"root":"build"`)
	assert.NotContains(t, buf.String(), "filtered out")
}
