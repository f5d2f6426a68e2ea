//go:build unit

package metrics_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alexandremahdhaoui/jdss-e2e/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder_WriteTextfile(t *testing.T) {
	r := metrics.New()
	r.ObserveStep("build", "start", 90*time.Second, nil)
	r.ObserveStep("build", "build", 2*time.Second, errors.New("make failed"))
	r.ObservePoll("aggregation-test", "plugins", "Running", 42)
	r.ObserveRun("build", "run-1", time.Unix(1700000000, 0), errors.New("make failed"))

	path := filepath.Join(t.TempDir(), "metrics.prom")
	require.NoError(t, r.WriteTextfile(path))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(b)

	for _, want := range []string{
		`jdss_e2e_step_duration_seconds{pipeline="build",step="start"} 90`,
		`jdss_e2e_step_success{pipeline="build",step="start"} 1`,
		`jdss_e2e_step_success{pipeline="build",step="build"} 0`,
		`jdss_e2e_poll_ticks{pipeline="aggregation-test",state="Running",subject="plugins"} 42`,
		`jdss_e2e_run_success{pipeline="build",run_id="run-1"} 0`,
		`jdss_e2e_run_finished_timestamp_seconds{pipeline="build",run_id="run-1"} 1.7e+09`,
	} {
		assert.Contains(t, out, want)
	}
}

func TestRecorder_WriteTextfile_BadDir(t *testing.T) {
	r := metrics.New()
	err := r.WriteTextfile(filepath.Join(t.TempDir(), "missing", "metrics.prom"))
	assert.ErrorIs(t, err, metrics.ErrWriteTextfile)
}

func TestRecorder_WriteTextfile_OnlyObservedFamilies(t *testing.T) {
	r := metrics.New()
	r.ObserveStep("build", "clean", time.Millisecond, nil)
	path := filepath.Join(t.TempDir(), "metrics.prom")

	require.NoError(t, r.WriteTextfile(path))

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(b), "jdss_e2e_step_duration_seconds")
	assert.Contains(t, string(b), "jdss_e2e_step_success")
	assert.NotContains(t, string(b), "jdss_e2e_poll_ticks")
	assert.NotContains(t, string(b), "jdss_e2e_run_success")
}
