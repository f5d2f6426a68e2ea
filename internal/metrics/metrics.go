// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package metrics records the outcome of a pipeline run and writes it in the
// node-exporter textfile format.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var ErrWriteTextfile = errors.New("failed to write metrics textfile")

const namespace = "jdss_e2e"

// Recorder holds the metrics of one run. It owns its registry, so several
// runs in a process never collide.
type Recorder struct {
	registry *prometheus.Registry

	stepDuration *prometheus.GaugeVec
	stepSuccess  *prometheus.GaugeVec
	pollTicks    *prometheus.GaugeVec
	runSuccess   *prometheus.GaugeVec
	runFinished  *prometheus.GaugeVec
}

func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		stepDuration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Wall-clock duration of a pipeline step.",
		}, []string{"pipeline", "step"}),
		stepSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "step_success",
			Help:      "1 if the pipeline step succeeded, 0 otherwise.",
		}, []string{"pipeline", "step"}),
		pollTicks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "poll_ticks",
			Help:      "Ticks consumed waiting for workloads, by final state.",
		}, []string{"pipeline", "subject", "state"}),
		runSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_success",
			Help:      "1 if the pipeline run succeeded, 0 otherwise.",
		}, []string{"pipeline", "run_id"}),
		runFinished: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "run_finished_timestamp_seconds",
			Help:      "Unix time the pipeline run finished.",
		}, []string{"pipeline", "run_id"}),
	}

	r.registry.MustRegister(r.stepDuration, r.stepSuccess, r.pollTicks, r.runSuccess, r.runFinished)
	return r
}

func (r *Recorder) ObserveStep(pipeline, step string, d time.Duration, err error) {
	r.stepDuration.WithLabelValues(pipeline, step).Set(d.Seconds())
	r.stepSuccess.WithLabelValues(pipeline, step).Set(boolToFloat(err == nil))
}

func (r *Recorder) ObservePoll(pipeline, subject, state string, ticks int) {
	r.pollTicks.WithLabelValues(pipeline, subject, state).Set(float64(ticks))
}

func (r *Recorder) ObserveRun(pipeline, runID string, finished time.Time, err error) {
	r.runSuccess.WithLabelValues(pipeline, runID).Set(boolToFloat(err == nil))
	r.runFinished.WithLabelValues(pipeline, runID).Set(float64(finished.Unix()))
}

// WriteTextfile writes every metric to path atomically.
func (r *Recorder) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return errors.Join(err, ErrWriteTextfile)
	}
	return nil
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
