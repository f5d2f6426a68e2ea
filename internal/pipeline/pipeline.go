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

// Package pipeline sequences the build and aggregation-test runs.
//
// Steps run strictly one after the other and the first failure aborts the
// rest. Teardown runs after success unless NoClean is set, and after a
// failure only when CleanOnFailure is set so the VM stays inspectable.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/alexandremahdhaoui/jdss-e2e/internal/cluster"
	"github.com/alexandremahdhaoui/jdss-e2e/internal/metrics"
	"github.com/alexandremahdhaoui/jdss-e2e/internal/util/ssh"
	"github.com/alexandremahdhaoui/jdss-e2e/internal/version"
	"github.com/alexandremahdhaoui/jdss-e2e/internal/workspace"
	"github.com/alexandremahdhaoui/jdss-e2e/pkg/vmm"
	"github.com/google/uuid"
)

var ErrConnect = errors.New("failed to connect to VM")

const (
	StepClean    = "clean"
	StepTeardown = "teardown"
)

// VMManager is the part of vmm.Manager the pipelines drive.
type VMManager interface {
	GuestRoot() string
	Clean(ctx context.Context, root string) error
	Init(ctx context.Context, template, root string) error
	Start(ctx context.Context, root string) (vmm.Session, error)
	Session(ctx context.Context, root string) (vmm.Session, error)
}

var _ VMManager = &vmm.Manager{}

// Remote runs commands in a started VM.
type Remote interface {
	ssh.Runner
	io.Closer
}

// Connector opens a Remote for a started VM.
type Connector func(ctx context.Context, s vmm.Session) (Remote, error)

// ClusterFunc returns the cluster of a started VM.
type ClusterFunc func(ctx context.Context, runner ssh.Runner, s vmm.Session, l workspace.Layout) (cluster.Cluster, error)

// Options are shared by every pipeline.
type Options struct {
	// RunID defaults to a random UUID.
	RunID string
	// ArtifactDir receives <RunID>/report.json, report.txt and metrics.prom.
	// Nothing is written when empty.
	ArtifactDir    string
	NoClean        bool
	CleanOnFailure bool
}

type Runner struct {
	vms        VMManager
	connect    Connector
	git        version.Git
	newCluster ClusterFunc
	pollSleep  func(ctx context.Context, d time.Duration) error
	pollEvery  time.Duration
	now        func() time.Time
}

type Option func(*Runner)

func WithConnector(c Connector) Option { return func(r *Runner) { r.connect = c } }

// WithGit replaces the host-side git used to compute version tags.
func WithGit(g version.Git) Option { return func(r *Runner) { r.git = g } }

func WithCluster(f ClusterFunc) Option { return func(r *Runner) { r.newCluster = f } }

// WithPolling sets the readiness poll interval and the sleep between ticks.
func WithPolling(interval time.Duration, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(r *Runner) {
		r.pollEvery = interval
		r.pollSleep = sleep
	}
}

func WithClock(now func() time.Time) Option { return func(r *Runner) { r.now = now } }

func New(vms VMManager, opts ...Option) *Runner {
	r := &Runner{
		vms:        vms,
		connect:    SSHConnector,
		git:        version.LocalGit{},
		newCluster: ClusterFor(cluster.ModeKubectl, "", ""),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SSHConnector opens an SSH client for the session.
func SSHConnector(_ context.Context, s vmm.Session) (Remote, error) {
	c, err := s.NewClient()
	if err != nil {
		return nil, errors.Join(err, ErrConnect)
	}
	return c, nil
}

// ClusterFor selects the cluster implementation for mode.
func ClusterFor(mode cluster.Mode, namespace, kubeconfig string) ClusterFunc {
	return func(ctx context.Context, runner ssh.Runner, s vmm.Session, l workspace.Layout) (cluster.Cluster, error) {
		switch mode {
		case "", cluster.ModeKubectl:
			return cluster.NewKubectl(runner, l.GuestRoot, namespace), nil
		case cluster.ModeAPI:
			return cluster.NewAPIFromVM(ctx, runner, kubeconfig, s.Host, l.HostRoot, namespace)
		default:
			return nil, errors.Join(fmt.Errorf("mode=%s", mode), cluster.ErrUnknownMode)
		}
	}
}

// Clean tears down the VM of root.
func (r *Runner) Clean(ctx context.Context, root string) error {
	return r.vms.Clean(ctx, root)
}

// Session returns how to reach the VM still running for root, e.g. one kept
// after a failed run.
func (r *Runner) Session(ctx context.Context, root string) (vmm.Session, error) {
	return r.vms.Session(ctx, root)
}

// Step is one unit of a pipeline.
type Step struct {
	Name string
	Run  func(ctx context.Context) error
}

// execution is the state of one pipeline run.
type execution struct {
	runner  *Runner
	opts    Options
	report  *Report
	metrics *metrics.Recorder
	closers []io.Closer
}

func (r *Runner) newExecution(pipeline string, opts Options) *execution {
	if opts.RunID == "" {
		opts.RunID = uuid.NewString()
	}
	return &execution{
		runner:  r,
		opts:    opts,
		metrics: metrics.New(),
		report: &Report{
			RunID:     opts.RunID,
			Pipeline:  pipeline,
			StartTime: r.now(),
			Steps:     []StepResult{},
		},
	}
}

// run executes steps then the teardown policy, and writes the artifacts.
func (e *execution) run(ctx context.Context, steps []Step, teardown Step) (*Report, error) {
	log := slog.With("pipeline", e.report.Pipeline, "runID", e.report.RunID)
	log.Info("starting pipeline", "steps", len(steps))

	var err error
	for i, s := range steps {
		if err = e.step(ctx, s); err != nil {
			for _, rest := range steps[i+1:] {
				e.skip(rest.Name)
			}
			break
		}
	}

	for _, c := range e.closers {
		if cerr := c.Close(); cerr != nil {
			log.Warn("failed to close connection", "error", cerr.Error())
		}
	}

	switch {
	case e.opts.NoClean:
		log.Info("leaving environment in place")
		e.skip(teardown.Name)
	case err != nil && !e.opts.CleanOnFailure:
		log.Warn("skipping teardown after failure")
		e.skip(teardown.Name)
	default:
		// Teardown must still run when ctx was cancelled by a signal.
		if terr := e.step(context.WithoutCancel(ctx), teardown); terr != nil {
			err = errors.Join(err, terr)
		}
	}

	e.finish(err)
	if werr := e.writeArtifacts(); werr != nil {
		err = errors.Join(err, werr)
	}

	if err != nil {
		log.Error("pipeline failed", "error", err.Error())
	} else {
		log.Info("pipeline succeeded", "duration", e.report.Duration)
	}
	return e.report, err
}

func (e *execution) step(ctx context.Context, s Step) error {
	start := e.runner.now()
	slog.Info("running step", "pipeline", e.report.Pipeline, "step", s.Name)

	err := s.Run(ctx)

	d := e.runner.now().Sub(start)
	res := StepResult{Name: s.Name, Status: StatusPassed, StartTime: start, Duration: d.Seconds()}
	if err != nil {
		res.Status = StatusFailed
		res.Error = err.Error()
	}
	e.report.Steps = append(e.report.Steps, res)
	e.metrics.ObserveStep(e.report.Pipeline, s.Name, d, err)
	return err
}

func (e *execution) skip(name string) {
	e.report.Steps = append(e.report.Steps, StepResult{Name: name, Status: StatusSkipped})
}

func (e *execution) finish(err error) {
	e.report.EndTime = e.runner.now()
	e.report.Duration = e.report.EndTime.Sub(e.report.StartTime).Seconds()
	e.report.Status = StatusPassed
	if err != nil {
		e.report.Status = StatusFailed
		e.report.Error = err.Error()
	}
	e.metrics.ObserveRun(e.report.Pipeline, e.report.RunID, e.report.EndTime, err)
}

func (e *execution) writeArtifacts() error {
	if e.opts.ArtifactDir == "" {
		return nil
	}
	dir := filepath.Join(e.opts.ArtifactDir, e.report.RunID)
	if err := e.report.Write(dir); err != nil {
		return err
	}
	if err := e.metrics.WriteTextfile(filepath.Join(dir, MetricsFile)); err != nil {
		return err
	}
	slog.Info("wrote run artifacts", "dir", dir)
	return nil
}

// start boots the VM of root and opens a Remote to it.
func (e *execution) start(ctx context.Context, root string) (vmm.Session, Remote, error) {
	session, err := e.runner.vms.Start(ctx, root)
	if err != nil {
		return vmm.Session{}, nil, err
	}
	remote, err := e.runner.connect(ctx, session)
	if err != nil {
		return vmm.Session{}, nil, err
	}
	e.closers = append(e.closers, remote)
	return session, remote, nil
}

func (e *execution) cleanStep(root string) Step {
	return Step{Name: StepClean, Run: func(ctx context.Context) error { return e.runner.vms.Clean(ctx, root) }}
}

func (e *execution) teardownStep(root string) Step {
	return Step{Name: StepTeardown, Run: func(ctx context.Context) error { return e.runner.vms.Clean(ctx, root) }}
}
