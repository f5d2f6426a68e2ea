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

package pipeline

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/alexandremahdhaoui/jdss-e2e/internal/cluster"
	"github.com/alexandremahdhaoui/jdss-e2e/internal/deploy"
	"github.com/alexandremahdhaoui/jdss-e2e/internal/readiness"
	"github.com/alexandremahdhaoui/jdss-e2e/internal/smoke"
	"github.com/alexandremahdhaoui/jdss-e2e/internal/version"
	"github.com/alexandremahdhaoui/jdss-e2e/internal/workspace"
)

const (
	AggregationPipeline = "aggregation-test"

	DefaultAggregationRoot     = "aggregation-test"
	DefaultAggregationTemplate = "kubernetes-14.3"
)

// DefaultAggregationSource is the build pipeline's source tree.
var DefaultAggregationSource = filepath.Join(DefaultBuildRoot, BuildSourceDir)

type AggregationConfig struct {
	Root     string
	Template string
	// Source is the host tree copied to the root's build/src.
	Source string
	// MoveSource moves Source instead of copying it.
	MoveSource bool
	// ControllerConfig and NodeConfig, when set, are staged into the root's
	// build dir before the VM starts.
	ControllerConfig string
	NodeConfig       string
	Version          version.Options
	Deploy           deploy.Config
	Smoke            smoke.Config
	Options
}

func (c AggregationConfig) withDefaults() AggregationConfig {
	if c.Root == "" {
		c.Root = DefaultAggregationRoot
	}
	if c.Template == "" {
		c.Template = DefaultAggregationTemplate
	}
	if c.Source == "" {
		c.Source = DefaultAggregationSource
	}
	return c
}

// Aggregation boots a cluster VM on cfg.Root, deploys the plugin image built
// from cfg.Source and checks a workload can run on a plugin-backed volume.
func (r *Runner) Aggregation(ctx context.Context, cfg AggregationConfig) (*Report, error) {
	cfg = cfg.withDefaults()
	e := r.newExecution(AggregationPipeline, cfg.Options)
	layout := workspace.Layout{HostRoot: cfg.Root, GuestRoot: r.vms.GuestRoot()}

	var (
		tag      string
		plugin   *deploy.Driver
		workload *smoke.Driver
	)

	steps := []Step{
		e.cleanStep(cfg.Root),
		{Name: "init", Run: func(ctx context.Context) error {
			if err := workspace.Prepare(cfg.Root); err != nil {
				return errors.Join(err, ErrInit)
			}
			return r.vms.Init(ctx, cfg.Template, cfg.Root)
		}},
		{Name: "copy-source", Run: func(context.Context) error {
			if cfg.MoveSource {
				return workspace.MoveSource(cfg.Source, layout, workspace.SourceDir)
			}
			return workspace.CopySource(cfg.Source, layout, workspace.SourceDir)
		}},
	}

	if cfg.ControllerConfig != "" || cfg.NodeConfig != "" {
		steps = append(steps, Step{Name: "stage-configs", Run: func(context.Context) error {
			for _, f := range []struct{ src, name string }{
				{cfg.ControllerConfig, workspace.ControllerConfig},
				{cfg.NodeConfig, workspace.NodeConfig},
			} {
				if f.src == "" {
					continue
				}
				if err := workspace.CopyFile(f.src, layout.Host(workspace.BuildDir, f.name)); err != nil {
					return err
				}
			}
			return nil
		}})
	}

	steps = append(steps,
		Step{Name: "version", Run: func(ctx context.Context) error {
			t, err := version.Tag(ctx, r.git, layout.Host(workspace.SourceDir), cfg.Version)
			if err != nil {
				return err
			}
			tag = t
			e.report.Tag = t
			return nil
		}},
		Step{Name: "start", Run: func(ctx context.Context) error {
			session, remote, err := e.start(ctx, cfg.Root)
			if err != nil {
				return err
			}
			c, err := r.newCluster(ctx, remote, session, layout)
			if err != nil {
				return err
			}
			poller := r.poller(c)
			plugin = deploy.New(remote, c, poller, layout, cfg.Deploy)
			workload = smoke.New(c, poller, cfg.Smoke)
			return nil
		}},
		Step{Name: "load-modules", Run: func(ctx context.Context) error { return plugin.LoadModules(ctx) }},
		Step{Name: "load-image", Run: func(ctx context.Context) error {
			e.report.Image = plugin.Image(tag)
			return plugin.LoadImage(ctx, tag)
		}},
		Step{Name: "rewrite-manifests", Run: func(context.Context) error { return plugin.RewriteManifests(tag) }},
		Step{Name: "apply-plugin", Run: func(ctx context.Context) error { return plugin.ApplyPlugin(ctx) }},
		Step{Name: "create-secrets", Run: func(ctx context.Context) error { return plugin.CreateSecrets(ctx) }},
		Step{Name: "wait-plugin", Run: func(ctx context.Context) error {
			res, err := plugin.WaitPlugin(ctx)
			e.observePoll(readiness.NewPairClassifier().Subject(), res)
			return err
		}},
		Step{Name: "create-storage-class", Run: func(ctx context.Context) error { return workload.CreateStorageClass(ctx) }},
		Step{Name: "start-workload", Run: func(ctx context.Context) error { return workload.StartWorkload(ctx) }},
		Step{Name: "wait-workload", Run: func(ctx context.Context) error {
			res, err := workload.Wait(ctx)
			e.observePoll(readiness.NewSingleClassifier().Subject(), res)
			return err
		}},
	)

	return e.run(ctx, steps, e.teardownStep(cfg.Root))
}

func (r *Runner) poller(c cluster.Cluster) *readiness.Poller {
	p := readiness.NewPoller(c)
	if r.pollEvery > 0 {
		p.Interval = r.pollEvery
	}
	p.Sleep = r.pollSleep
	return p
}

func (e *execution) observePoll(subject string, res readiness.Result) {
	e.metrics.ObservePoll(e.report.Pipeline, subject, res.State.String(), res.Ticks)
}
