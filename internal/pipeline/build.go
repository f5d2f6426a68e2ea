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
	"os"

	"github.com/alexandremahdhaoui/jdss-e2e/internal/build"
	"github.com/alexandremahdhaoui/jdss-e2e/internal/version"
	"github.com/alexandremahdhaoui/jdss-e2e/internal/workspace"
)

const (
	BuildPipeline = "build"

	DefaultBuildRoot     = "build"
	DefaultBuildTemplate = "fedora29-build-0.6"
	// BuildSourceDir is the source tree inside the build root. The
	// aggregation test copies it from there.
	BuildSourceDir = "src"
)

var ErrInit = errors.New("failed to initialize VM root")

type BuildConfig struct {
	Root     string
	Template string
	Version  version.Options
	// Build.SourceDir is ignored: sources always live in BuildSourceDir.
	Build build.Config
	Options
}

func (c BuildConfig) withDefaults() BuildConfig {
	if c.Root == "" {
		c.Root = DefaultBuildRoot
	}
	if c.Template == "" {
		c.Template = DefaultBuildTemplate
	}
	return c
}

// Build boots a build VM on cfg.Root and builds the plugin image from the
// shared source tree, or from a fresh clone when cfg.Build.CloneURL is set.
func (r *Runner) Build(ctx context.Context, cfg BuildConfig) (*Report, error) {
	cfg = cfg.withDefaults()
	e := r.newExecution(BuildPipeline, cfg.Options)
	layout := workspace.Layout{HostRoot: cfg.Root, GuestRoot: r.vms.GuestRoot()}
	cloning := cfg.Build.CloneURL != ""

	var (
		remote Remote
		tag    string
	)

	tagStep := func(git version.Git, dir string) Step {
		return Step{Name: "version", Run: func(ctx context.Context) error {
			t, err := version.Tag(ctx, git, dir, cfg.Version)
			if err != nil {
				return err
			}
			tag = t
			e.report.Tag = t
			return nil
		}}
	}

	steps := []Step{
		e.cleanStep(cfg.Root),
		{Name: "init", Run: func(ctx context.Context) error {
			if cloning {
				// git refuses to clone into a non-empty dir
				if err := workspace.ResetBuild(layout, BuildSourceDir); err != nil {
					return errors.Join(err, ErrInit)
				}
			} else if err := os.MkdirAll(layout.Host(BuildSourceDir), 0o755); err != nil {
				return errors.Join(err, ErrInit)
			}
			return r.vms.Init(ctx, cfg.Template, cfg.Root)
		}},
	}
	if !cloning {
		steps = append(steps, tagStep(r.git, layout.Host(BuildSourceDir)))
	}
	steps = append(steps, Step{Name: "start", Run: func(ctx context.Context) error {
		var err error
		_, remote, err = e.start(ctx, cfg.Root)
		return err
	}})

	bcfg := cfg.Build
	bcfg.SourceDir = layout.Guest(BuildSourceDir)
	driver := func() *build.Driver { return build.New(remote, bcfg) }

	if cloning {
		steps = append(steps,
			Step{Name: "fetch", Run: func(ctx context.Context) error { return driver().Fetch(ctx) }},
			Step{Name: "version", Run: func(ctx context.Context) error {
				return tagStep(version.RemoteGit{Runner: remote}, bcfg.SourceDir).Run(ctx)
			}},
		)
	}
	steps = append(steps, Step{Name: "build", Run: func(ctx context.Context) error {
		artifact, err := driver().Build(ctx, tag)
		if err != nil {
			return err
		}
		e.report.Image = artifact.Image
		return nil
	}})

	return e.run(ctx, steps, e.teardownStep(cfg.Root))
}
