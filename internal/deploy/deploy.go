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

// Package deploy installs a freshly built plugin image on the test VM's
// cluster and waits for the controller and node plugins to run.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alexandremahdhaoui/jdss-e2e/internal/build"
	"github.com/alexandremahdhaoui/jdss-e2e/internal/cluster"
	"github.com/alexandremahdhaoui/jdss-e2e/internal/manifest"
	"github.com/alexandremahdhaoui/jdss-e2e/internal/readiness"
	"github.com/alexandremahdhaoui/jdss-e2e/internal/util/ssh"
	"github.com/alexandremahdhaoui/jdss-e2e/internal/workspace"
)

var (
	ErrLoadModules      = errors.New("failed to load kernel modules")
	ErrLoadImage        = errors.New("failed to load plugin image")
	ErrRewriteManifests = errors.New("failed to rewrite plugin manifests")
	ErrApplyPlugin      = errors.New("failed to apply plugin manifests")
	ErrCreateSecrets    = errors.New("failed to create plugin secrets")
)

const DefaultPluginTicks = 220

// Secret is a cluster secret created from a file of the VM root.
type Secret struct {
	Name string
	File string
}

// Config paths are relative to the VM root.
type Config struct {
	Modules            []string
	Image              string
	ControllerManifest string
	NodeManifest       string
	Secrets            []Secret
	PluginTicks        int
}

func DefaultConfig() Config {
	return Config{
		Modules:            []string{"iscsi_tcp"},
		Image:              build.DefaultImage,
		ControllerManifest: workspace.SourceDir + "/deploy/joviandss/joviandss-csi-controller.yaml",
		NodeManifest:       workspace.SourceDir + "/deploy/joviandss/joviandss-csi-node.yaml",
		Secrets: []Secret{
			{Name: "jdss-controller-cfg", File: workspace.BuildDir + "/" + workspace.ControllerConfig},
			{Name: "jdss-node-cfg", File: workspace.BuildDir + "/" + workspace.NodeConfig},
		},
		PluginTicks: DefaultPluginTicks,
	}
}

type Driver struct {
	runner  ssh.Runner
	cluster cluster.Cluster
	poller  *readiness.Poller
	layout  workspace.Layout
	cfg     Config
}

// New fills the unset fields of cfg from DefaultConfig. An empty, non-nil
// Modules or Secrets list disables that step.
func New(runner ssh.Runner, c cluster.Cluster, poller *readiness.Poller, layout workspace.Layout, cfg Config) *Driver {
	def := DefaultConfig()
	if cfg.Modules == nil {
		cfg.Modules = def.Modules
	}
	if cfg.Image == "" {
		cfg.Image = def.Image
	}
	if cfg.ControllerManifest == "" {
		cfg.ControllerManifest = def.ControllerManifest
	}
	if cfg.NodeManifest == "" {
		cfg.NodeManifest = def.NodeManifest
	}
	if cfg.Secrets == nil {
		cfg.Secrets = def.Secrets
	}
	if cfg.PluginTicks <= 0 {
		cfg.PluginTicks = def.PluginTicks
	}
	return &Driver{runner: runner, cluster: c, poller: poller, layout: layout, cfg: cfg}
}

// LoadModules inserts the kernel modules the node plugin needs.
func (d *Driver) LoadModules(ctx context.Context) error {
	for _, module := range d.cfg.Modules {
		slog.Info("loading kernel module", "module", module)
		if _, err := d.runner.Run(ctx, ssh.RunOptions{Sudo: true}, "modprobe", module); err != nil {
			return errors.Join(err, fmt.Errorf("module=%s", module), ErrLoadModules)
		}
	}
	return nil
}

// Image returns the image reference built for tag.
func (d *Driver) Image(tag string) string {
	return build.NewArtifact(d.cfg.Image, "", tag).Image
}

// LoadImage registers the archived image of tag with the guest's docker.
func (d *Driver) LoadImage(ctx context.Context, tag string) error {
	artifact := build.NewArtifact(d.cfg.Image, "", tag)
	archive := d.layout.Guest(workspace.SourceDir, artifact.Archive)
	slog.Info("loading plugin image", "image", artifact.Image, "archive", archive)
	if _, err := d.runner.Run(ctx, ssh.RunOptions{Sudo: true}, "docker", "load", "-i", archive); err != nil {
		return errors.Join(err, ErrLoadImage)
	}
	return nil
}

// RewriteManifests pins the controller and node manifests to tag and stops
// them from pulling, so the loaded image is used.
func (d *Driver) RewriteManifests(tag string) error {
	opts := manifest.ForTag(d.cfg.Image, tag)
	for _, rel := range []string{d.cfg.ControllerManifest, d.cfg.NodeManifest} {
		changed, err := manifest.RewriteFile(d.layout.Host(rel), opts)
		if err != nil {
			return errors.Join(err, ErrRewriteManifests)
		}
		slog.Info("rewrote manifest", "path", rel, "changedFields", changed)
	}
	return nil
}

func (d *Driver) ApplyPlugin(ctx context.Context) error {
	for _, rel := range []string{d.cfg.ControllerManifest, d.cfg.NodeManifest} {
		if err := d.cluster.Apply(ctx, rel); err != nil {
			return errors.Join(err, ErrApplyPlugin)
		}
	}
	return nil
}

func (d *Driver) CreateSecrets(ctx context.Context) error {
	for _, s := range d.cfg.Secrets {
		slog.Info("creating secret", "name", s.Name, "file", s.File)
		if err := d.cluster.CreateSecretFromFile(ctx, s.Name, s.File); err != nil {
			return errors.Join(err, ErrCreateSecrets)
		}
	}
	return nil
}

// WaitPlugin blocks until both plugins run, an anomaly shows up or the tick
// budget runs out.
func (d *Driver) WaitPlugin(ctx context.Context) (readiness.Result, error) {
	slog.Info("waiting for plugin to start", "ticks", d.cfg.PluginTicks)
	return d.poller.Wait(ctx, readiness.NewPairClassifier(), d.cfg.PluginTicks)
}
