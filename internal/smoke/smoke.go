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

// Package smoke runs a web server on a JovianDSS-backed volume claim.
package smoke

import (
	"context"
	"errors"
	"log/slog"

	"github.com/alexandremahdhaoui/jdss-e2e/internal/cluster"
	"github.com/alexandremahdhaoui/jdss-e2e/internal/readiness"
	"github.com/alexandremahdhaoui/jdss-e2e/internal/workspace"
)

var (
	ErrStorageClass = errors.New("failed to create storage class")
	ErrWorkload     = errors.New("failed to start smoke-test workload")
)

const DefaultTicks = 120

// Config paths are relative to the VM root.
type Config struct {
	StorageClass string
	Claim        string
	Workload     string
	Ticks        int
}

func DefaultConfig() Config {
	return Config{
		StorageClass: workspace.SourceDir + "/deploy/joviandss/joviandss-csi-sc.yaml",
		Claim:        workspace.SourceDir + "/deploy/example/nginx-pvc.yaml",
		Workload:     workspace.SourceDir + "/deploy/example/nginx.yaml",
		Ticks:        DefaultTicks,
	}
}

type Driver struct {
	cluster cluster.Cluster
	poller  *readiness.Poller
	cfg     Config
}

// New fills the unset fields of cfg from DefaultConfig.
func New(c cluster.Cluster, poller *readiness.Poller, cfg Config) *Driver {
	def := DefaultConfig()
	if cfg.StorageClass == "" {
		cfg.StorageClass = def.StorageClass
	}
	if cfg.Claim == "" {
		cfg.Claim = def.Claim
	}
	if cfg.Workload == "" {
		cfg.Workload = def.Workload
	}
	if cfg.Ticks <= 0 {
		cfg.Ticks = def.Ticks
	}
	return &Driver{cluster: c, poller: poller, cfg: cfg}
}

func (d *Driver) CreateStorageClass(ctx context.Context) error {
	slog.Info("creating storage class", "path", d.cfg.StorageClass)
	if err := d.cluster.Apply(ctx, d.cfg.StorageClass); err != nil {
		return errors.Join(err, ErrStorageClass)
	}
	return nil
}

// StartWorkload applies the claim, then the workload consuming it.
func (d *Driver) StartWorkload(ctx context.Context) error {
	slog.Info("starting test deployment")
	for _, rel := range []string{d.cfg.Claim, d.cfg.Workload} {
		if err := d.cluster.Apply(ctx, rel); err != nil {
			return errors.Join(err, ErrWorkload)
		}
	}
	return nil
}

func (d *Driver) Wait(ctx context.Context) (readiness.Result, error) {
	slog.Info("waiting for test deployment to start", "ticks", d.cfg.Ticks)
	return d.poller.Wait(ctx, readiness.NewSingleClassifier(), d.cfg.Ticks)
}
