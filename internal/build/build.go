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

// Package build compiles the plugin container image inside the build VM and
// exports it as an archive next to the sources.
package build

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"

	"github.com/alexandremahdhaoui/jdss-e2e/internal/util/ssh"
)

var (
	ErrFetch        = errors.New("failed to fetch plugin sources")
	ErrDependencies = errors.New("failed to fetch Go dependencies")
	ErrMake         = errors.New("failed to build plugin container")
	ErrSave         = errors.New("failed to export plugin container")
)

const (
	DefaultImage      = "opene/joviandss-csi"
	DefaultMakeTarget = "joviandss-container"
	DefaultVersionVar = "VERSION"
	DefaultOutputDir  = "_output"
)

type Config struct {
	// SourceDir is the guest path of the plugin source tree.
	SourceDir string
	// CloneURL, when set, is cloned into SourceDir before building.
	CloneURL string
	Branch   string

	Image      string
	MakeTarget string
	// VersionVar is the make variable the image tag is passed in, so the
	// target builds <Image>:<tag>.
	VersionVar string
	// OutputDir is relative to SourceDir.
	OutputDir string
	// Env is exported to every build command.
	Env map[string]string
}

// Artifact is the result of a successful build.
type Artifact struct {
	// Image is the full image reference, e.g. opene/joviandss-csi:v0.9.1-3-gabc1234.
	Image string
	// Archive is the exported image, relative to the source tree.
	Archive string
}

// ArchiveName returns the file name the image is exported under.
func ArchiveName(image, tag string) string {
	return fmt.Sprintf("%s:%s", path.Base(image), tag)
}

// NewArtifact returns the artifact a build of tag produces.
func NewArtifact(image, outputDir, tag string) Artifact {
	if image == "" {
		image = DefaultImage
	}
	if outputDir == "" {
		outputDir = DefaultOutputDir
	}
	return Artifact{
		Image:   fmt.Sprintf("%s:%s", image, tag),
		Archive: path.Join(outputDir, ArchiveName(image, tag)),
	}
}

type Driver struct {
	runner ssh.Runner
	cfg    Config
}

func New(runner ssh.Runner, cfg Config) *Driver {
	if cfg.Image == "" {
		cfg.Image = DefaultImage
	}
	if cfg.MakeTarget == "" {
		cfg.MakeTarget = DefaultMakeTarget
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = DefaultOutputDir
	}
	if cfg.VersionVar == "" {
		cfg.VersionVar = DefaultVersionVar
	}
	if cfg.Branch == "" {
		cfg.Branch = "master"
	}
	return &Driver{runner: runner, cfg: cfg}
}

// Fetch clones the configured repository into the source dir. It is a no-op
// without a clone URL.
func (d *Driver) Fetch(ctx context.Context) error {
	if d.cfg.CloneURL == "" {
		return nil
	}
	slog.Info("fetching plugin sources", "url", d.cfg.CloneURL, "branch", d.cfg.Branch)
	if _, err := d.runner.Run(ctx, ssh.RunOptions{},
		"git", "clone", "--single-branch", "--branch", d.cfg.Branch, d.cfg.CloneURL, d.cfg.SourceDir,
	); err != nil {
		return errors.Join(err, ErrFetch)
	}
	return nil
}

// Build compiles and exports the image tagged tag. Sources must already be
// in place, see Fetch.
func (d *Driver) Build(ctx context.Context, tag string) (Artifact, error) {
	artifact := NewArtifact(d.cfg.Image, d.cfg.OutputDir, tag)
	inSrc := ssh.RunOptions{Dir: d.cfg.SourceDir, Env: d.cfg.Env}

	slog.Info("fetching Go dependencies", "dir", d.cfg.SourceDir)
	if _, err := d.runner.Run(ctx, inSrc, "go", "get", "./..."); err != nil {
		return Artifact{}, errors.Join(err, ErrDependencies)
	}

	slog.Info("building plugin container", "target", d.cfg.MakeTarget, "tag", tag)
	if _, err := d.runner.Run(ctx, inSrc,
		"make", d.cfg.MakeTarget, fmt.Sprintf("%s=%s", d.cfg.VersionVar, tag),
	); err != nil {
		return Artifact{}, errors.Join(err, ErrMake)
	}

	slog.Info("exporting plugin container", "image", artifact.Image, "archive", artifact.Archive)
	if _, err := d.runner.Run(ctx, inSrc, "mkdir", "-p", d.cfg.OutputDir); err != nil {
		return Artifact{}, errors.Join(err, ErrSave)
	}
	save := inSrc
	save.Sudo = true
	if _, err := d.runner.Run(ctx, save, "docker", "save", "-o", artifact.Archive, artifact.Image); err != nil {
		return Artifact{}, errors.Join(err, ErrSave)
	}

	return artifact, nil
}
