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

// Package version computes the tag the plugin image is built and deployed
// under, from the git metadata of the source tree.
package version

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/alexandremahdhaoui/jdss-e2e/internal/util/ssh"
)

var (
	ErrDescribe   = errors.New("failed to describe source tree")
	ErrBranch     = errors.New("failed to read source tree branch")
	ErrEmptyTag   = errors.New("git returned an empty version")
	ErrInvalidTag = errors.New("version is not a valid image tag")
)

// Git runs a git subcommand and returns its trimmed stdout.
type Git interface {
	Git(ctx context.Context, args ...string) (string, error)
}

// LocalGit runs git on the host.
type LocalGit struct{}

func (LocalGit) Git(ctx context.Context, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", errors.Join(err, fmt.Errorf("git %s: %s", strings.Join(args, " "), strings.TrimSpace(stderr.String())))
	}
	return strings.TrimSpace(stdout.String()), nil
}

// RemoteGit runs git in the guest.
type RemoteGit struct {
	Runner ssh.Runner
}

func (r RemoteGit) Git(ctx context.Context, args ...string) (string, error) {
	out, err := r.Runner.Run(ctx, ssh.RunOptions{Hide: true}, append([]string{"git"}, args...)...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Options selects the shape of the tag.
type Options struct {
	// WithBranch prefixes the tag with the checked-out branch.
	WithBranch bool
}

// Tag returns `git describe --long --tags` of dir, optionally prefixed with
// "<branch>-".
func Tag(ctx context.Context, git Git, dir string, opts Options) (string, error) {
	describe, err := git.Git(ctx, "-C", dir, "describe", "--long", "--tags")
	if err != nil {
		return "", errors.Join(err, fmt.Errorf("dir=%s", dir), ErrDescribe)
	}
	if describe == "" {
		return "", errors.Join(fmt.Errorf("dir=%s", dir), ErrEmptyTag)
	}

	tag := describe
	if opts.WithBranch {
		branch, err := git.Git(ctx, "-C", dir, "rev-parse", "--abbrev-ref", "HEAD")
		if err != nil {
			return "", errors.Join(err, fmt.Errorf("dir=%s", dir), ErrBranch)
		}
		if branch == "" {
			return "", errors.Join(fmt.Errorf("dir=%s", dir), ErrEmptyTag)
		}
		tag = branch + "-" + describe
	}

	if err := validate(tag); err != nil {
		return "", err
	}
	return tag, nil
}

// validate enforces the docker tag grammar: [A-Za-z0-9_][A-Za-z0-9_.-]{0,127}.
func validate(tag string) error {
	if len(tag) > 128 {
		return errors.Join(fmt.Errorf("tag=%s", tag), ErrInvalidTag)
	}
	for i, r := range tag {
		ok := r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
		if i > 0 {
			ok = ok || r == '.' || r == '-'
		}
		if !ok {
			return errors.Join(fmt.Errorf("tag=%s", tag), ErrInvalidTag)
		}
	}
	return nil
}
