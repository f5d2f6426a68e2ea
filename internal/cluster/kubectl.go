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

package cluster

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/alexandremahdhaoui/jdss-e2e/internal/util/ssh"
)

// Kubectl drives the cluster with kubectl in the guest.
type Kubectl struct {
	runner ssh.Runner
	// dir is the guest VM root; relative paths resolve against it.
	dir       string
	namespace string
}

var _ Cluster = &Kubectl{}

func NewKubectl(runner ssh.Runner, guestRoot, namespace string) *Kubectl {
	return &Kubectl{runner: runner, dir: guestRoot, namespace: namespace}
}

func (k *Kubectl) kubectl(args ...string) []string {
	cmd := []string{"kubectl"}
	if k.namespace != "" {
		cmd = append(cmd, "--namespace", k.namespace)
	}
	return append(cmd, args...)
}

func (k *Kubectl) Apply(ctx context.Context, path string) error {
	if _, err := k.runner.Run(ctx, ssh.RunOptions{Dir: k.dir}, k.kubectl("apply", "-f", path)...); err != nil {
		return errors.Join(err, fmt.Errorf("path=%s", path), ErrApply)
	}
	return nil
}

func (k *Kubectl) CreateSecretFromFile(ctx context.Context, name, path string) error {
	cmd := k.kubectl("create", "secret", "generic", name, "--from-file="+path)
	if _, err := k.runner.Run(ctx, ssh.RunOptions{Dir: k.dir}, cmd...); err != nil {
		return errors.Join(err, fmt.Errorf("secret=%s", name), ErrCreateSecret)
	}
	return nil
}

func (k *Kubectl) Pods(ctx context.Context) (Snapshot, error) {
	out, err := k.runner.Run(ctx, ssh.RunOptions{Dir: k.dir, Hide: true}, k.kubectl("get", "pods")...)
	if err != nil {
		return nil, errors.Join(err, ErrListPods)
	}
	return ParsePodTable(out)
}

func (k *Kubectl) Diagnostics(ctx context.Context) (string, error) {
	var b strings.Builder
	for _, what := range []string{"pods", "events"} {
		out, err := k.runner.Run(ctx, ssh.RunOptions{Dir: k.dir}, k.kubectl("get", what)...)
		if err != nil {
			return b.String(), errors.Join(err, ErrDiagnostics)
		}
		b.WriteString(out)
	}
	return b.String(), nil
}
