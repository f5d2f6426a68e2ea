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

// Package cluster drives the Kubernetes cluster running inside the test VM.
//
// Paths handed to a Cluster are relative to the VM root, which both sides
// see: the kubectl implementation resolves them in the guest, the API
// implementation on the host.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrApply        = errors.New("failed to apply manifest")
	ErrCreateSecret = errors.New("failed to create secret")
	ErrListPods     = errors.New("failed to list pods")
	ErrParsePods    = errors.New("failed to parse pod list")
	ErrDiagnostics  = errors.New("failed to collect cluster diagnostics")
	ErrKubeconfig   = errors.New("failed to load cluster kubeconfig")
	ErrUnknownMode  = errors.New("unknown cluster mode")
)

type Mode string

const (
	ModeKubectl Mode = "kubectl"
	ModeAPI     Mode = "api"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeKubectl:
		return ModeKubectl, nil
	case ModeAPI:
		return ModeAPI, nil
	default:
		return "", errors.Join(fmt.Errorf("mode=%s", s), ErrUnknownMode)
	}
}

type Cluster interface {
	// Apply creates or updates the objects of the manifest at path.
	Apply(ctx context.Context, path string) error
	// CreateSecretFromFile creates a generic secret holding the file at path
	// under its base name.
	CreateSecretFromFile(ctx context.Context, name, path string) error
	// Pods returns the current pod statuses. An empty snapshot means no pod
	// is visible yet.
	Pods(ctx context.Context) (Snapshot, error)
	// Diagnostics returns a human-readable dump of pods and events.
	Diagnostics(ctx context.Context) (string, error)
}

// PodStatus is one line of `kubectl get pods`.
type PodStatus struct {
	Name   string
	Ready  int
	Total  int
	Status string
}

func (p PodStatus) String() string {
	return fmt.Sprintf("%s %d/%d %s", p.Name, p.Ready, p.Total, p.Status)
}

type Snapshot []PodStatus

func (s Snapshot) String() string {
	lines := make([]string, 0, len(s))
	for _, p := range s {
		lines = append(lines, p.String())
	}
	return strings.Join(lines, "\n")
}
