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

// Package clusterfake provides an in-memory cluster.Cluster for tests.
package clusterfake

import (
	"context"
	"sync"

	"github.com/alexandremahdhaoui/jdss-e2e/internal/cluster"
)

// Fake records every call. Pods replays Snapshots and repeats the last one
// once exhausted.
type Fake struct {
	mu sync.Mutex

	Snapshots []cluster.Snapshot
	ApplyErr  error
	SecretErr error
	PodsErr   error

	Applied []string
	Secrets map[string]string
	fetches int
	dumps   int
}

var _ cluster.Cluster = &Fake{}

func New(snapshots ...cluster.Snapshot) *Fake {
	return &Fake{Snapshots: snapshots, Secrets: map[string]string{}}
}

func (f *Fake) Apply(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ApplyErr != nil {
		return f.ApplyErr
	}
	f.Applied = append(f.Applied, path)
	return nil
}

func (f *Fake) CreateSecretFromFile(_ context.Context, name, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SecretErr != nil {
		return f.SecretErr
	}
	f.Secrets[name] = path
	return nil
}

func (f *Fake) Pods(context.Context) (cluster.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.PodsErr != nil {
		return nil, f.PodsErr
	}
	if len(f.Snapshots) == 0 {
		return nil, nil
	}
	return f.Snapshots[min(f.fetches, len(f.Snapshots))-1], nil
}

func (f *Fake) Diagnostics(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dumps++
	return "diagnostics", nil
}

// Fetches returns how many snapshots were taken.
func (f *Fake) Fetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

// Dumps returns how many times diagnostics were collected.
func (f *Fake) Dumps() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dumps
}
