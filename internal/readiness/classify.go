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

package readiness

import (
	"fmt"
	"slices"
	"strings"

	"github.com/alexandremahdhaoui/jdss-e2e/internal/cluster"
)

const (
	StatusRunning           = "Running"
	StatusContainerCreating = "ContainerCreating"
	StatusPending           = "Pending"
)

// Workload identifies the pods of one deployed component.
type Workload struct {
	// Prefix matches pod names, e.g. "joviandss-csi-node-".
	Prefix string
	// Containers is the expected number of ready containers, 0 for any.
	Containers int
}

var (
	Controller = Workload{Prefix: "joviandss-csi-controller-0", Containers: 3}
	Node       = Workload{Prefix: "joviandss-csi-node-", Containers: 2}
	Nginx      = Workload{Prefix: "nginx"}
)

func (w Workload) owns(p cluster.PodStatus) bool {
	return strings.HasPrefix(p.Name, w.Prefix)
}

func (w Workload) running(p cluster.PodStatus) bool {
	if !w.owns(p) || p.Status != StatusRunning {
		return false
	}
	return w.Containers == 0 || (p.Ready == w.Containers && p.Total == w.Containers)
}

func (w Workload) inStatus(p cluster.PodStatus, statuses ...string) bool {
	return w.owns(p) && slices.Contains(statuses, p.Status)
}

// observation is what a snapshot tells about one workload.
type observation struct {
	visible  bool
	running  bool
	creating bool
	pending  bool
}

func (w Workload) observe(s cluster.Snapshot) observation {
	var o observation
	for _, p := range s {
		if !w.owns(p) {
			continue
		}
		o.visible = true
		o.running = o.running || w.running(p)
		o.creating = o.creating || w.inStatus(p, StatusContainerCreating)
		o.pending = o.pending || w.inStatus(p, StatusPending)
	}
	return o
}

// Classification is the outcome of classifying one snapshot.
type Classification struct {
	State State
	// Detail explains a Failed classification.
	Detail string
}

type Classifier interface {
	Classify(s cluster.Snapshot) Classification
	// Subject names the workloads in errors, e.g. "plugins".
	Subject() string
}

// PairClassifier tracks the controller and node plugins together.
type PairClassifier struct {
	Controller Workload
	Node       Workload
}

func NewPairClassifier() PairClassifier {
	return PairClassifier{Controller: Controller, Node: Node}
}

func (PairClassifier) Subject() string { return "plugins" }

// Classify succeeds once both workloads run. While both are visible, exactly
// two of the four running/creating slots must be set; anything else is an
// anomaly. A workload without any pod yet leaves the tick undecided.
func (c PairClassifier) Classify(s cluster.Snapshot) Classification {
	ctrl := c.Controller.observe(s)
	node := c.Node.observe(s)

	if ctrl.running && node.running {
		return Classification{State: Running}
	}
	if !ctrl.visible || !node.visible {
		return Classification{State: Unknown}
	}

	slots := 0
	for _, set := range []bool{ctrl.running, ctrl.creating, node.running, node.creating} {
		if set {
			slots++
		}
	}
	if slots != 2 {
		return Classification{
			State: Failed,
			Detail: fmt.Sprintf(
				"%d status slots matched (controller running=%t creating=%t, node running=%t creating=%t)",
				slots, ctrl.running, ctrl.creating, node.running, node.creating,
			),
		}
	}
	return Classification{State: Creating}
}

// SingleClassifier tracks one workload, e.g. the smoke-test web server.
type SingleClassifier struct {
	Workload Workload
	Name     string
}

func NewSingleClassifier() SingleClassifier {
	return SingleClassifier{Workload: Nginx, Name: "nginx"}
}

func (c SingleClassifier) Subject() string { return c.Name }

func (c SingleClassifier) Classify(s cluster.Snapshot) Classification {
	o := c.Workload.observe(s)
	switch {
	case o.running:
		return Classification{State: Running}
	case o.creating || o.pending:
		return Classification{State: Creating}
	case o.visible:
		var states []string
		for _, p := range s {
			if c.Workload.owns(p) {
				states = append(states, p.String())
			}
		}
		return Classification{State: Failed, Detail: "unexpected state: " + strings.Join(states, ", ")}
	default:
		return Classification{State: Unknown}
	}
}
