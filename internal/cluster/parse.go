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
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ParsePodTable parses the default tabular output of `kubectl get pods`:
//
//	NAME                         READY   STATUS    RESTARTS   AGE
//	joviandss-csi-controller-0   3/3     Running   0          2m
func ParsePodTable(out string) (Snapshot, error) {
	var snapshot Snapshot
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 || fields[0] == "NAME" || strings.HasPrefix(line, "No resources found") {
			continue
		}
		if len(fields) < 3 {
			return nil, errors.Join(fmt.Errorf("line=%q", line), ErrParsePods)
		}

		ready, total, err := parseReady(fields[1])
		if err != nil {
			return nil, errors.Join(err, fmt.Errorf("line=%q", line), ErrParsePods)
		}
		snapshot = append(snapshot, PodStatus{
			Name:   fields[0],
			Ready:  ready,
			Total:  total,
			Status: fields[2],
		})
	}
	return snapshot, nil
}

func parseReady(s string) (int, int, error) {
	readyStr, totalStr, ok := strings.Cut(s, "/")
	if !ok {
		return 0, 0, fmt.Errorf("malformed READY column %q", s)
	}
	ready, err := strconv.Atoi(readyStr)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed READY column %q: %w", s, err)
	}
	total, err := strconv.Atoi(totalStr)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed READY column %q: %w", s, err)
	}
	return ready, total, nil
}
