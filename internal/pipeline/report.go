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
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

var ErrWriteReport = errors.New("failed to write run report")

const (
	StatusPassed  = "passed"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

const (
	ReportJSONFile = "report.json"
	ReportTextFile = "report.txt"
	MetricsFile    = "metrics.prom"
)

// Report is the record of one pipeline run.
type Report struct {
	RunID     string       `json:"runID"`
	Pipeline  string       `json:"pipeline"`
	Status    string       `json:"status"`
	Tag       string       `json:"tag,omitempty"`
	Image     string       `json:"image,omitempty"`
	StartTime time.Time    `json:"startTime"`
	EndTime   time.Time    `json:"endTime"`
	Duration  float64      `json:"duration"` // seconds
	Steps     []StepResult `json:"steps"`
	Error     string       `json:"error,omitempty"`
}

type StepResult struct {
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	StartTime time.Time `json:"startTime,omitzero"`
	Duration  float64   `json:"duration"` // seconds
	Error     string    `json:"error,omitempty"`
}

// Step returns the result of the named step, if it was recorded.
func (r *Report) Step(name string) (StepResult, bool) {
	for _, s := range r.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return StepResult{}, false
}

// StepNames lists the recorded steps in order.
func (r *Report) StepNames() []string {
	names := make([]string, 0, len(r.Steps))
	for _, s := range r.Steps {
		names = append(names, s.Name)
	}
	return names
}

func (r *Report) JSON() (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return string(data), nil
}

// Text renders a human-readable report.
func (r *Report) Text() string {
	var sb strings.Builder

	sb.WriteString(strings.Repeat("=", 80) + "\n")
	sb.WriteString(strings.ToUpper(r.Pipeline) + " REPORT\n")
	sb.WriteString(strings.Repeat("=", 80) + "\n\n")

	sb.WriteString("SUMMARY\n")
	sb.WriteString(strings.Repeat("-", 7) + "\n")
	fmt.Fprintf(&sb, "Run ID:    %s\n", r.RunID)
	fmt.Fprintf(&sb, "Status:    %s\n", strings.ToUpper(r.Status))
	if r.Tag != "" {
		fmt.Fprintf(&sb, "Tag:       %s\n", r.Tag)
	}
	if r.Image != "" {
		fmt.Fprintf(&sb, "Image:     %s\n", r.Image)
	}
	fmt.Fprintf(&sb, "Duration:  %.2fs\n", r.Duration)
	fmt.Fprintf(&sb, "Started:   %s\n", r.StartTime.Format(time.RFC3339))
	fmt.Fprintf(&sb, "Completed: %s\n\n", r.EndTime.Format(time.RFC3339))

	sb.WriteString("STEPS\n")
	sb.WriteString(strings.Repeat("-", 5) + "\n")
	for i, s := range r.Steps {
		fmt.Fprintf(&sb, "[%d/%d] %s %s", i+1, len(r.Steps), statusSymbol(s.Status), s.Name)
		if s.Status != StatusSkipped {
			fmt.Fprintf(&sb, " (%.2fs)", s.Duration)
		}
		sb.WriteString("\n")
		if s.Error != "" {
			fmt.Fprintf(&sb, "      Error: %s\n", s.Error)
		}
	}

	if r.Error != "" {
		sb.WriteString("\nERROR\n")
		sb.WriteString(strings.Repeat("-", 5) + "\n")
		sb.WriteString(r.Error + "\n")
	}

	return sb.String()
}

func statusSymbol(status string) string {
	switch status {
	case StatusPassed:
		return "✓"
	case StatusFailed:
		return "✗"
	default:
		return "-"
	}
}

// Write stores report.json and report.txt in dir, creating it if needed.
func (r *Report) Write(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Join(err, ErrWriteReport)
	}

	content, err := r.JSON()
	if err != nil {
		return errors.Join(err, ErrWriteReport)
	}
	for name, data := range map[string]string{
		ReportJSONFile: content,
		ReportTextFile: r.Text(),
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(data), 0o644); err != nil {
			return errors.Join(err, ErrWriteReport)
		}
	}
	return nil
}
