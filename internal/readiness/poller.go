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

// Package readiness waits for workloads to run by sampling pod statuses at a
// fixed interval against a tick budget.
package readiness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alexandremahdhaoui/jdss-e2e/internal/cluster"
)

var (
	ErrAnomaly  = errors.New("unexpected workload state")
	ErrTimedOut = errors.New("workload did not start in time")
)

type State int

const (
	Unknown State = iota
	Creating
	Running
	Failed
	TimedOut
)

func (s State) String() string {
	switch s {
	case Unknown:
		return "Unknown"
	case Creating:
		return "Creating"
	case Running:
		return "Running"
	case Failed:
		return "Failed"
	case TimedOut:
		return "TimedOut"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// AnomalyError is returned when a snapshot is classified Failed.
type AnomalyError struct {
	Subject     string
	Detail      string
	Diagnostics string
}

func (e *AnomalyError) Error() string {
	return fmt.Sprintf("fail during %s loading: %s", e.Subject, e.Detail)
}

func (e *AnomalyError) Unwrap() error { return ErrAnomaly }

// TimeoutError is returned when the tick budget runs out.
type TimeoutError struct {
	Subject string
	Ticks   int
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("unable to get %s to start running in time", e.Subject)
}

func (e *TimeoutError) Unwrap() error { return ErrTimedOut }

// Source is where snapshots come from.
type Source interface {
	Pods(ctx context.Context) (cluster.Snapshot, error)
	Diagnostics(ctx context.Context) (string, error)
}

const DefaultInterval = time.Second

type Poller struct {
	Source   Source
	Interval time.Duration
	// Sleep waits between ticks. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

func NewPoller(source Source) *Poller {
	return &Poller{Source: source, Interval: DefaultInterval}
}

// Result describes how a wait ended.
type Result struct {
	State State
	// Ticks is the number of ticks consumed, including the last one.
	Ticks int
}

// Wait classifies one snapshot per tick, sleeping before each fetch, until
// the classifier reports Running or Failed or ticks run out. Empty snapshots
// consume a tick without being classified.
func (p *Poller) Wait(ctx context.Context, c Classifier, ticks int) (Result, error) {
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	state := Unknown
	for tick := 1; tick <= ticks; tick++ {
		if err := sleep(ctx, interval); err != nil {
			return Result{State: state, Ticks: tick}, err
		}

		snapshot, err := p.Source.Pods(ctx)
		if err != nil {
			return Result{State: state, Ticks: tick}, err
		}
		if len(snapshot) == 0 {
			slog.Debug("no pods yet", "subject", c.Subject(), "tick", tick)
			continue
		}

		cl := c.Classify(snapshot)
		if cl.State != Unknown {
			state = cl.State
		}
		slog.Debug("classified pods", "subject", c.Subject(), "tick", tick, "state", cl.State.String())

		switch cl.State {
		case Running:
			slog.Info("workloads are running", "subject", c.Subject(), "ticks", tick)
			return Result{State: Running, Ticks: tick}, nil
		case Failed:
			diag, derr := p.Source.Diagnostics(ctx)
			if derr != nil {
				slog.Warn("failed to collect diagnostics", "error", derr.Error())
			}
			slog.Error("unexpected workload state",
				"subject", c.Subject(),
				"detail", cl.Detail,
				"snapshot", snapshot.String(),
				"diagnostics", diag,
			)
			return Result{State: Failed, Ticks: tick}, &AnomalyError{
				Subject:     c.Subject(),
				Detail:      cl.Detail,
				Diagnostics: diag,
			}
		}
	}

	return Result{State: TimedOut, Ticks: ticks}, &TimeoutError{Subject: c.Subject(), Ticks: ticks}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
