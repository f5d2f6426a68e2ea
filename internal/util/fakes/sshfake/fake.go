/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package sshfake provides an in-memory ssh.Runner for tests.
package sshfake

import (
	"context"
	"strings"
	"sync"

	"github.com/alexandremahdhaoui/jdss-e2e/internal/util/ssh"
	"github.com/alexandremahdhaoui/jdss-e2e/pkg/execcontext"
)

// Call is a recorded Run invocation.
type Call struct {
	Opts ssh.RunOptions
	Cmd  []string
	// Line is the formatted shell line as the real client would send it.
	Line string
}

// Response is returned for commands whose space-joined arguments contain Match.
// A Response with Times > 0 is consumed after Times matches.
type Response struct {
	Match  string
	Stdout string
	Err    error
	Times  int
}

// Fake implements ssh.Runner. Responses are matched in order of registration;
// unmatched commands succeed with empty output.
type Fake struct {
	mu        sync.Mutex
	responses []*Response
	calls     []Call
}

var _ ssh.Runner = &Fake{}

func New() *Fake {
	return &Fake{}
}

// On registers a response and returns the fake for chaining.
func (f *Fake) On(match, stdout string, err error) *Fake {
	return f.OnN(match, stdout, err, 0)
}

// OnN registers a response consumed after n matches.
func (f *Fake) OnN(match, stdout string, err error, n int) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, &Response{Match: match, Stdout: stdout, Err: err, Times: n})
	return f
}

// Run implements ssh.Runner.
func (f *Fake) Run(ctx context.Context, opts ssh.RunOptions, cmd ...string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	line := execcontext.FormatCmd(opts.ExecContext(), cmd...)
	f.calls = append(f.calls, Call{Opts: opts, Cmd: append([]string(nil), cmd...), Line: line})

	joined := strings.Join(cmd, " ")
	for i, r := range f.responses {
		if !strings.Contains(joined, r.Match) {
			continue
		}
		if r.Times > 0 {
			r.Times--
			if r.Times == 0 {
				f.responses = append(f.responses[:i], f.responses[i+1:]...)
			}
		}
		return r.Stdout, r.Err
	}

	return "", nil
}

// Calls returns a copy of the recorded calls.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Call(nil), f.calls...)
}

// Commands returns the recorded commands joined by spaces, without quoting.
func (f *Fake) Commands() []string {
	calls := f.Calls()
	out := make([]string, 0, len(calls))
	for _, c := range calls {
		out = append(out, strings.Join(c.Cmd, " "))
	}
	return out
}
