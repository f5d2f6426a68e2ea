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

// Package execcontext describes how a command is executed: the environment it
// sees, the directory it runs in and the command prepended to it (e.g. sudo).
package execcontext

import (
	"fmt"
	"maps"
	"os/exec"
	"slices"
	"strings"

	"github.com/alessio/shellescape"
)

type Context interface {
	Envs() map[string]string
	PrependCmd() []string
	Dir() string
}

func New(envs map[string]string, prependCmd []string) Context {
	return &context{
		prependCmd: prependCmd,
		envs:       envs,
	}
}

// Sudo returns a Context running commands through sudo.
func Sudo() Context {
	return New(nil, []string{"sudo"})
}

// WithDir returns a copy of ctx whose commands run in dir.
func WithDir(ctx Context, dir string) Context {
	return &context{
		envs:       ctx.Envs(),
		prependCmd: ctx.PrependCmd(),
		dir:        dir,
	}
}

type context struct {
	envs       map[string]string
	prependCmd []string
	dir        string
}

// Envs implements Context.
func (c *context) Envs() map[string]string {
	out := make(map[string]string, len(c.envs))
	maps.Copy(out, c.envs)
	return out
}

// PrependCmd implements Context.
func (c *context) PrependCmd() []string {
	out := make([]string, len(c.prependCmd))
	copy(out, c.prependCmd)
	return out
}

// Dir implements Context.
func (c *context) Dir() string {
	return c.dir
}

func ApplyToCmd(ctx Context, cmd *exec.Cmd) {
	for _, k := range sortedKeys(ctx.Envs()) {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, ctx.Envs()[k]))
	}

	if dir := ctx.Dir(); dir != "" {
		cmd.Dir = dir
	}

	prependCmd := ctx.PrependCmd()
	if len(prependCmd) < 1 {
		return
	}

	tmpCmd := exec.Command(prependCmd[0], prependCmd[1:]...)
	cmd.Path = tmpCmd.Path
	cmd.Args = append(tmpCmd.Args, cmd.Args...)
}

// FormatCmd renders cmd as a single POSIX shell line:
//
//	cd '<dir>' && <prepend...> env K='v' <cmd...>
//
// Envs follow the prepended command so sudo does not drop them. Arguments are
// single-quoted where needed; shell operators such as && are kept verbatim.
func FormatCmd(ctx Context, cmd ...string) string {
	var parts []string

	if dir := ctx.Dir(); dir != "" {
		parts = append(parts, "cd", shellescape.Quote(dir), "&&")
	}

	for _, s := range ctx.PrependCmd() {
		parts = append(parts, quote(s))
	}

	envs := ctx.Envs()
	if len(envs) > 0 {
		parts = append(parts, "env")
		for _, k := range sortedKeys(envs) {
			parts = append(parts, shellescape.Quote(k+"="+envs[k]))
		}
	}

	for _, s := range cmd {
		parts = append(parts, quote(s))
	}

	return strings.Join(parts, " ")
}

var operators = map[string]struct{}{
	"&&": {},
	"||": {},
	";":  {},
	"&":  {},
	"|":  {},
}

func quote(s string) string {
	if _, ok := operators[s]; ok {
		return s
	}
	return shellescape.Quote(s)
}

func sortedKeys(m map[string]string) []string {
	return slices.Sorted(maps.Keys(m))
}
