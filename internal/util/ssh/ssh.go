package ssh

import (
	"context"
	"errors"

	"github.com/alexandremahdhaoui/jdss-e2e/pkg/execcontext"
)

// ErrRemoteCommand is returned when a remote command exits with a non-zero status.
var ErrRemoteCommand = errors.New("remote command failed")

// RunOptions controls how a single remote command is executed.
type RunOptions struct {
	// Sudo runs the command with elevated privileges.
	Sudo bool
	// Hide captures output without echoing it.
	Hide bool
	// Dir is the remote working directory.
	Dir string
	// Env is passed to the command through env(1), after any sudo.
	Env map[string]string
}

// ExecContext converts the options into an execcontext.Context.
func (o RunOptions) ExecContext() execcontext.Context {
	var prepend []string
	if o.Sudo {
		prepend = []string{"sudo"}
	}
	return execcontext.WithDir(execcontext.New(o.Env, prepend), o.Dir)
}

// Runner defines the interface for executing commands on a remote host.
type Runner interface {
	Run(ctx context.Context, opts RunOptions, cmd ...string) (stdout string, err error)
}
