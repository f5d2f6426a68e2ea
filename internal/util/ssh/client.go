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

package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/alexandremahdhaoui/jdss-e2e/pkg/execcontext"
	"golang.org/x/crypto/ssh"
)

const dialTimeout = 10 * time.Second

// Client implements the Runner interface over a single shared SSH connection.
type Client struct {
	Host       string
	User       string
	PrivateKey []byte
	Port       string

	// Output receives remote stdout and stderr of commands that are not hidden.
	Output io.Writer

	mu   sync.Mutex
	conn *ssh.Client
}

// NewClient creates a new SSH client. The connection is opened on first use.
func NewClient(host, user, privateKeyPath, port string) (*Client, error) {
	key, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("unable to read private key: %w", err)
	}

	return &Client{
			Host:       host,
			User:       user,
			PrivateKey: key,
			Port:       port,
			Output:     os.Stdout,
		},
		nil
}

func (c *Client) clientConfig() (*ssh.ClientConfig, error) {
	signer, err := ssh.ParsePrivateKey(c.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("unable to parse private key: %w", err)
	}

	return &ssh.ClientConfig{
		User: c.User,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(signer),
		},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // throwaway test VMs
		Timeout:         dialTimeout,
	}, nil
}

func (c *Client) addr() string {
	return net.JoinHostPort(c.Host, c.Port)
}

func (c *Client) connection() (*ssh.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return c.conn, nil
	}

	config, err := c.clientConfig()
	if err != nil {
		return nil, err
	}

	conn, err := ssh.Dial("tcp", c.addr(), config)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to %s: %w", c.addr(), err)
	}

	c.conn = conn
	return conn, nil
}

// Run implements Runner. The returned error wraps ErrRemoteCommand when the
// command exits with a non-zero status.
func (c *Client) Run(ctx context.Context, opts RunOptions, cmd ...string) (string, error) {
	conn, err := c.connection()
	if err != nil {
		return "", err
	}

	session, err := conn.NewSession()
	if err != nil {
		return "", fmt.Errorf("unable to create SSH session: %w", err)
	}
	defer runFuncAndLogErr(session.Close)

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf
	if !opts.Hide && c.Output != nil {
		session.Stdout = io.MultiWriter(&stdoutBuf, c.Output)
		session.Stderr = io.MultiWriter(&stderrBuf, c.Output)
	}

	line := execcontext.FormatCmd(opts.ExecContext(), cmd...)
	slog.Debug("running remote command", "addr", c.addr(), "cmd", line)

	done := make(chan error, 1)
	go func() { done <- session.Run(line) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		runFuncAndLogErr(session.Close)
		// session.Run owns the buffers until it returns.
		<-done
		return stdoutBuf.String(), ctx.Err()
	case err := <-done:
		if err != nil {
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				return stdoutBuf.String(), errors.Join(
					ErrRemoteCommand,
					fmt.Errorf("cmd=%s exitStatus=%d stderr=%s", line, exitErr.ExitStatus(), stderrBuf.String()),
				)
			}
			return stdoutBuf.String(), errors.Join(ErrRemoteCommand, fmt.Errorf("cmd=%s", line), err)
		}
	}

	return stdoutBuf.String(), nil
}

// AwaitServer waits for the SSH server to be available.
func (c *Client) AwaitServer(ctx context.Context, timeout time.Duration) error {
	config, err := c.clientConfig()
	if err != nil {
		return err
	}

	timeoutChan := time.After(timeout)
	tick := time.NewTicker(5 * time.Second)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeoutChan:
			return fmt.Errorf("timed out waiting for SSH server at %s", c.addr())
		case <-tick.C:
			conn, err := ssh.Dial("tcp", c.addr(), config)
			if err != nil {
				slog.Debug("ssh server not ready", "addr", c.addr(), "err", err.Error())
				continue
			}

			_ = conn.Close()
			return nil
		}
	}
}

// Close closes the shared connection, if any.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func runFuncAndLogErr(f func() error) {
	if err := f(); err != nil && !errors.Is(err, io.EOF) {
		slog.Debug("error closing ssh session or connection", "err", err.Error())
	}
}
