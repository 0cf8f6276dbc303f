// Package toolexec runs platform-native packaging tools, either on the
// local host or on the build agent leased for the current run.
package toolexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"

	"github.com/installerkit/installerkit/pkg/agent"
)

// Command is one tool invocation.
type Command struct {
	Name string
	Args []string
	Dir  string
	// Env entries are KEY=VALUE and are appended to the inherited environment.
	Env []string
}

func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Result holds what a tool produced. A non-zero exit code is a Result, not
// an error; errors are reserved for failing to run the tool at all.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

func (r Result) Success() bool { return r.ExitCode == 0 }

// Runner executes commands.
type Runner interface {
	Run(ctx context.Context, cmd Command) (Result, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, cmd Command) (Result, error)

func (f RunnerFunc) Run(ctx context.Context, cmd Command) (Result, error) { return f(ctx, cmd) }

// LocalRunner runs commands on this host with os/exec.
type LocalRunner struct {
	logger *slog.Logger
}

func NewLocalRunner(logger *slog.Logger) *LocalRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalRunner{logger: logger}
}

// Run implements Runner.
func (r *LocalRunner) Run(ctx context.Context, cmd Command) (Result, error) {
	c := exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	c.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		c.Env = append(os.Environ(), cmd.Env...)
	}
	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	r.logger.Debug("running tool", "tool", cmd.Name, "dir", cmd.Dir)
	err := c.Run()
	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return res, nil
	case ctx.Err() != nil:
		return res, ctx.Err()
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	default:
		return res, fmt.Errorf("run %s: %w", cmd.Name, err)
	}
}

// RemoteClient runs commands on a remote agent.
type RemoteClient interface {
	// Claims reports whether this client can reach the agent behind h.
	Claims(h *agent.Handle) bool
	Run(ctx context.Context, h *agent.Handle, cmd Command) (Result, error)
}

// Dispatcher routes each command to the first remote client claiming the
// current agent, falling back to the local runner.
type Dispatcher struct {
	local   Runner
	remotes []RemoteClient
}

func NewDispatcher(local Runner, remotes ...RemoteClient) *Dispatcher {
	return &Dispatcher{local: local, remotes: remotes}
}

// Run implements Runner.
func (d *Dispatcher) Run(ctx context.Context, cmd Command) (Result, error) {
	if h := agent.Current(ctx); h != nil {
		for _, rc := range d.remotes {
			if rc.Claims(h) {
				return rc.Run(ctx, h, cmd)
			}
		}
	}
	return d.local.Run(ctx, cmd)
}
