package executor

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"time"
)

// Runner runs one shell command. env holds only the action's variables;
// the runner decides what base environment they are layered on.
type Runner interface {
	Run(ctx context.Context, cmd, dir string, env []string) (stdout, stderr string, exitCode int, err error)
}

// HostRunner runs commands with the local shell.
type HostRunner struct {
	// Shell defaults to "sh".
	Shell string
}

// Run executes cmd via "<shell> -c" with the process environment plus env.
// A non-zero exit is reported through exitCode with a nil error; err is set
// only when the command could not be run or was killed.
func (h HostRunner) Run(ctx context.Context, cmd, dir string, env []string) (string, string, int, error) {
	shell := h.Shell
	if shell == "" {
		shell = "sh"
	}
	c := exec.CommandContext(ctx, shell, "-c", cmd)
	c.Dir = dir
	c.Env = append(os.Environ(), env...)
	c.WaitDelay = time.Second

	var outBuf, errBuf bytes.Buffer
	c.Stdout = &outBuf
	c.Stderr = &errBuf

	runErr := c.Run()
	if runErr == nil {
		return outBuf.String(), errBuf.String(), 0, nil
	}
	if ctx.Err() != nil {
		return outBuf.String(), errBuf.String(), -1, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		return outBuf.String(), errBuf.String(), exitErr.ExitCode(), nil
	}
	return outBuf.String(), errBuf.String(), -1, runErr
}
