// Package procrun runs external commands with a bounded timeout and
// captures their stdout/stderr, giving every caller in this repository one
// consistent shape for "I ran a program, here's what happened".
package procrun

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"

	"github.com/sibyllinesoft/rave/internal/raveerr"
)

// Result is the outcome of a completed or timed-out command.
type Result struct {
	Command  []string
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Options configures a single Run call.
type Options struct {
	// Timeout bounds total execution; zero means no timeout beyond ctx.
	Timeout time.Duration
	// Dir sets the working directory, if non-empty.
	Dir string
	// Env, if non-nil, replaces the child's environment entirely (use this
	// for commands that must run with a minimal allowlisted environment,
	// e.g. the agent controller's systemctl/ps invocations).
	Env []string
	// Stdin, if non-nil, is streamed to the child's standard input.
	Stdin []byte
}

// Run executes command with args, returning a Result even on non-zero exit.
// It returns an error only when the command cannot be started, or when
// opts.Timeout or the ctx deadline expires before the command finishes; the
// Result captured so far is returned alongside that error.
func Run(ctx context.Context, name string, args []string, opts Options) (Result, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, name, args...)
	if opts.Dir != "" {
		cmd.Dir = opts.Dir
	}
	if opts.Env != nil {
		cmd.Env = opts.Env
	}
	if opts.Stdin != nil {
		cmd.Stdin = bytes.NewReader(opts.Stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	full := append([]string{name}, args...)
	result := Result{
		Command:  full,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: duration,
	}

	if ctx.Err() == context.DeadlineExceeded {
		return result, raveerr.Wrap(raveerr.KindTransient, "command timed out", ctx.Err())
	}

	var exitErr *exec.ExitError
	if err != nil {
		if ok := asExitError(err, &exitErr); ok {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, raveerr.Wrap(raveerr.KindInternal, "starting command "+name, err)
	}

	result.ExitCode = 0
	return result, nil
}

func asExitError(err error, target **exec.ExitError) bool {
	if ee, ok := err.(*exec.ExitError); ok {
		*target = ee
		return true
	}
	return false
}

// CheckedRun behaves like Run but additionally returns a KindTransient
// error when the command exits non-zero, with Message set from stderr (or
// stdout if stderr is empty) the way callers that just want "did it work"
// expect.
func CheckedRun(ctx context.Context, name string, args []string, opts Options, description string) (Result, error) {
	result, err := Run(ctx, name, args, opts)
	if err != nil {
		return result, err
	}
	if result.ExitCode != 0 {
		msg := strings.TrimSpace(result.Stderr)
		if msg == "" {
			msg = strings.TrimSpace(result.Stdout)
		}
		if msg == "" {
			msg = description
		}
		return result, raveerr.New(raveerr.KindTransient, msg)
	}
	return result, nil
}
