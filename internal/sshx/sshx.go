// Package sshx runs scripts on a tenant VM's guest over SSH: build the
// ssh(1) argv (key-based, falling back to sshpass when no keypair is
// configured), then execute with exponential backoff retry since a freshly
// booted guest's sshd may not accept connections for the first few seconds.
package sshx

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/sibyllinesoft/rave/internal/procrun"
	"github.com/sibyllinesoft/rave/internal/raveerr"
)

// Target describes how to reach a tenant's guest.
type Target struct {
	SSHPort        int
	KeypairPath    string // empty means no keypair; falls back to sshpass
	ConnectTimeout time.Duration
}

const fallbackPassword = "debug123"

// BuildCommand constructs the ssh(1) argv that runs remoteScript on the
// guest via "bash -lc". It returns an error if no keypair is configured and
// sshpass is not on PATH.
func BuildCommand(target Target, remoteScript string) (string, []string, error) {
	connectTimeout := target.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}

	common := []string{
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
		"-p", fmt.Sprintf("%d", target.SSHPort),
		"-o", fmt.Sprintf("ConnectTimeout=%d", int(connectTimeout.Seconds())),
		"root@localhost",
		"bash", "-lc", remoteScript,
	}

	if target.KeypairPath != "" {
		if _, err := os.Stat(target.KeypairPath); err == nil {
			args := append([]string{"-i", target.KeypairPath}, common...)
			return "ssh", args, nil
		}
	}

	if _, err := exec.LookPath("sshpass"); err != nil {
		return "", nil, raveerr.New(raveerr.KindResource, "sshpass not available; provide an SSH keypair for VM access")
	}

	args := append([]string{"-p", fallbackPassword, "ssh"}, common...)
	return "sshpass", args, nil
}

// RetryPolicy configures the exponential backoff used by RunScript and
// StreamScript.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

func defaultPolicy(p RetryPolicy) RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 16 * time.Second
	}
	return p
}

func newBackOff(p RetryPolicy) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = 2
	return b
}

// RunScript executes remoteScript on the guest, retrying with exponential
// backoff on transport failure or non-zero exit.
func RunScript(ctx context.Context, target Target, remoteScript string, timeout time.Duration, description string, policy RetryPolicy) (procrun.Result, error) {
	policy = defaultPolicy(policy)

	op := func() (procrun.Result, error) {
		name, args, err := BuildCommand(target, remoteScript)
		if err != nil {
			return procrun.Result{}, backoff.Permanent(err)
		}

		result, err := procrun.CheckedRun(ctx, name, args, procrun.Options{Timeout: timeout}, description)
		if err != nil {
			return result, err
		}
		return result, nil
	}

	result, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(newBackOff(policy)),
		backoff.WithMaxTries(uint(policy.MaxAttempts)),
	)
	if err != nil {
		return result, raveerr.Wrap(raveerr.KindTransient, description, err)
	}
	return result, nil
}

// StreamScript behaves like RunScript but streams data to the remote
// script's standard input (used for the override-layer apply protocol,
// which expects a tar.gz on stdin).
func StreamScript(ctx context.Context, target Target, remoteScript string, data []byte, timeout time.Duration, description string, policy RetryPolicy) (procrun.Result, error) {
	policy = defaultPolicy(policy)

	op := func() (procrun.Result, error) {
		name, args, err := BuildCommand(target, remoteScript)
		if err != nil {
			return procrun.Result{}, backoff.Permanent(err)
		}

		result, err := procrun.CheckedRun(ctx, name, args, procrun.Options{Timeout: timeout, Stdin: data}, description)
		if err != nil {
			return result, err
		}
		return result, nil
	}

	result, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(newBackOff(policy)),
		backoff.WithMaxTries(uint(policy.MaxAttempts)),
	)
	if err != nil {
		return result, raveerr.Wrap(raveerr.KindTransient, description, err)
	}
	return result, nil
}
