package vmmanager

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sibyllinesoft/rave/internal/procrun"
	"github.com/sibyllinesoft/rave/internal/raveerr"
	"github.com/sibyllinesoft/rave/internal/sshx"
)

var knownHostFlags = []string{
	"-o", "StrictHostKeyChecking=no",
	"-o", "UserKnownHostsFile=/dev/null",
	"-o", "GlobalKnownHostsFile=/dev/null",
	"-o", "ConnectTimeout=10",
}

// InteractiveSSHCommand probes key-based then password authentication
// against a running tenant guest and returns the argv a caller should
// exec (with stdio attached to a terminal) for an interactive session.
// It is meant for CLI passthrough, not for the chat bridge.
func (m *Manager) InteractiveSSHCommand(ctx context.Context, name string) (string, []string, error) {
	rec, err := LoadRecord(m.VMsDir, name)
	if err != nil {
		return "", nil, err
	}
	if rec == nil {
		return "", nil, raveerr.New(raveerr.KindNotFound, "VM '"+name+"' not found")
	}
	if !m.IsRunning(ctx, name) {
		return "", nil, raveerr.New(raveerr.KindConflict, "VM '"+name+"' is not running")
	}

	sshPort := rec.Ports["ssh"]

	if rec.KeypairPath != "" {
		if _, statErr := os.Stat(rec.KeypairPath); statErr == nil {
			keyArgs := append([]string{"-i", rec.KeypairPath}, knownHostFlags...)
			keyArgs = append(keyArgs, "-o", "PasswordAuthentication=no", "-p", fmt.Sprintf("%d", sshPort), "root@localhost")

			probe := append(append([]string{}, keyArgs...), "echo", "ok")
			if result, probeErr := procrun.Run(ctx, "ssh", probe, procrun.Options{Timeout: 15 * time.Second}); probeErr == nil && result.ExitCode == 0 {
				return "ssh", keyArgs, nil
			}
		}
	}

	passArgs := append([]string{"-p", "debug123", "ssh"}, knownHostFlags...)
	passArgs = append(passArgs, "-o", "PreferredAuthentications=password", "-p", fmt.Sprintf("%d", sshPort), "root@localhost")

	probe := append(append([]string{}, passArgs...), "echo", "ok")
	result, probeErr := procrun.Run(ctx, "sshpass", probe, procrun.Options{Timeout: 15 * time.Second})
	if probeErr != nil || result.ExitCode != 0 {
		return "", nil, raveerr.New(raveerr.KindResource, "SSH connection failed with both key and password authentication")
	}

	return "sshpass", passArgs, nil
}

// LogOptions configures GetLogs.
type LogOptions struct {
	Service     string
	AllServices bool
	Tail        int
	Since       string
}

var allServiceUnits = []string{"traefik", "postgresql", "nats", "redis-default", "redis-gitlab"}

// GetLogs runs journalctl on the tenant guest over SSH and returns its
// captured output. Unlike the interactive SSH passthrough, this always
// runs non-interactively (no "-f" follow support).
func (m *Manager) GetLogs(ctx context.Context, name string, opts LogOptions) (string, error) {
	target, err := m.SSHTarget(name)
	if err != nil {
		return "", err
	}
	if !m.IsRunning(ctx, name) {
		return "", raveerr.New(raveerr.KindConflict, "VM '"+name+"' is not running")
	}

	tail := opts.Tail
	if tail <= 0 {
		tail = 50
	}

	args := []string{"journalctl"}
	switch {
	case opts.AllServices:
		for _, svc := range allServiceUnits {
			args = append(args, "-u", svc+".service")
		}
	case opts.Service != "":
		args = append(args, "-u", opts.Service+".service")
	}
	args = append(args, "-n", fmt.Sprintf("%d", tail))
	if opts.Since != "" {
		args = append(args, "--since", opts.Since)
	}
	args = append(args, "--no-pager")

	script := quoteArgs(args)

	result, err := sshx.RunScript(ctx, target, script, 30*time.Second, "fetching logs", sshx.RetryPolicy{MaxAttempts: 1})
	if err != nil {
		return "", err
	}
	return result.Stdout, nil
}

func quoteArgs(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = shellSingleQuote(a)
	}
	return strings.Join(quoted, " ")
}
