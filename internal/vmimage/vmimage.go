// Package vmimage creates and mutates qcow2 disk images for tenant VMs:
// blank disk creation, offline SSH key injection via guestfish, Age key
// embedding for sops-nix, and the idempotent runtime fallback for
// authorizing a root key once the guest is already up.
package vmimage

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/sibyllinesoft/rave/internal/procrun"
	"github.com/sibyllinesoft/rave/internal/raveerr"
	"github.com/sibyllinesoft/rave/internal/sshx"
)

// CreateBlank builds a fresh qcow2 image at target: a raw disk of sizeGB,
// formatted ext4 and labeled "nixos", then converted to qcow2. The raw
// intermediate is always removed, success or failure.
func CreateBlank(ctx context.Context, target string, sizeGB int) error {
	var missing []string
	if _, err := exec.LookPath("qemu-img"); err != nil {
		missing = append(missing, "qemu-img")
	}
	if _, err := exec.LookPath("mkfs.ext4"); err != nil {
		missing = append(missing, "mkfs.ext4")
	}
	if len(missing) > 0 {
		return raveerr.New(raveerr.KindResource, "required tooling missing: "+strings.Join(missing, ", "))
	}

	raw, err := os.CreateTemp("", "rave-disk-*.raw")
	if err != nil {
		return raveerr.Wrap(raveerr.KindInternal, "creating temp raw disk", err)
	}
	rawPath := raw.Name()
	raw.Close()
	defer os.Remove(rawPath)

	if err := os.MkdirAll(dirOf(target), 0o755); err != nil {
		return raveerr.Wrap(raveerr.KindInternal, "creating image directory", err)
	}

	if _, err := procrun.CheckedRun(ctx, "qemu-img",
		[]string{"create", "-f", "raw", rawPath, fmt.Sprintf("%dG", sizeGB)},
		procrun.Options{}, "qemu-img create failed"); err != nil {
		return err
	}

	if _, err := procrun.CheckedRun(ctx, "mkfs.ext4",
		[]string{"-F", "-L", "nixos", rawPath},
		procrun.Options{}, "mkfs.ext4 failed"); err != nil {
		return err
	}

	if _, err := procrun.CheckedRun(ctx, "qemu-img",
		[]string{"convert", "-f", "raw", "-O", "qcow2", rawPath, target},
		procrun.Options{}, "qemu-img convert failed"); err != nil {
		return err
	}

	return os.Chmod(target, 0o644)
}

func dirOf(path string) string {
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return "."
	}
	return path[:i]
}

// InjectSSHKeyResult reports how the key was installed.
type InjectSSHKeyResult struct {
	Method string // "guestfish" or "runtime_auth"
}

// InjectSSHKey installs publicKey into /root/.ssh/authorized_keys inside the
// image while it's offline, via guestfish. If guestfish is unavailable or
// fails, it falls back to leaving the key for runtime authorization
// (EnsureRuntimeRootKey), the two-tier strategy this system uses instead of
// a redundant loop-mount path.
func InjectSSHKey(ctx context.Context, imagePath, publicKey string) (InjectSSHKeyResult, error) {
	escaped := strings.ReplaceAll(publicKey, `"`, `\"`)
	script := fmt.Sprintf(`launch
list-filesystems
mount /dev/sda1 /
mkdir-p /root/.ssh
write /root/.ssh/authorized_keys "%s\n"
chmod 0700 /root/.ssh
chmod 0600 /root/.ssh/authorized_keys
chown 0 0 /root/.ssh
chown 0 0 /root/.ssh/authorized_keys
sync
umount /
exit
`, escaped)

	result, err := procrun.Run(ctx, "guestfish", []string{"--add", imagePath, "--rw"}, procrun.Options{Stdin: []byte(script)})
	if err != nil || result.ExitCode != 0 {
		return InjectSSHKeyResult{Method: "runtime_auth"}, nil
	}
	return InjectSSHKeyResult{Method: "guestfish"}, nil
}

// InstallAgeKey embeds an Age private key at /var/lib/sops-nix/key.txt so
// sops-nix can decrypt tenant secrets on first boot. Requires guestfish.
func InstallAgeKey(ctx context.Context, imagePath, ageKeyPath string) error {
	keyBytes, err := os.ReadFile(ageKeyPath)
	if err != nil {
		return raveerr.Wrap(raveerr.KindNotFound, "reading age key", err)
	}

	tmp, err := os.CreateTemp("", "rave-age-key-*")
	if err != nil {
		return raveerr.Wrap(raveerr.KindInternal, "creating temp age key file", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)
	if _, err := tmp.Write(keyBytes); err != nil {
		tmp.Close()
		return raveerr.Wrap(raveerr.KindInternal, "writing temp age key file", err)
	}
	tmp.Close()

	const remotePath = "/var/lib/sops-nix/key.txt"
	script := fmt.Sprintf(`launch
list-filesystems
mount /dev/disk/by-label/nixos /
mkdir-p /var/lib/sops-nix
upload %s %s
chmod 0700 /var/lib/sops-nix
chmod 0400 %s
chown 0 0 /var/lib/sops-nix
chown 0 0 %s
sync
umount /
exit
`, tmpPath, remotePath, remotePath, remotePath)

	_, err = procrun.CheckedRun(ctx, "guestfish", []string{"--add", imagePath, "--rw"},
		procrun.Options{Stdin: []byte(script)}, "guestfish failed to install age key")
	return err
}

// EnsureRuntimeRootKey authorizes publicKey for root via the already-booted
// guest's bootstrap "agent" account, polling until the guest accepts SSH
// connections. The remote command is idempotent under retry: it greps for
// the exact key line before appending, so repeated calls are a no-op.
func EnsureRuntimeRootKey(ctx context.Context, sshPort int, publicKey string) error {
	escaped := strings.ReplaceAll(publicKey, `'`, `'"'"'`)
	remoteCmd := fmt.Sprintf(
		"sudo mkdir -p /root/.ssh && "+
			"sudo sh -c \"grep -qxF '%s' /root/.ssh/authorized_keys || echo '%s' >> /root/.ssh/authorized_keys\" && "+
			"sudo chmod 700 /root/.ssh && sudo chmod 600 /root/.ssh/authorized_keys",
		escaped, escaped,
	)

	const maxAttempts = 30
	const delay = 6 * time.Second

	target := sshx.Target{SSHPort: sshPort, ConnectTimeout: 10 * time.Second}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		name, args := buildAgentSSHCommand(target, remoteCmd)
		result, err := procrun.Run(ctx, name, args, procrun.Options{Timeout: 15 * time.Second})
		if err == nil && result.ExitCode == 0 {
			return nil
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return raveerr.Wrap(raveerr.KindTransient, "unable to inject SSH key automatically after waiting for guest SSH", lastErr)
}

// buildAgentSSHCommand builds the ssh argv authenticating as the
// provisioning "agent" account (password-only: this account exists solely
// to bootstrap the real root key).
func buildAgentSSHCommand(target sshx.Target, remoteCmd string) (name string, args []string) {
	common := []string{
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
		"-o", "ConnectTimeout=10",
		"-p", fmt.Sprintf("%d", target.SSHPort),
		"agent@localhost",
		remoteCmd,
	}
	args = append([]string{"-p", "agent", "ssh"}, common...)
	return "sshpass", args
}
