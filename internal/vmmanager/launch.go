package vmmanager

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/sibyllinesoft/rave/internal/raveerr"
)

// PortForward is one host->guest TCP forward.
type PortForward struct {
	HostPort  int
	GuestPort int
}

// LaunchCommand is a ready-to-exec qemu (or Nix launcher) invocation.
type LaunchCommand struct {
	Path string
	Args []string
	Env  []string // nil means inherit the current process environment
}

// BuildLaunchCommand prefers the repo's Nix-built launcher
// (result/bin/run-rave-complete-vm) when present, falling back to invoking
// qemu-system-x86_64 directly with explicit drive/net/accel flags.
func BuildLaunchCommand(repoRoot, imagePath string, memoryGB int, forwards []PortForward, ageKeyDir string) (LaunchCommand, error) {
	launcher := filepath.Join(repoRoot, "result", "bin", "run-rave-complete-vm")
	if _, err := os.Stat(launcher); err == nil {
		env := os.Environ()
		absImage, err := filepath.Abs(imagePath)
		if err != nil {
			absImage = imagePath
		}
		env = append(env, "NIX_DISK_IMAGE="+absImage)
		if len(forwards) > 0 {
			env = append(env, "QEMU_NET_OPTS="+hostfwdRules(forwards))
		}
		return LaunchCommand{Path: launcher, Env: env}, nil
	}

	qemuPath, err := exec.LookPath("qemu-system-x86_64")
	if err != nil {
		return LaunchCommand{}, raveerr.New(raveerr.KindResource, "qemu-system-x86_64 is required to launch the VM")
	}

	args := []string{
		"-drive", fmt.Sprintf("file=%s,format=qcow2", imagePath),
		"-m", fmt.Sprintf("%dG", memoryGB),
		"-smp", "2",
	}

	if _, err := os.Stat("/dev/kvm"); err == nil {
		args = append(args, "-accel", "kvm")
	}

	if len(forwards) > 0 {
		netdev := fmt.Sprintf("user,id=net0,%s", hostfwdRules(forwards))
		args = append(args, "-netdev", netdev, "-device", "virtio-net-pci,netdev=net0")
	} else {
		args = append(args, "-netdev", "user,id=net0", "-device", "virtio-net-pci,netdev=net0")
	}

	if ageKeyDir != "" {
		args = append(args, "-virtfs", fmt.Sprintf("local,path=%s,mount_tag=sops-keys,security_model=none", ageKeyDir))
	}

	args = append(args, "-display", "none")

	return LaunchCommand{Path: qemuPath, Args: args}, nil
}

func hostfwdRules(forwards []PortForward) string {
	rules := make([]string, 0, len(forwards))
	for _, f := range forwards {
		rules = append(rules, fmt.Sprintf("hostfwd=tcp::%d-:%d", f.HostPort, f.GuestPort))
	}
	return strings.Join(rules, ",")
}
