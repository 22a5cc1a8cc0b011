package vmimage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/sibyllinesoft/rave/internal/raveerr"
)

func TestCreateBlank_MissingTooling(t *testing.T) {
	t.Setenv("PATH", t.TempDir())

	err := CreateBlank(context.Background(), filepath.Join(t.TempDir(), "disk.qcow2"), 20)
	if err == nil {
		t.Fatal("expected error when qemu-img/mkfs.ext4 are unavailable")
	}
	if raveerr.Of(err) != raveerr.KindResource {
		t.Errorf("error kind = %v, want %v", raveerr.Of(err), raveerr.KindResource)
	}
}

func TestInjectSSHKey_FallsBackWhenGuestfishMissing(t *testing.T) {
	t.Setenv("PATH", t.TempDir())

	result, err := InjectSSHKey(context.Background(), "/nonexistent.qcow2", "ssh-ed25519 AAAA test")
	if err != nil {
		t.Fatalf("InjectSSHKey returned error: %v", err)
	}
	if result.Method != "runtime_auth" {
		t.Errorf("Method = %q, want runtime_auth", result.Method)
	}
}

func TestInstallAgeKey_MissingKeyFile(t *testing.T) {
	err := InstallAgeKey(context.Background(), "/nonexistent.qcow2", filepath.Join(t.TempDir(), "missing.txt"))
	if err == nil {
		t.Fatal("expected error for missing age key file")
	}
	if raveerr.Of(err) != raveerr.KindNotFound {
		t.Errorf("error kind = %v, want %v", raveerr.Of(err), raveerr.KindNotFound)
	}
}

func TestInstallAgeKey_ReadsKeyBytes(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "key.txt")
	if err := os.WriteFile(keyPath, []byte("AGE-SECRET-KEY-1TEST"), 0o600); err != nil {
		t.Fatalf("writing fake age key: %v", err)
	}

	t.Setenv("PATH", t.TempDir()) // guestfish unavailable

	err := InstallAgeKey(context.Background(), "/nonexistent.qcow2", keyPath)
	if err == nil {
		t.Fatal("expected error when guestfish is unavailable")
	}
	if raveerr.Of(err) == raveerr.KindNotFound {
		t.Errorf("error kind = %v; the key file exists and should be read before guestfish fails", raveerr.Of(err))
	}
}
