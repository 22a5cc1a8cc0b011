package sshx

import (
	"os"
	"path/filepath"
	"testing"
)

func TestBuildCommand_WithKeypair(t *testing.T) {
	dir := t.TempDir()
	keypair := filepath.Join(dir, "id_rsa")
	if err := os.WriteFile(keypair, []byte("fake key"), 0o600); err != nil {
		t.Fatalf("writing fake keypair: %v", err)
	}

	name, args, err := BuildCommand(Target{SSHPort: 2224, KeypairPath: keypair}, "echo hi")
	if err != nil {
		t.Fatalf("BuildCommand returned error: %v", err)
	}
	if name != "ssh" {
		t.Errorf("name = %q, want ssh", name)
	}
	if args[0] != "-i" || args[1] != keypair {
		t.Errorf("args = %v, want to start with -i %s", args, keypair)
	}
}

func TestBuildCommand_MissingKeypairNoSSHPass(t *testing.T) {
	t.Setenv("PATH", t.TempDir())

	_, _, err := BuildCommand(Target{SSHPort: 2224, KeypairPath: "/nonexistent"}, "echo hi")
	if err == nil {
		t.Fatal("expected error when no keypair and sshpass unavailable")
	}
}

func TestBuildCommand_PortForwarded(t *testing.T) {
	dir := t.TempDir()
	keypair := filepath.Join(dir, "id_rsa")
	if err := os.WriteFile(keypair, []byte("fake key"), 0o600); err != nil {
		t.Fatalf("writing fake keypair: %v", err)
	}

	_, args, err := BuildCommand(Target{SSHPort: 2323, KeypairPath: keypair}, "true")
	if err != nil {
		t.Fatalf("BuildCommand returned error: %v", err)
	}

	found := false
	for i, a := range args {
		if a == "-p" && i+1 < len(args) && args[i+1] == "2323" {
			found = true
		}
	}
	if !found {
		t.Errorf("args %v missing -p 2323", args)
	}
}
