package overrides

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestMetadataResolve_DefaultsOnly(t *testing.T) {
	m := DefaultMetadata()
	resolved := m.Resolve("files/opt/app/config.yaml", "file")
	if resolved.Owner != "root" || resolved.Group != "root" {
		t.Errorf("unexpected defaults: %+v", resolved)
	}
	if resolved.DaemonReload {
		t.Error("DaemonReload should default to false")
	}
}

func TestMetadataResolve_SystemdUnitTriggersDaemonReload(t *testing.T) {
	m := DefaultMetadata()
	resolved := m.Resolve("etc/systemd/system/myapp.service", "systemd")
	if !resolved.DaemonReload {
		t.Error("expected daemon_reload=true for a .service unit")
	}
}

func TestMetadataResolve_TraefikReloadUnit(t *testing.T) {
	m := DefaultMetadata()
	resolved := m.Resolve("etc/traefik/dynamic/routes.yaml", "file")
	if len(resolved.ReloadUnits) != 1 || resolved.ReloadUnits[0] != "traefik.service" {
		t.Errorf("ReloadUnits = %v, want [traefik.service]", resolved.ReloadUnits)
	}
}

func TestMetadataResolve_ListFieldsAppendDedup(t *testing.T) {
	m := Metadata{
		Defaults: defaultDefaults(),
		Patterns: []Pattern{
			{Match: "etc/app/**", Scope: []string{"file"}, RestartUnits: []string{"app.service"}},
			{Match: "etc/app/special.conf", Scope: []string{"file"}, RestartUnits: []string{"app.service", "reloader.service"}},
		},
	}
	resolved := m.Resolve("etc/app/special.conf", "file")
	want := []string{"app.service", "reloader.service"}
	if len(resolved.RestartUnits) != len(want) {
		t.Fatalf("RestartUnits = %v, want %v", resolved.RestartUnits, want)
	}
	for i, v := range want {
		if resolved.RestartUnits[i] != v {
			t.Errorf("RestartUnits[%d] = %q, want %q", i, resolved.RestartUnits[i], v)
		}
	}
}

func TestMetadataResolve_DaemonReloadOrsAcrossMatches(t *testing.T) {
	m := Metadata{
		Defaults: defaultDefaults(),
		Patterns: []Pattern{
			{Match: "etc/systemd/system/*.service", Scope: []string{"systemd"}, DaemonReload: boolPtr(true)},
			{Match: "etc/systemd/system/myapp.service", Scope: []string{"systemd"}, DaemonReload: boolPtr(false)},
		},
	}
	resolved := m.Resolve("etc/systemd/system/myapp.service", "systemd")
	if !resolved.DaemonReload {
		t.Error("expected daemon_reload to stay true once any matching pattern sets it, regardless of match order")
	}
}

func TestMetadataResolve_ScopeMismatchSkipsPattern(t *testing.T) {
	m := Metadata{
		Defaults: defaultDefaults(),
		Patterns: []Pattern{
			{Match: "**", Scope: []string{"systemd"}, RestartUnits: []string{"should-not-apply.service"}},
		},
	}
	resolved := m.Resolve("files/whatever.txt", "file")
	if len(resolved.RestartUnits) != 0 {
		t.Errorf("RestartUnits = %v, want empty (scope mismatch)", resolved.RestartUnits)
	}
}

func TestManager_EnsureInitializedCreatesGlobalLayer(t *testing.T) {
	repoRoot := t.TempDir()
	mgr := NewManager(repoRoot)

	created, path, err := mgr.EnsureInitialized()
	if err != nil {
		t.Fatalf("EnsureInitialized returned error: %v", err)
	}
	if !created {
		t.Error("expected created=true on first call")
	}
	if _, err := os.Stat(filepath.Join(path, "layer.json")); err != nil {
		t.Errorf("layer.json not created: %v", err)
	}

	created2, _, err := mgr.EnsureInitialized()
	if err != nil {
		t.Fatalf("second EnsureInitialized returned error: %v", err)
	}
	if created2 {
		t.Error("expected created=false on second call")
	}
}

func TestManager_CreateLayerWithPreset(t *testing.T) {
	repoRoot := t.TempDir()
	mgr := NewManager(repoRoot)

	layerDir, err := mgr.CreateLayer("my-traefik", CreateOptions{Presets: []string{"traefik"}})
	if err != nil {
		t.Fatalf("CreateLayer returned error: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(layerDir, "metadata.json"))
	if err != nil {
		t.Fatalf("reading metadata.json: %v", err)
	}
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshaling metadata.json: %v", err)
	}
	found := false
	for _, p := range m.Patterns {
		if p.Match == "etc/traefik/**" {
			found = true
		}
	}
	if !found {
		t.Error("expected traefik preset pattern in metadata.json")
	}
}

func TestManager_CreateLayerDuplicateFails(t *testing.T) {
	repoRoot := t.TempDir()
	mgr := NewManager(repoRoot)

	if _, err := mgr.CreateLayer("dup", CreateOptions{}); err != nil {
		t.Fatalf("first CreateLayer returned error: %v", err)
	}
	if _, err := mgr.CreateLayer("dup", CreateOptions{}); err == nil {
		t.Fatal("expected error creating duplicate layer")
	}
}

func TestManager_CreateLayerUnknownPreset(t *testing.T) {
	repoRoot := t.TempDir()
	mgr := NewManager(repoRoot)

	if _, err := mgr.CreateLayer("bad", CreateOptions{Presets: []string{"not-a-preset"}}); err == nil {
		t.Fatal("expected error for unknown preset")
	}
}

func TestManager_BuildLayerPackage(t *testing.T) {
	repoRoot := t.TempDir()
	mgr := NewManager(repoRoot)

	layerDir, err := mgr.CreateLayer("app", CreateOptions{})
	if err != nil {
		t.Fatalf("CreateLayer returned error: %v", err)
	}

	filesDir := filepath.Join(layerDir, "files", "etc", "app")
	if err := os.MkdirAll(filesDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(filesDir, "config.yaml"), []byte("key: value\n"), 0o644); err != nil {
		t.Fatalf("writing fixture file: %v", err)
	}

	systemdDir := filepath.Join(layerDir, "systemd")
	if err := os.WriteFile(filepath.Join(systemdDir, "app.service"), []byte("[Unit]\n"), 0o644); err != nil {
		t.Fatalf("writing fixture unit: %v", err)
	}

	pkg, err := mgr.BuildLayerPackage("app", time.Unix(0, 0))
	if err != nil {
		t.Fatalf("BuildLayerPackage returned error: %v", err)
	}

	if len(pkg.Manifest.Entries) != 2 {
		t.Fatalf("Entries = %d, want 2", len(pkg.Manifest.Entries))
	}

	var sawConfig, sawUnit bool
	for _, e := range pkg.Manifest.Entries {
		switch e.TargetRelpath {
		case "etc/app/config.yaml":
			sawConfig = true
			if e.Hash == "" {
				t.Error("missing hash for config.yaml entry")
			}
		case "etc/systemd/system/app.service":
			sawUnit = true
			if !e.DaemonReload {
				t.Error("expected daemon_reload=true for app.service entry")
			}
		}
	}
	if !sawConfig || !sawUnit {
		t.Errorf("missing expected entries: %+v", pkg.Manifest.Entries)
	}

	verifyArchiveContainsManifest(t, pkg.Archive)
}

func verifyArchiveContainsManifest(t *testing.T, archive []byte) {
	t.Helper()
	gz, err := gzip.NewReader(bytes.NewReader(archive))
	if err != nil {
		t.Fatalf("opening gzip reader: %v", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	var sawManifest bool
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("reading tar entry: %v", err)
		}
		if hdr.Name == ManifestFileName {
			sawManifest = true
		}
	}
	if !sawManifest {
		t.Error("archive missing manifest file")
	}
}
