package vmmanager

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sibyllinesoft/rave/internal/raveerr"
)

func writeKeypair(t *testing.T, dir string) string {
	t.Helper()
	priv := filepath.Join(dir, "id_ed25519")
	if err := os.WriteFile(priv, []byte("fake-private-key\n"), 0o600); err != nil {
		t.Fatalf("writing private key: %v", err)
	}
	if err := os.WriteFile(priv+".pub", []byte("ssh-ed25519 AAAAfake tenant@rave\n"), 0o644); err != nil {
		t.Fatalf("writing public key: %v", err)
	}
	return priv
}

func TestRecord_SaveLoadRoundTrip(t *testing.T) {
	vmsDir := t.TempDir()
	rec := &Record{
		Name:      "acme",
		Profile:   "standard",
		Ports:     map[string]int{"http": 8080, "https": 8443, "ssh": 2222, "test": 9090},
		Status:    "stopped",
		CreatedAt: 1700000000,
		ImagePath: "/var/lib/rave/acme.qcow2",
	}

	if err := SaveRecord(vmsDir, rec); err != nil {
		t.Fatalf("SaveRecord returned error: %v", err)
	}

	loaded, err := LoadRecord(vmsDir, "acme")
	if err != nil {
		t.Fatalf("LoadRecord returned error: %v", err)
	}
	if loaded == nil {
		t.Fatal("LoadRecord returned nil for an existing record")
	}
	if loaded.Ports["ssh"] != 2222 {
		t.Errorf("Ports[ssh] = %d, want 2222", loaded.Ports["ssh"])
	}

	names, err := ListNames(vmsDir)
	if err != nil {
		t.Fatalf("ListNames returned error: %v", err)
	}
	if len(names) != 1 || names[0] != "acme" {
		t.Errorf("ListNames = %v, want [acme]", names)
	}
}

func TestLoadRecord_MissingReturnsNilNil(t *testing.T) {
	vmsDir := t.TempDir()
	rec, err := LoadRecord(vmsDir, "nope")
	if err != nil {
		t.Fatalf("LoadRecord returned error: %v", err)
	}
	if rec != nil {
		t.Errorf("LoadRecord = %+v, want nil for a missing record", rec)
	}
}

func TestLoadRecord_CorruptedReturnsNilNil(t *testing.T) {
	vmsDir := t.TempDir()
	if err := os.WriteFile(configPath(vmsDir, "acme"), []byte(`{"name": "acme", "ports": `), 0o644); err != nil {
		t.Fatalf("writing corrupted record: %v", err)
	}

	rec, err := LoadRecord(vmsDir, "acme")
	if err != nil {
		t.Fatalf("LoadRecord returned error for a corrupted record, want (nil, nil): %v", err)
	}
	if rec != nil {
		t.Errorf("LoadRecord = %+v, want nil for a corrupted record", rec)
	}
}

func TestCreate_MissingBaseImageIsResourceError(t *testing.T) {
	dir := t.TempDir()
	keypair := writeKeypair(t, dir)

	m := New(filepath.Join(dir, "vms"), dir)
	_, _, err := m.Create(context.Background(), "acme", CreateOptions{
		KeypairPath: keypair,
		Profile:     "standard",
	})
	if err == nil {
		t.Fatal("expected error when no base image is configured")
	}
	if raveerr.Of(err) != raveerr.KindResource {
		t.Errorf("error kind = %v, want %v", raveerr.Of(err), raveerr.KindResource)
	}
}

func TestCreate_MissingKeypairIsNotFoundError(t *testing.T) {
	dir := t.TempDir()
	m := New(filepath.Join(dir, "vms"), dir)
	m.BaseImagePath = writeFakeImage(t, dir)

	_, _, err := m.Create(context.Background(), "acme", CreateOptions{
		KeypairPath: filepath.Join(dir, "does-not-exist"),
		Profile:     "standard",
	})
	if err == nil {
		t.Fatal("expected error for a missing keypair")
	}
	if raveerr.Of(err) != raveerr.KindNotFound {
		t.Errorf("error kind = %v, want %v", raveerr.Of(err), raveerr.KindNotFound)
	}
}

func TestCreate_DuplicateNameIsConflict(t *testing.T) {
	dir := t.TempDir()
	vmsDir := filepath.Join(dir, "vms")
	keypair := writeKeypair(t, dir)

	m := New(vmsDir, dir)
	m.BaseImagePath = writeFakeImage(t, dir)

	if err := SaveRecord(vmsDir, &Record{Name: "acme", Status: "stopped"}); err != nil {
		t.Fatalf("seeding existing record: %v", err)
	}

	_, _, err := m.Create(context.Background(), "acme", CreateOptions{KeypairPath: keypair, Profile: "standard"})
	if err == nil {
		t.Fatal("expected conflict error for an existing VM name")
	}
	if raveerr.Of(err) != raveerr.KindConflict {
		t.Errorf("error kind = %v, want %v", raveerr.Of(err), raveerr.KindConflict)
	}
}

func TestStatus_UnknownNameIsNotFound(t *testing.T) {
	dir := t.TempDir()
	m := New(filepath.Join(dir, "vms"), dir)
	_, err := m.Status(context.Background(), "ghost")
	if err == nil {
		t.Fatal("expected not-found error for an unknown VM")
	}
	if raveerr.Of(err) != raveerr.KindNotFound {
		t.Errorf("error kind = %v, want %v", raveerr.Of(err), raveerr.KindNotFound)
	}
}

func TestEnsureDatabasePassword_UnknownService(t *testing.T) {
	dir := t.TempDir()
	m := New(filepath.Join(dir, "vms"), dir)
	err := m.EnsureDatabasePassword(context.Background(), "acme", "not-a-service", "x")
	if err == nil {
		t.Fatal("expected validation error for an unknown database service")
	}
	if raveerr.Of(err) != raveerr.KindValidation {
		t.Errorf("error kind = %v, want %v", raveerr.Of(err), raveerr.KindValidation)
	}
}

func TestSQLQuoteLiteral_EscapesSingleQuotes(t *testing.T) {
	got := sqlQuoteLiteral("o'brien's")
	want := "o''brien''s"
	if got != want {
		t.Errorf("sqlQuoteLiteral = %q, want %q", got, want)
	}
}

func TestShellSingleQuote_EscapesEmbeddedQuotes(t *testing.T) {
	got := shellSingleQuote("it's")
	want := `'it'"'"'s'`
	if got != want {
		t.Errorf("shellSingleQuote = %q, want %q", got, want)
	}
}

func TestBuildApplyScript_PreviewSetsFlags(t *testing.T) {
	script := buildApplyScript("my layer!", ApplyOverrideLayerOptions{PreviewOnly: true})
	if !strings.Contains(script, "APPLY_FILES=0") {
		t.Error("expected APPLY_FILES=0 for a preview-only apply")
	}
	if !strings.Contains(script, "APPLY_RESTARTS=0") {
		t.Error("expected APPLY_RESTARTS=0 for a preview-only apply")
	}
	if !strings.Contains(script, "my_layer_-XXXXXX") {
		t.Errorf("expected sanitized layer name in staging template, got: %s", script)
	}
}

func TestBuildApplyScript_ApplyWithRestarts(t *testing.T) {
	script := buildApplyScript("app", ApplyOverrideLayerOptions{ApplyRestarts: true})
	if !strings.Contains(script, "APPLY_FILES=1") || !strings.Contains(script, "APPLY_RESTARTS=1") {
		t.Errorf("expected both flags set to 1, got: %s", script)
	}
}

func TestParseApplySummary_FindsTrailingJSONLine(t *testing.T) {
	stdout := "some noise\nmore noise\n" + `{"layer":"app","changed":["a"],"removed":[],"restart_units":[],"reload_units":[],"commands":[],"daemon_reload":false,"daemon_reloaded":false,"restarts_applied":true,"preview":false}`
	summary, ok := parseApplySummary(stdout)
	if !ok {
		t.Fatal("expected to parse a summary")
	}
	if summary.Layer != "app" || len(summary.Changed) != 1 || summary.Changed[0] != "a" {
		t.Errorf("unexpected summary: %+v", summary)
	}
}

func TestParseApplySummary_NoJSONLineFails(t *testing.T) {
	if _, ok := parseApplySummary("nothing here\n"); ok {
		t.Error("expected parse failure for stdout with no JSON line")
	}
}

func TestCheckPrerequisites_ReportsEveryTool(t *testing.T) {
	results := CheckPrerequisites()
	if len(results) != len(requiredTools) {
		t.Fatalf("got %d results, want %d", len(results), len(requiredTools))
	}
}

func writeFakeImage(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "base.qcow2")
	if err := os.WriteFile(path, []byte("fake-qcow2"), 0o644); err != nil {
		t.Fatalf("writing fake base image: %v", err)
	}
	return path
}
