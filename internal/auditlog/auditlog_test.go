package auditlog

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestWriter_LogAndFlushWritesJSONLWithIntegrityHash(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(Options{LogFile: filepath.Join(dir, "audit.log"), FlushInterval: 20 * time.Millisecond}, testLogger())
	if err != nil {
		t.Fatalf("NewWriter returned error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)

	w.Log(Event{EventType: EventAuthSuccess, UserID: "u1", Details: map[string]any{"password": "supersecretvalue"}})

	time.Sleep(80 * time.Millisecond)
	cancel()
	w.Close()

	data, err := os.ReadFile(filepath.Join(dir, "audit.log"))
	if err != nil {
		t.Fatalf("reading audit log: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(lines))
	}

	var record map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &record); err != nil {
		t.Fatalf("unmarshaling record: %v", err)
	}
	if record["integrity_hash"] == "" || record["integrity_hash"] == nil {
		t.Error("missing integrity_hash")
	}
	details, ok := record["details"].(map[string]any)
	if !ok {
		t.Fatal("details field missing or wrong type")
	}
	if details["password"] == "supersecretvalue" {
		t.Error("password value was not sanitized")
	}
}

func TestValidateIntegrity_DetectsTamperedLine(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "audit.log")
	w, err := NewWriter(Options{LogFile: logFile}, testLogger())
	if err != nil {
		t.Fatalf("NewWriter returned error: %v", err)
	}

	if err := w.writeBatch([]map[string]any{w.serialize(Event{EventType: EventAuthFailure})}); err != nil {
		t.Fatalf("writeBatch returned error: %v", err)
	}

	result, err := w.ValidateIntegrity(10)
	if err != nil {
		t.Fatalf("ValidateIntegrity returned error: %v", err)
	}
	if result.InvalidEntries != 0 || result.TotalChecked != 1 {
		t.Fatalf("unexpected result before tampering: %+v", result)
	}

	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("reading log: %v", err)
	}
	tampered := strings.Replace(string(data), "auth_failure", "auth_success", 1)
	if err := os.WriteFile(logFile, []byte(tampered), 0o640); err != nil {
		t.Fatalf("writing tampered log: %v", err)
	}

	result, err = w.ValidateIntegrity(10)
	if err != nil {
		t.Fatalf("ValidateIntegrity returned error: %v", err)
	}
	if result.InvalidEntries != 1 {
		t.Errorf("InvalidEntries = %d, want 1 after tampering", result.InvalidEntries)
	}
}

func TestSanitize_MasksNestedSensitiveKeys(t *testing.T) {
	input := map[string]any{
		"outer": map[string]any{
			"api_token": "abcdefghij",
			"ok":        "fine",
		},
	}
	sanitized := sanitize(input).(map[string]any)
	outer := sanitized["outer"].(map[string]any)
	if outer["api_token"] == "abcdefghij" {
		t.Error("expected nested api_token to be masked")
	}
	if outer["ok"] != "fine" {
		t.Error("non-sensitive value should be untouched")
	}
}

func TestRotate_CompressesBackupFile(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "audit.log")
	w, err := NewWriter(Options{LogFile: logFile, MaxFileBytes: 1}, testLogger())
	if err != nil {
		t.Fatalf("NewWriter returned error: %v", err)
	}

	if err := os.WriteFile(logFile, []byte(`{"event_type":"system_event"}`+"\n"), 0o640); err != nil {
		t.Fatalf("seeding log file: %v", err)
	}

	if err := w.rotateIfNeeded(); err != nil {
		t.Fatalf("rotateIfNeeded returned error: %v", err)
	}

	if _, err := os.Stat(logFile + ".1.gz"); err != nil {
		t.Errorf("expected compressed backup file: %v", err)
	}
}
