package procrun

import (
	"context"
	"testing"
	"time"

	"github.com/sibyllinesoft/rave/internal/raveerr"
)

func TestRun_CapturesOutput(t *testing.T) {
	result, err := Run(context.Background(), "echo", []string{"hello"}, Options{})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if result.ExitCode != 0 {
		t.Fatalf("ExitCode = %d, want 0", result.ExitCode)
	}
	if result.Stdout != "hello\n" {
		t.Errorf("Stdout = %q, want %q", result.Stdout, "hello\n")
	}
}

func TestRun_NonZeroExitIsNotAnError(t *testing.T) {
	result, err := Run(context.Background(), "false", nil, Options{})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if result.ExitCode == 0 {
		t.Fatal("ExitCode = 0, want non-zero")
	}
}

func TestRun_Timeout(t *testing.T) {
	_, err := Run(context.Background(), "sleep", []string{"5"}, Options{Timeout: 10 * time.Millisecond})
	if err == nil {
		t.Fatal("expected timeout error, got nil")
	}
	if raveerr.Of(err) != raveerr.KindTransient {
		t.Errorf("error kind = %v, want %v", raveerr.Of(err), raveerr.KindTransient)
	}
}

func TestCheckedRun_NonZeroExitIsError(t *testing.T) {
	_, err := CheckedRun(context.Background(), "false", nil, Options{}, "false failed")
	if err == nil {
		t.Fatal("expected error for non-zero exit")
	}
	if raveerr.Of(err) != raveerr.KindTransient {
		t.Errorf("error kind = %v, want %v", raveerr.Of(err), raveerr.KindTransient)
	}
}

func TestRun_Stdin(t *testing.T) {
	result, err := Run(context.Background(), "cat", nil, Options{Stdin: []byte("piped data")})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if result.Stdout != "piped data" {
		t.Errorf("Stdout = %q, want %q", result.Stdout, "piped data")
	}
}
