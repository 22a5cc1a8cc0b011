package agentctl

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/sibyllinesoft/rave/internal/procrun"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeRunner replays canned procrun.Result values keyed by the first
// argument after the binary name (systemctl's subcommand, or the binary
// itself for ps/journalctl), letting tests drive the controller without
// touching a real systemd.
type fakeRunner struct {
	showResult  procrun.Result
	startResult procrun.Result
	stopResult  procrun.Result
	psResult    procrun.Result
	journalResult procrun.Result
	calls       []string
}

func (f *fakeRunner) run(ctx context.Context, name string, args []string, opts procrun.Options) (procrun.Result, error) {
	f.calls = append(f.calls, name+" "+strings.Join(args, " "))
	switch {
	case name == "ps":
		return f.psResult, nil
	case name == "journalctl":
		return f.journalResult, nil
	case len(args) > 0 && args[0] == "show":
		return f.showResult, nil
	case len(args) > 0 && args[0] == "start":
		return f.startResult, nil
	case len(args) > 0 && args[0] == "stop":
		return f.stopResult, nil
	default:
		return procrun.Result{ExitCode: 0}, nil
	}
}

func newTestController(t *testing.T, fr *fakeRunner) *Controller {
	t.Helper()
	c, err := New(Config{
		AllowedAgents: []string{"backend-architect"},
		SettleDelay:   time.Millisecond,
	}, testLogger())
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	c.run = fr.run
	return c
}

func activeShow() procrun.Result {
	return procrun.Result{
		ExitCode: 0,
		Stdout:   "ActiveState=active\nSubState=running\nActiveEnterTimestamp=2026-01-01\nMainPID=1234",
	}
}

func inactiveShow() procrun.Result {
	return procrun.Result{
		ExitCode: 0,
		Stdout:   "ActiveState=inactive\nSubState=dead\nActiveEnterTimestamp=n/a\nMainPID=0",
	}
}

func TestValidAgentType(t *testing.T) {
	c := newTestController(t, &fakeRunner{})
	if !c.ValidAgentType("backend-architect") {
		t.Error("expected allowlisted agent type to be valid")
	}
	if c.ValidAgentType("not-allowed") {
		t.Error("expected non-allowlisted agent type to be invalid")
	}
}

func TestNew_RejectsMalformedAllowlistEntry(t *testing.T) {
	_, err := New(Config{AllowedAgents: []string{"bad name"}}, testLogger())
	if err == nil {
		t.Fatal("expected error for a malformed allowlist entry")
	}
}

func TestStartAgent_AlreadyActiveIsIdempotent(t *testing.T) {
	fr := &fakeRunner{showResult: activeShow()}
	c := newTestController(t, fr)

	result := c.StartAgent(context.Background(), "backend-architect")
	if !result.Success {
		t.Fatalf("expected success, got message %q", result.Message)
	}
	if result.Details["current_state"] != "active" {
		t.Errorf("current_state = %v, want active", result.Details["current_state"])
	}
}

func TestStartAgent_StartsAndSettlesToActive(t *testing.T) {
	calls := 0
	fr := &fakeRunner{startResult: procrun.Result{ExitCode: 0}}
	c := newTestController(t, fr)
	c.run = func(ctx context.Context, name string, args []string, opts procrun.Options) (procrun.Result, error) {
		calls++
		if len(args) > 0 && args[0] == "show" {
			if calls == 1 {
				return inactiveShow(), nil
			}
			return activeShow(), nil
		}
		return fr.run(ctx, name, args, opts)
	}

	result := c.StartAgent(context.Background(), "backend-architect")
	if !result.Success {
		t.Fatalf("expected success, got message %q", result.Message)
	}
	if result.Details["state"] != "active" {
		t.Errorf("state = %v, want active", result.Details["state"])
	}
}

func TestStartAgent_RejectsUnknownAgentType(t *testing.T) {
	c := newTestController(t, &fakeRunner{})
	result := c.StartAgent(context.Background(), "not-allowed")
	if result.Success {
		t.Fatal("expected failure for a non-allowlisted agent type")
	}
}

func TestStartAgent_RejectsPastConcurrencyCap(t *testing.T) {
	c, err := New(Config{
		AllowedAgents:    []string{"backend-architect"},
		MaxConcurrentOps: 1,
	}, testLogger())
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	c.active["already-running"] = struct{}{}

	if err := c.beginOperation("backend-architect", "new-op"); err == nil {
		t.Fatal("expected concurrency cap to reject a new operation")
	}
}

func TestStopAgent_AlreadyInactiveIsIdempotent(t *testing.T) {
	fr := &fakeRunner{showResult: inactiveShow()}
	c := newTestController(t, fr)

	result := c.StopAgent(context.Background(), "backend-architect")
	if !result.Success {
		t.Fatalf("expected success, got message %q", result.Message)
	}
}

func TestGetStatus_IncludesMetricsWhenPIDPresent(t *testing.T) {
	fr := &fakeRunner{
		showResult: activeShow(),
		psResult:   procrun.Result{ExitCode: 0, Stdout: "1234  1.5  2.5  4096"},
	}
	c := newTestController(t, fr)

	result := c.GetStatus(context.Background(), "backend-architect")
	if !result.Success {
		t.Fatalf("expected success, got message %q", result.Message)
	}
	if result.Details["cpu_percent"] != 1.5 {
		t.Errorf("cpu_percent = %v, want 1.5", result.Details["cpu_percent"])
	}
	if result.Details["rss_kb"] != int64(4096) {
		t.Errorf("rss_kb = %v, want 4096", result.Details["rss_kb"])
	}
}

func TestGetStatus_RejectsUnknownAgentType(t *testing.T) {
	c := newTestController(t, &fakeRunner{})
	result := c.GetStatus(context.Background(), "not-allowed")
	if result.Success {
		t.Fatal("expected failure for a non-allowlisted agent type")
	}
}

func TestListAgents_SummarizesStates(t *testing.T) {
	fr := &fakeRunner{showResult: activeShow()}
	c, err := New(Config{AllowedAgents: []string{"backend-architect", "frontend-developer"}}, testLogger())
	if err != nil {
		t.Fatalf("New returned error: %v", err)
	}
	c.run = fr.run

	result := c.ListAgents(context.Background(), "")
	if !result.Success {
		t.Fatalf("expected success, got message %q", result.Message)
	}
	summary, ok := result.Details["summary"].(AgentSummary)
	if !ok {
		t.Fatalf("summary type = %T, want AgentSummary", result.Details["summary"])
	}
	if summary.Total != 2 || summary.Active != 2 {
		t.Errorf("summary = %+v, want Total=2 Active=2", summary)
	}
}

func TestListAgents_FiltersByState(t *testing.T) {
	fr := &fakeRunner{showResult: inactiveShow()}
	c := newTestController(t, fr)

	result := c.ListAgents(context.Background(), "active")
	agents, ok := result.Details["agents"].([]map[string]any)
	if !ok {
		t.Fatalf("agents type = %T", result.Details["agents"])
	}
	if len(agents) != 0 {
		t.Errorf("expected no agents to match the active filter, got %d", len(agents))
	}
}

func TestRunAllowed_RejectsDisallowedBinary(t *testing.T) {
	c := newTestController(t, &fakeRunner{})
	if _, err := c.runAllowed(context.Background(), "rm", []string{"-rf", "/"}); err == nil {
		t.Fatal("expected runAllowed to reject a non-allowlisted binary")
	}
}

func TestHistory_RecordsAndBounds(t *testing.T) {
	fr := &fakeRunner{showResult: activeShow()}
	c := newTestController(t, fr)

	c.StartAgent(context.Background(), "backend-architect")
	c.GetStatus(context.Background(), "backend-architect")

	history := c.History(0)
	if len(history) != 1 {
		t.Fatalf("History length = %d, want 1 (GetStatus does not record)", len(history))
	}
	if history[0].Operation != "start" {
		t.Errorf("Operation = %q, want start", history[0].Operation)
	}

	// Past MaxHistory the oldest half is dropped: 3 entries with a bound of
	// 2 keep the newest 2.
	c.cfg.MaxHistory = 2
	c.recordOperation("op-2", "stop", "backend-architect", OperationResult{Success: true})
	c.recordOperation("op-3", "start", "backend-architect", OperationResult{Success: true})
	history = c.History(0)
	if len(history) != 2 {
		t.Fatalf("History length = %d, want 2 after exceeding MaxHistory", len(history))
	}
	if history[0].OperationID != "op-2" || history[1].OperationID != "op-3" {
		t.Errorf("History IDs = %q, %q, want op-2, op-3", history[0].OperationID, history[1].OperationID)
	}
}

func TestMapSystemdState(t *testing.T) {
	cases := map[string]ServiceState{
		"active":       StateActive,
		"inactive":     StateInactive,
		"failed":       StateFailed,
		"activating":   StateActivating,
		"deactivating": StateDeactivating,
		"bogus":        StateUnknown,
	}
	for in, want := range cases {
		if got := mapSystemdState(in); got != want {
			t.Errorf("mapSystemdState(%q) = %q, want %q", in, got, want)
		}
	}
}
