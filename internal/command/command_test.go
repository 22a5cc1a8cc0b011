package command

import (
	"io"
	"log/slog"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustParser(t *testing.T, allowed []string) *Parser {
	t.Helper()
	p, err := NewParser(allowed, testLogger())
	if err != nil {
		t.Fatalf("NewParser returned error: %v", err)
	}
	return p
}

func TestParse_ValidStartAgent(t *testing.T) {
	p := mustParser(t, nil)
	parsed, err := p.Parse("!start-agent claude-worker")
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if parsed.Command != "start-agent" {
		t.Errorf("Command = %q, want start-agent", parsed.Command)
	}
	if len(parsed.Args) != 1 || parsed.Args[0] != "claude-worker" {
		t.Errorf("Args = %v, want [claude-worker]", parsed.Args)
	}
}

func TestParse_RejectsDisallowedCommand(t *testing.T) {
	p := mustParser(t, []string{"help"})
	if _, err := p.Parse("!start-agent worker"); err == nil {
		t.Fatal("expected error for a command not in the allowed list")
	}
}

func TestParse_RejectsMissingBang(t *testing.T) {
	p := mustParser(t, nil)
	if _, err := p.Parse("start-agent worker"); err == nil {
		t.Fatal("expected error for a command missing the ! prefix")
	}
}

func TestParse_RejectsTooFewArgs(t *testing.T) {
	p := mustParser(t, nil)
	if _, err := p.Parse("!start-agent"); err == nil {
		t.Fatal("expected error for a command missing its required argument")
	}
}

func TestParse_RejectsTooManyArgs(t *testing.T) {
	p := mustParser(t, nil)
	if _, err := p.Parse("!stop-agent a b c"); err == nil {
		t.Fatal("expected error for too many arguments")
	}
}

func TestParse_AllowsNoArgCommands(t *testing.T) {
	p := mustParser(t, nil)
	parsed, err := p.Parse("!list-agents")
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if len(parsed.Args) != 0 {
		t.Errorf("Args = %v, want empty", parsed.Args)
	}
}

func TestNewParser_RejectsUnknownAllowedCommand(t *testing.T) {
	if _, err := NewParser([]string{"not-a-real-command"}, testLogger()); err == nil {
		t.Fatal("expected error for an unknown command in the allowed list")
	}
}

func TestParse_BlocksMaliciousInputs(t *testing.T) {
	p := mustParser(t, nil)
	malicious := []string{
		"!start-agent; rm -rf /",
		"!start-agent `whoami`",
		"!start-agent $(cat /etc/passwd)",
		"!start-agent agent & sleep 10",
		"!start-agent ../../../etc/passwd",
		"!start-agent <script>alert('xss')</script>",
		"!start-agent javascript:alert('xss')",
		"!start-agent data:text/html,<script>alert('xss')</script>",
		"!start-agent file:///etc/passwd",
		"!start-agent agent\r\ncat /etc/passwd",
		"!start-agent agent\x00cat /etc/passwd",
		"!nonexistent-command arg",
		"start-agent no-exclamation",
		"!start-agent",
		"!stop-agent arg1 arg2 arg3",
	}
	for _, input := range malicious {
		if _, err := p.Parse(input); err == nil {
			t.Errorf("expected Parse to reject malicious input: %q", input)
		}
	}
}

func TestParse_RejectsOverlongCommand(t *testing.T) {
	p := mustParser(t, nil)
	huge := "!" + string(make([]byte, 2000))
	if _, err := p.Parse(huge); err == nil {
		t.Fatal("expected error for an overlong command")
	}
}

func TestHelp_ReturnsUsageForAllowedCommand(t *testing.T) {
	p := mustParser(t, nil)
	help, ok := p.Help("start-agent")
	if !ok {
		t.Fatal("expected help entry for start-agent")
	}
	if help.Usage == "" {
		t.Error("expected a non-empty usage string")
	}
}

func TestValidAgentName(t *testing.T) {
	cases := map[string]bool{
		"claude-worker": true,
		"":              false,
		"bad name":      false,
		"bad/name":      false,
	}
	for name, want := range cases {
		if got := ValidAgentName(name); got != want {
			t.Errorf("ValidAgentName(%q) = %v, want %v", name, got, want)
		}
	}
}
