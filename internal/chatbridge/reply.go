package chatbridge

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sibyllinesoft/rave/internal/agentctl"
)

// formatResult renders an agent controller operation result as a chat
// reply: a success/failure headline followed by a details section listing
// every key in the result, with memory_usage converted from bytes to MB
// and a nested summary map flattened to "key: value" pairs.
func formatResult(op agentctl.OperationResult) string {
	var message string
	if op.Success {
		msg := op.Message
		if msg == "" {
			msg = "command completed successfully"
		}
		message = "✅ " + msg
	} else {
		msg := op.Message
		if msg == "" {
			msg = "command failed"
		}
		message = "❌ " + msg
	}

	if len(op.Details) == 0 {
		return message
	}

	keys := make([]string, 0, len(op.Details))
	for k := range op.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("%s: %s", k, formatDetailValue(k, op.Details[k])))
	}

	return message + "\n\n📊 Details:\n" + strings.Join(lines, "\n")
}

func formatDetailValue(key string, v any) string {
	switch key {
	case "memory_usage":
		if bytes, ok := numericValue(v); ok {
			return fmt.Sprintf("%.0fMB", bytes/(1024*1024))
		}
	case "summary":
		if summary, ok := v.(agentctl.AgentSummary); ok {
			return fmt.Sprintf("total: %d, active: %d, inactive: %d, failed: %d, other: %d",
				summary.Total, summary.Active, summary.Inactive, summary.Failed, summary.Other)
		}
		if m, ok := v.(map[string]any); ok {
			keys := make([]string, 0, len(m))
			for k := range m {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			parts := make([]string, 0, len(keys))
			for _, k := range keys {
				parts = append(parts, fmt.Sprintf("%s: %v", k, m[k]))
			}
			return strings.Join(parts, ", ")
		}
	}
	return fmt.Sprintf("%v", v)
}

func numericValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// formatError renders a bare error message as a chat reply, matching the
// warning-prefixed style used for authentication and dispatch failures
// that never produced a structured operation result.
func formatError(message string) string {
	return "⚠️ " + message
}

// formatHelp renders the command catalog, or usage detail for a single
// command when args names one.
func (s *Server) formatHelp(args []string) string {
	if len(args) > 0 {
		help, ok := s.parser.Help(args[0])
		if !ok {
			return formatError("unknown command: " + args[0])
		}
		return fmt.Sprintf("**%s**\n%s\nUsage: %s", help.Command, help.Description, help.Usage)
	}

	commands := s.parser.AllowedCommands()
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)

	lines := make([]string, 0, len(names))
	for _, name := range names {
		lines = append(lines, fmt.Sprintf("!%s - %s", name, commands[name]))
	}
	return "Available commands:\n" + strings.Join(lines, "\n")
}
