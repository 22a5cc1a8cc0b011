// Package command implements the chat bridge's command parser (C7): strict
// allowlisting, pattern-based structural validation, and per-argument
// sanitization for chat-originated "!command" text before it ever reaches
// the agent controller.
package command

import (
	"fmt"
	"html"
	"log/slog"
	"regexp"
	"strings"
	"time"

	shellquote "github.com/kballard/go-shellquote"

	"github.com/sibyllinesoft/rave/internal/raveerr"
)

// Pattern is the structural and per-argument validation rule for one
// command name.
type Pattern struct {
	Regexp      *regexp.Regexp
	MinArgs     int
	MaxArgs     int
	ArgPatterns []*regexp.Regexp
	Description string
	Usage       string
}

// commandPatterns is the fixed catalog of commands the bridge understands.
var commandPatterns = map[string]Pattern{
	"start-agent": {
		Regexp:  regexp.MustCompile(`(?i)^!start-agent\s+([a-zA-Z0-9-_]+)(?:\s+(.*))?$`),
		MinArgs: 1, MaxArgs: 2,
		ArgPatterns: []*regexp.Regexp{
			regexp.MustCompile(`^[a-zA-Z0-9-_]{1,50}$`),
			regexp.MustCompile(`^[a-zA-Z0-9=,\s_-]{0,200}$`),
		},
		Description: "Start an agent service",
		Usage:       "!start-agent <agent-type> [config]",
	},
	"stop-agent": {
		Regexp:  regexp.MustCompile(`(?i)^!stop-agent\s+([a-zA-Z0-9-_]+)$`),
		MinArgs: 1, MaxArgs: 1,
		ArgPatterns: []*regexp.Regexp{regexp.MustCompile(`^[a-zA-Z0-9-_]{1,50}$`)},
		Description: "Stop an agent service",
		Usage:       "!stop-agent <agent-type>",
	},
	"status-agent": {
		Regexp:  regexp.MustCompile(`(?i)^!status-agent\s+([a-zA-Z0-9-_]+)$`),
		MinArgs: 1, MaxArgs: 1,
		ArgPatterns: []*regexp.Regexp{regexp.MustCompile(`^[a-zA-Z0-9-_]{1,50}$`)},
		Description: "Get agent service status",
		Usage:       "!status-agent <agent-type>",
	},
	"list-agents": {
		Regexp:  regexp.MustCompile(`(?i)^!list-agents(?:\s+([a-zA-Z0-9-_]+))?$`),
		MinArgs: 0, MaxArgs: 1,
		ArgPatterns: []*regexp.Regexp{regexp.MustCompile(`^[a-zA-Z0-9-_]{1,20}$`)},
		Description: "List available agents",
		Usage:       "!list-agents [filter]",
	},
	"help": {
		Regexp:  regexp.MustCompile(`(?i)^!help(?:\s+([a-zA-Z0-9-_]+))?$`),
		MinArgs: 0, MaxArgs: 1,
		ArgPatterns: []*regexp.Regexp{regexp.MustCompile(`^[a-zA-Z0-9-_]{1,20}$`)},
		Description: "Show help information",
		Usage:       "!help [command]",
	},
}

// dangerousPatterns are rejected unconditionally, regardless of which
// command matched, since they indicate an injection attempt rather than a
// malformed argument.
var dangerousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`[;&|` + "`" + `$(){}\[\]\\]`),
	regexp.MustCompile(`\.\.`),
	regexp.MustCompile(`/[a-zA-Z]`),
	regexp.MustCompile(`(?i)<[^>]*>`),
	regexp.MustCompile(`(?i)javascript:`),
	regexp.MustCompile(`(?i)<script.*?>`),
	regexp.MustCompile(`(?i)data:`),
	regexp.MustCompile(`(?i)file://`),
	regexp.MustCompile(`(?i)\\x[0-9a-fA-F]{2}`),
	regexp.MustCompile(`%[0-9a-fA-F]{2}`),
	regexp.MustCompile(`\r|\n`),
	regexp.MustCompile(`[\x00-\x1f\x7f-\x9f]`),
}

const maxCommandLength = 1000
const maxArgLength = 200

// ParsedCommand is a validated, sanitized chat command ready for dispatch.
type ParsedCommand struct {
	Command    string
	Args       []string
	RawCommand string
	ParsedAt   time.Time
}

// Parser validates raw chat text against the command allowlist.
type Parser struct {
	allowed map[string]struct{}
	logger  *slog.Logger
}

// NewParser builds a Parser. allowedCommands restricts which catalog
// entries are accepted; a nil/empty slice allows every known command.
func NewParser(allowedCommands []string, logger *slog.Logger) (*Parser, error) {
	allowed := make(map[string]struct{})
	if len(allowedCommands) == 0 {
		for name := range commandPatterns {
			allowed[name] = struct{}{}
		}
	} else {
		for _, name := range allowedCommands {
			if _, ok := commandPatterns[name]; !ok {
				return nil, raveerr.New(raveerr.KindValidation, "unknown command in allowed list: "+name)
			}
			allowed[name] = struct{}{}
		}
	}

	logger.Info("command parser initialized", "allowed_commands", allowedCommands)
	return &Parser{allowed: allowed, logger: logger}, nil
}

// Parse validates and sanitizes raw chat text into a ParsedCommand.
func (p *Parser) Parse(commandText string) (ParsedCommand, error) {
	logPreview := commandText
	if len(logPreview) > 100 {
		logPreview = logPreview[:100]
	}
	p.logger.Debug("parsing command", "command", logPreview)

	cleaned, err := basicValidation(commandText)
	if err != nil {
		p.logger.Warn("command validation failed", "error", err, "command", logPreview)
		return ParsedCommand{}, err
	}

	if err := checkDangerousPatterns(cleaned); err != nil {
		p.logger.Warn("command validation failed", "error", err, "command", logPreview)
		return ParsedCommand{}, err
	}

	name, args, err := parseStructure(cleaned)
	if err != nil {
		p.logger.Warn("command validation failed", "error", err, "command", logPreview)
		return ParsedCommand{}, err
	}

	if _, ok := p.allowed[name]; !ok {
		err := raveerr.New(raveerr.KindValidation, "command not allowed: "+name)
		p.logger.Warn("command validation failed", "error", err, "command", logPreview)
		return ParsedCommand{}, err
	}

	pattern, ok := commandPatterns[name]
	if !ok {
		err := raveerr.New(raveerr.KindValidation, "unknown command: "+name)
		p.logger.Warn("command validation failed", "error", err)
		return ParsedCommand{}, err
	}

	if err := validateStructure(pattern, name, args, cleaned); err != nil {
		p.logger.Warn("command validation failed", "error", err, "command", logPreview)
		return ParsedCommand{}, err
	}

	validatedArgs, err := validateArguments(pattern, name, args)
	if err != nil {
		p.logger.Warn("command validation failed", "error", err, "command", logPreview)
		return ParsedCommand{}, err
	}

	p.logger.Info("command parsed successfully", "command", name, "arg_count", len(validatedArgs))
	return ParsedCommand{
		Command:    name,
		Args:       validatedArgs,
		RawCommand: commandText,
		ParsedAt:   time.Now(),
	}, nil
}

var whitespaceRun = regexp.MustCompile(`\s+`)

func basicValidation(commandText string) (string, error) {
	if len(commandText) > maxCommandLength {
		return "", raveerr.New(raveerr.KindValidation, "command too long")
	}
	trimmed := strings.TrimSpace(commandText)
	if trimmed == "" {
		return "", raveerr.New(raveerr.KindValidation, "empty command")
	}
	if !strings.HasPrefix(trimmed, "!") {
		return "", raveerr.New(raveerr.KindValidation, "commands must start with !")
	}

	escaped := html.EscapeString(trimmed)
	return whitespaceRun.ReplaceAllString(escaped, " "), nil
}

func checkDangerousPatterns(commandText string) error {
	for _, p := range dangerousPatterns {
		if p.MatchString(commandText) {
			return raveerr.New(raveerr.KindValidation, "dangerous pattern detected")
		}
	}
	return nil
}

func parseStructure(commandText string) (string, []string, error) {
	parts, err := shellquote.Split(commandText)
	if err != nil {
		return "", nil, raveerr.Wrap(raveerr.KindValidation, "invalid command syntax", err)
	}
	if len(parts) == 0 {
		return "", nil, raveerr.New(raveerr.KindValidation, "empty command")
	}

	name := strings.ToLower(strings.TrimPrefix(parts[0], "!"))
	return name, parts[1:], nil
}

func validateStructure(pattern Pattern, name string, args []string, fullCommand string) error {
	if !pattern.Regexp.MatchString(fullCommand) {
		return raveerr.New(raveerr.KindValidation, "command syntax error for "+name)
	}
	if len(args) < pattern.MinArgs {
		return raveerr.New(raveerr.KindValidation, fmt.Sprintf("too few arguments for %s (min: %d)", name, pattern.MinArgs))
	}
	if len(args) > pattern.MaxArgs {
		return raveerr.New(raveerr.KindValidation, fmt.Sprintf("too many arguments for %s (max: %d)", name, pattern.MaxArgs))
	}
	return nil
}

func validateArguments(pattern Pattern, name string, args []string) ([]string, error) {
	validated := make([]string, 0, len(args))
	for i, arg := range args {
		if i < len(pattern.ArgPatterns) && !pattern.ArgPatterns[i].MatchString(arg) {
			return nil, raveerr.New(raveerr.KindValidation, fmt.Sprintf("invalid argument %d for %s", i+1, name))
		}
		sanitized, err := sanitizeArgument(arg)
		if err != nil {
			return nil, err
		}
		validated = append(validated, sanitized)
	}
	return validated, nil
}

func sanitizeArgument(arg string) (string, error) {
	arg = strings.ReplaceAll(arg, "\x00", "")
	if len(arg) > maxArgLength {
		return "", raveerr.New(raveerr.KindValidation, "argument too long")
	}
	return strings.TrimSpace(arg), nil
}

// AllowedCommands returns the allowed command names mapped to their
// descriptions.
func (p *Parser) AllowedCommands() map[string]string {
	result := make(map[string]string, len(p.allowed))
	for name := range p.allowed {
		if pattern, ok := commandPatterns[name]; ok {
			result[name] = pattern.Description
		}
	}
	return result
}

// CommandHelp is the detail returned for a single command by Help.
type CommandHelp struct {
	Command     string
	Description string
	MinArgs     int
	MaxArgs     int
	Usage       string
}

// Help returns usage information for name, or false if it is not allowed.
func (p *Parser) Help(name string) (CommandHelp, bool) {
	if _, ok := p.allowed[name]; !ok {
		return CommandHelp{}, false
	}
	pattern, ok := commandPatterns[name]
	if !ok {
		return CommandHelp{}, false
	}
	return CommandHelp{
		Command:     name,
		Description: pattern.Description,
		MinArgs:     pattern.MinArgs,
		MaxArgs:     pattern.MaxArgs,
		Usage:       pattern.Usage,
	}, true
}

var agentNamePattern = regexp.MustCompile(`^[a-zA-Z0-9-_]{1,50}$`)

// ValidAgentName reports whether name is a well-formed agent identifier.
func ValidAgentName(name string) bool {
	return name != "" && agentNamePattern.MatchString(name)
}
