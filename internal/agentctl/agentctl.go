// Package agentctl implements the chat bridge's systemd agent controller
// (C11): allowlisted service-unit start/stop/status/list with a concurrent
// operation cap, process-level resource metrics, and a bounded operation
// history for audit purposes.
package agentctl

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sibyllinesoft/rave/internal/procrun"
	"github.com/sibyllinesoft/rave/internal/raveerr"
)

// ServiceState mirrors the systemd ActiveState values the controller
// understands.
type ServiceState string

const (
	StateActive       ServiceState = "active"
	StateInactive     ServiceState = "inactive"
	StateFailed       ServiceState = "failed"
	StateActivating   ServiceState = "activating"
	StateDeactivating ServiceState = "deactivating"
	StateUnknown      ServiceState = "unknown"
)

func mapSystemdState(s string) ServiceState {
	switch s {
	case "active":
		return StateActive
	case "inactive":
		return StateInactive
	case "failed":
		return StateFailed
	case "activating":
		return StateActivating
	case "deactivating":
		return StateDeactivating
	default:
		return StateUnknown
	}
}

// defaultAllowedAgents matches the controller's built-in allowlist when the
// caller does not supply one.
var defaultAllowedAgents = []string{
	"backend-architect",
	"frontend-developer",
	"test-writer-fixer",
	"ui-designer",
	"devops-automator",
	"api-tester",
	"performance-benchmarker",
	"rapid-prototyper",
	"refactoring-specialist",
}

var agentTypePattern = regexp.MustCompile(`^[a-zA-Z0-9-_]{1,50}$`)

// Status is the full state snapshot for one agent's service unit.
type Status struct {
	ServiceName  string
	State        ServiceState
	SubState     string
	ActiveSince  string
	PID          int
	Metrics      *Metrics
	RecentLogs   []string
	ErrorMessage string
}

// Metrics is the process-inspection result fixed shape for an active unit.
type Metrics struct {
	PID        int
	CPUPercent float64
	MemPercent float64
	RSSKB      int64
}

// OperationResult is the outcome reported to callers for every
// start/stop/status/list call. Only start and stop calls are recorded in
// history.
type OperationResult struct {
	Success   bool
	Message   string
	Details   map[string]any
	Timestamp time.Time
	Duration  time.Duration
}

// HistoryEntry is one bounded operation-history record.
type HistoryEntry struct {
	OperationID string
	Operation   string
	AgentType   string
	Timestamp   time.Time
	Success     bool
	Duration    time.Duration
}

// AgentSummary aggregates state counts across a list_agents call.
type AgentSummary struct {
	Total    int
	Active   int
	Inactive int
	Failed   int
	Other    int
}

// Config configures a Controller. Zero values fall back to the defaults
// below.
type Config struct {
	AllowedAgents          []string
	ServicePrefix          string
	OperationTimeout       time.Duration
	MaxLogLines            int
	MaxConcurrentOps       int
	SettleDelay            time.Duration
	MaxHistory             int
}

func (c *Config) applyDefaults() {
	if len(c.AllowedAgents) == 0 {
		c.AllowedAgents = append([]string(nil), defaultAllowedAgents...)
	}
	if c.ServicePrefix == "" {
		c.ServicePrefix = "rave-agent-"
	}
	if c.OperationTimeout <= 0 {
		c.OperationTimeout = 30 * time.Second
	}
	if c.MaxLogLines <= 0 {
		c.MaxLogLines = 50
	}
	if c.MaxConcurrentOps <= 0 {
		c.MaxConcurrentOps = 5
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = 2 * time.Second
	}
	if c.MaxHistory <= 0 {
		c.MaxHistory = 1000
	}
}

// secureEnv is the minimal environment every systemctl/ps/journalctl
// subprocess runs with, reducing the attack surface of whatever PATH or
// locale the parent process inherited.
var secureEnv = []string{
	"PATH=/usr/bin:/bin:/usr/sbin:/sbin",
	"LANG=C.UTF-8",
	"LC_ALL=C.UTF-8",
}

// allowedCommands are the only outer binaries the controller will ever
// invoke via exec.
var allowedCommands = map[string]struct{}{
	"systemctl":  {},
	"ps":         {},
	"journalctl": {},
}

// runFunc matches procrun.Run's signature; Controller calls through this
// indirection so tests can substitute a fake executor instead of shelling
// out to a real systemctl/ps/journalctl.
type runFunc func(ctx context.Context, name string, args []string, opts procrun.Options) (procrun.Result, error)

// Controller drives systemd agent services through a fixed allowlist.
type Controller struct {
	cfg     Config
	allowed map[string]struct{}
	logger  *slog.Logger
	run     runFunc

	opsMu  sync.Mutex
	active map[string]struct{}

	histMu  sync.Mutex
	history []HistoryEntry
}

// New builds a Controller, rejecting any configured agent name that fails
// the safe-name pattern.
func New(cfg Config, logger *slog.Logger) (*Controller, error) {
	cfg.applyDefaults()

	allowed := make(map[string]struct{}, len(cfg.AllowedAgents))
	for _, name := range cfg.AllowedAgents {
		if !agentTypePattern.MatchString(name) {
			return nil, raveerr.New(raveerr.KindValidation, "invalid agent type in allowlist: "+name)
		}
		allowed[name] = struct{}{}
	}

	c := &Controller{
		cfg:     cfg,
		allowed: allowed,
		logger:  logger,
		run:     procrun.Run,
		active:  make(map[string]struct{}),
	}

	logger.Info("agent controller initialized",
		"allowed_agents", cfg.AllowedAgents,
		"service_prefix", cfg.ServicePrefix,
		"timeout", cfg.OperationTimeout)
	return c, nil
}

// ValidAgentType reports whether agentType is both allowlisted and
// well-formed.
func (c *Controller) ValidAgentType(agentType string) bool {
	if _, ok := c.allowed[agentType]; !ok {
		return false
	}
	return agentTypePattern.MatchString(agentType)
}

func (c *Controller) serviceName(agentType string) string {
	return c.cfg.ServicePrefix + agentType + ".service"
}

func (c *Controller) beginOperation(agentType, operationID string) error {
	if !c.ValidAgentType(agentType) {
		return raveerr.New(raveerr.KindValidation, "invalid agent type: "+agentType)
	}

	c.opsMu.Lock()
	defer c.opsMu.Unlock()
	if len(c.active) >= c.cfg.MaxConcurrentOps {
		return raveerr.New(raveerr.KindResource, "too many concurrent agent operations")
	}
	c.active[operationID] = struct{}{}
	return nil
}

func (c *Controller) endOperation(operationID string) {
	c.opsMu.Lock()
	delete(c.active, operationID)
	c.opsMu.Unlock()
}

// StartAgent starts the named agent's service unit, returning success once
// it settles into active or activating.
func (c *Controller) StartAgent(ctx context.Context, agentType string) OperationResult {
	start := time.Now()
	operationID := fmt.Sprintf("start-%s-%d", agentType, start.Unix())
	c.logger.Info("starting agent", "agent_type", agentType, "operation_id", operationID)

	if err := c.beginOperation(agentType, operationID); err != nil {
		return c.errorResult(operationID, "start", agentType, start, err)
	}
	defer c.endOperation(operationID)

	serviceName := c.serviceName(agentType)
	current, err := c.getServiceStatus(ctx, serviceName)
	if err != nil {
		return c.errorResult(operationID, "start", agentType, start, err)
	}
	if current.State == StateActive {
		result := c.result(true, fmt.Sprintf("agent %s is already active", agentType),
			map[string]any{"current_state": string(current.State)}, start)
		c.recordOperation(operationID, "start", agentType, result)
		return result
	}

	if _, err := c.runSystemctl(ctx, "start", serviceName); err != nil {
		return c.errorResult(operationID, "start", agentType, start,
			raveerr.Wrap(raveerr.KindTransient, "failed to start service", err))
	}

	c.settle(ctx)
	newStatus, err := c.getServiceStatus(ctx, serviceName)
	if err != nil {
		return c.errorResult(operationID, "start", agentType, start, err)
	}

	success := newStatus.State == StateActive || newStatus.State == StateActivating
	msg := fmt.Sprintf("agent %s failed to start", agentType)
	if success {
		msg = fmt.Sprintf("agent %s started successfully", agentType)
	}
	result := c.result(success, msg, map[string]any{
		"agent_type":   agentType,
		"service_name": serviceName,
		"state":        string(newStatus.State),
		"sub_state":    newStatus.SubState,
		"pid":          newStatus.PID,
	}, start)
	c.recordOperation(operationID, "start", agentType, result)
	return result
}

// StopAgent stops the named agent's service unit.
func (c *Controller) StopAgent(ctx context.Context, agentType string) OperationResult {
	start := time.Now()
	operationID := fmt.Sprintf("stop-%s-%d", agentType, start.Unix())
	c.logger.Info("stopping agent", "agent_type", agentType, "operation_id", operationID)

	if err := c.beginOperation(agentType, operationID); err != nil {
		return c.errorResult(operationID, "stop", agentType, start, err)
	}
	defer c.endOperation(operationID)

	serviceName := c.serviceName(agentType)
	current, err := c.getServiceStatus(ctx, serviceName)
	if err != nil {
		return c.errorResult(operationID, "stop", agentType, start, err)
	}
	if current.State == StateInactive {
		result := c.result(true, fmt.Sprintf("agent %s is already inactive", agentType),
			map[string]any{"current_state": string(current.State)}, start)
		c.recordOperation(operationID, "stop", agentType, result)
		return result
	}

	if _, err := c.runSystemctl(ctx, "stop", serviceName); err != nil {
		return c.errorResult(operationID, "stop", agentType, start,
			raveerr.Wrap(raveerr.KindTransient, "failed to stop service", err))
	}

	c.settle(ctx)
	newStatus, err := c.getServiceStatus(ctx, serviceName)
	if err != nil {
		return c.errorResult(operationID, "stop", agentType, start, err)
	}

	success := newStatus.State == StateInactive || newStatus.State == StateDeactivating
	msg := fmt.Sprintf("agent %s failed to stop", agentType)
	if success {
		msg = fmt.Sprintf("agent %s stopped successfully", agentType)
	}
	result := c.result(success, msg, map[string]any{
		"agent_type":   agentType,
		"service_name": serviceName,
		"state":        string(newStatus.State),
		"sub_state":    newStatus.SubState,
	}, start)
	c.recordOperation(operationID, "stop", agentType, result)
	return result
}

// GetStatus reports the current status of one agent's service unit.
func (c *Controller) GetStatus(ctx context.Context, agentType string) OperationResult {
	start := time.Now()
	c.logger.Debug("getting agent status", "agent_type", agentType)

	if !c.ValidAgentType(agentType) {
		return c.errorResult("", "status", agentType, start,
			raveerr.New(raveerr.KindValidation, "invalid agent type: "+agentType))
	}

	serviceName := c.serviceName(agentType)
	status, err := c.getServiceStatus(ctx, serviceName)
	if err != nil {
		return c.errorResult("", "status", agentType, start, err)
	}

	details := map[string]any{
		"agent_type":    agentType,
		"service_name":  serviceName,
		"state":         string(status.State),
		"sub_state":     status.SubState,
		"active_since":  status.ActiveSince,
		"pid":           status.PID,
		"recent_logs":   status.RecentLogs,
		"error_message": status.ErrorMessage,
	}
	if status.Metrics != nil {
		details["cpu_percent"] = status.Metrics.CPUPercent
		details["mem_percent"] = status.Metrics.MemPercent
		details["rss_kb"] = status.Metrics.RSSKB
	}

	return c.result(true, fmt.Sprintf("status retrieved for agent %s", agentType), details, start)
}

// ListAgents reports status for every allowlisted agent, optionally
// filtered by state, along with a summary.
func (c *Controller) ListAgents(ctx context.Context, filterState string) OperationResult {
	start := time.Now()
	c.logger.Debug("listing agents", "filter_state", filterState)

	names := make([]string, 0, len(c.allowed))
	for name := range c.allowed {
		names = append(names, name)
	}
	sort.Strings(names)

	agents := make([]map[string]any, 0, len(names))
	for _, agentType := range names {
		serviceName := c.serviceName(agentType)
		status, err := c.getServiceStatus(ctx, serviceName)
		if err != nil {
			agents = append(agents, map[string]any{
				"agent_type":   agentType,
				"service_name": serviceName,
				"state":        "error",
				"error":        err.Error(),
			})
			continue
		}
		if filterState != "" && string(status.State) != filterState {
			continue
		}
		agents = append(agents, map[string]any{
			"agent_type":   agentType,
			"service_name": serviceName,
			"state":        string(status.State),
			"sub_state":    status.SubState,
			"active_since": status.ActiveSince,
			"pid":          status.PID,
		})
	}

	summary := summarizeAgents(agents)
	return c.result(true, fmt.Sprintf("found %d agents", len(agents)), map[string]any{
		"agents":        agents,
		"summary":       summary,
		"filter":        filterState,
		"total_allowed": len(c.allowed),
	}, start)
}

func summarizeAgents(agents []map[string]any) AgentSummary {
	s := AgentSummary{Total: len(agents)}
	for _, a := range agents {
		switch a["state"] {
		case "active":
			s.Active++
		case "inactive":
			s.Inactive++
		case "failed":
			s.Failed++
		default:
			s.Other++
		}
	}
	return s
}

func (c *Controller) settle(ctx context.Context) {
	timer := time.NewTimer(c.cfg.SettleDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

func (c *Controller) getServiceStatus(ctx context.Context, serviceName string) (Status, error) {
	out, err := c.runSystemctl(ctx, "show", serviceName,
		"--property=ActiveState,SubState,ActiveEnterTimestamp,MainPID")
	if err != nil {
		return Status{}, raveerr.Wrap(raveerr.KindTransient, "failed to read service status", err)
	}

	props := make(map[string]string)
	for _, line := range strings.Split(out, "\n") {
		if key, value, ok := strings.Cut(line, "="); ok {
			props[key] = value
		}
	}

	state := mapSystemdState(props["ActiveState"])
	subState := props["SubState"]
	activeSince := props["ActiveEnterTimestamp"]
	if activeSince == "n/a" {
		activeSince = ""
	}

	var pid int
	if pidStr := props["MainPID"]; pidStr != "" && pidStr != "0" {
		if n, err := strconv.Atoi(pidStr); err == nil {
			pid = n
		}
	}

	var metrics *Metrics
	if pid != 0 {
		if m, err := c.getServiceMetrics(ctx, pid); err == nil {
			metrics = &m
		}
	}

	logs, _ := c.getServiceLogs(ctx, serviceName)

	return Status{
		ServiceName: serviceName,
		State:       state,
		SubState:    subState,
		ActiveSince: activeSince,
		PID:         pid,
		Metrics:     metrics,
		RecentLogs:  logs,
	}, nil
}

func (c *Controller) getServiceMetrics(ctx context.Context, pid int) (Metrics, error) {
	result, err := c.run(ctx, "ps", []string{
		"-p", strconv.Itoa(pid), "-o", "pid,pcpu,pmem,rss", "--no-headers",
	}, procrun.Options{Timeout: c.cfg.OperationTimeout, Env: secureEnv})
	if err != nil || result.ExitCode != 0 {
		return Metrics{}, raveerr.New(raveerr.KindTransient, "ps lookup failed")
	}

	fields := strings.Fields(strings.TrimSpace(result.Stdout))
	if len(fields) < 4 {
		return Metrics{}, raveerr.New(raveerr.KindTransient, "unexpected ps output")
	}

	cpuPct, _ := strconv.ParseFloat(fields[1], 64)
	memPct, _ := strconv.ParseFloat(fields[2], 64)
	rssKB, _ := strconv.ParseInt(fields[3], 10, 64)

	return Metrics{PID: pid, CPUPercent: cpuPct, MemPercent: memPct, RSSKB: rssKB}, nil
}

func (c *Controller) getServiceLogs(ctx context.Context, serviceName string) ([]string, error) {
	result, err := c.run(ctx, "journalctl", []string{
		"-u", serviceName, "-n", strconv.Itoa(c.cfg.MaxLogLines),
		"--no-pager", "--output=short-iso",
	}, procrun.Options{Timeout: c.cfg.OperationTimeout, Env: secureEnv})
	if err != nil || result.ExitCode != 0 {
		return nil, raveerr.New(raveerr.KindTransient, "journalctl lookup failed")
	}

	var logs []string
	for _, line := range strings.Split(strings.TrimSpace(result.Stdout), "\n") {
		if strings.TrimSpace(line) != "" {
			logs = append(logs, line)
		}
	}
	if len(logs) > c.cfg.MaxLogLines {
		logs = logs[len(logs)-c.cfg.MaxLogLines:]
	}
	return logs, nil
}

func (c *Controller) runSystemctl(ctx context.Context, args ...string) (string, error) {
	return c.runAllowed(ctx, "systemctl", args)
}

func (c *Controller) runAllowed(ctx context.Context, name string, args []string) (string, error) {
	if _, ok := allowedCommands[name]; !ok {
		return "", raveerr.New(raveerr.KindAuthz, "command not allowed: "+name)
	}

	result, err := c.run(ctx, name, args, procrun.Options{
		Timeout: c.cfg.OperationTimeout,
		Env:     secureEnv,
	})
	if err != nil {
		return "", err
	}
	if result.ExitCode != 0 {
		msg := strings.TrimSpace(result.Stderr)
		if msg == "" {
			msg = strings.TrimSpace(result.Stdout)
		}
		return "", raveerr.New(raveerr.KindTransient, msg)
	}
	return strings.TrimSpace(result.Stdout), nil
}

func (c *Controller) result(success bool, message string, details map[string]any, start time.Time) OperationResult {
	return OperationResult{
		Success:   success,
		Message:   message,
		Details:   details,
		Timestamp: start,
		Duration:  time.Since(start),
	}
}

func (c *Controller) errorResult(operationID, operation, agentType string, start time.Time, err error) OperationResult {
	result := OperationResult{
		Success:   false,
		Message:   err.Error(),
		Details:   map[string]any{"error": true},
		Timestamp: start,
		Duration:  time.Since(start),
	}
	if operationID != "" {
		c.recordOperation(operationID, operation, agentType, result)
	}
	return result
}

func (c *Controller) recordOperation(operationID, operation, agentType string, result OperationResult) {
	c.histMu.Lock()
	c.history = append(c.history, HistoryEntry{
		OperationID: operationID,
		Operation:   operation,
		AgentType:   agentType,
		Timestamp:   time.Now(),
		Success:     result.Success,
		Duration:    result.Duration,
	})
	if len(c.history) > c.cfg.MaxHistory {
		c.history = append([]HistoryEntry{}, c.history[len(c.history)/2:]...)
	}
	c.histMu.Unlock()

	c.logger.Info("agent operation recorded",
		"operation_id", operationID, "operation", operation,
		"agent_type", agentType, "success", result.Success)
}

// History returns the last limit recorded operations, or all of them if
// limit is zero.
func (c *Controller) History(limit int) []HistoryEntry {
	c.histMu.Lock()
	defer c.histMu.Unlock()
	if limit <= 0 || limit >= len(c.history) {
		return append([]HistoryEntry{}, c.history...)
	}
	return append([]HistoryEntry{}, c.history[len(c.history)-limit:]...)
}
