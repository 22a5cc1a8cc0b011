package vmmanager

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sibyllinesoft/rave/internal/overrides"
	"github.com/sibyllinesoft/rave/internal/portalloc"
	"github.com/sibyllinesoft/rave/internal/procrun"
	"github.com/sibyllinesoft/rave/internal/raveerr"
	"github.com/sibyllinesoft/rave/internal/sshx"
	"github.com/sibyllinesoft/rave/internal/vmimage"
)

const (
	guestHTTPPort  = 80
	guestHTTPSPort = 443
	guestSSHPort   = 22
	guestTestPort  = 8080
	defaultMemGB   = 12
)

// Manager owns the on-disk tenant records and wires together the port
// allocator, image provisioner, SSH transport and override layer engine
// into the VM lifecycle operations.
type Manager struct {
	VMsDir        string
	RepoRoot      string
	Overrides     *overrides.Manager
	TempDir       string
	AgeKeyDir     string
	BaseImagePath string // cached/default disk image used when no build is available
}

// New constructs a Manager rooted at vmsDir.
func New(vmsDir, repoRoot string) *Manager {
	return &Manager{
		VMsDir:    vmsDir,
		RepoRoot:  repoRoot,
		Overrides: overrides.NewManager(repoRoot),
		TempDir:   os.TempDir(),
	}
}

func (m *Manager) pidFile(name string) string {
	return filepath.Join(m.TempDir, fmt.Sprintf("rave-%s.pid", name))
}

// CreateOptions configures Create.
type CreateOptions struct {
	KeypairPath  string
	Profile      string
	ProfileAttr  string
	AgeKeyPath   string
	CustomPorts  map[string]int
	SkipBuild    bool
}

// Create provisions a new tenant VM: allocates ports, copies the base
// image, injects the tenant's SSH key, optionally embeds an Age key, and
// persists the resulting record. It never runs a Nix build and does not read
// opts.SkipBuild: it copies the image at BaseImagePath and returns a
// KindResource error when BaseImagePath is unset or the file is missing.
func (m *Manager) Create(ctx context.Context, name string, opts CreateOptions) (*Record, []string, error) {
	existing, err := LoadRecord(m.VMsDir, name)
	if err != nil {
		return nil, nil, err
	}
	if existing != nil {
		return nil, nil, raveerr.New(raveerr.KindConflict, "VM '"+name+"' already exists")
	}

	keypairPath := expandUser(opts.KeypairPath)
	publicKeyPath := keypairPath + ".pub"

	if _, err := os.Stat(keypairPath); err != nil {
		return nil, nil, raveerr.New(raveerr.KindNotFound, "private key not found: "+keypairPath)
	}
	pubBytes, err := os.ReadFile(publicKeyPath)
	if err != nil {
		return nil, nil, raveerr.New(raveerr.KindNotFound, "public key not found: "+publicKeyPath)
	}
	sshPublicKey := strings.TrimSpace(string(pubBytes))

	var warnings []string

	ports, err := portalloc.AllocateBase(opts.CustomPorts, func(name string, preferred, alternative int) {
		warnings = append(warnings, fmt.Sprintf("port %d (%s) unavailable, using %d", preferred, name, alternative))
	})
	if err != nil {
		return nil, nil, err
	}

	isDataPlane := strings.EqualFold(opts.ProfileAttr, "dataplane") || strings.EqualFold(opts.Profile, "dataplane")
	if isDataPlane {
		dpPorts, err := portalloc.AllocateDataPlane(opts.CustomPorts, func(name string, preferred, alternative int) {
			warnings = append(warnings, fmt.Sprintf("port %d (%s) unavailable, using %d", preferred, name, alternative))
		})
		if err != nil {
			return nil, nil, err
		}
		for k, v := range dpPorts {
			ports[k] = v
		}
	}

	imageDir := filepath.Dir(m.BaseImagePath)
	if imageDir == "" || imageDir == "." {
		imageDir = m.RepoRoot
	}
	if err := os.MkdirAll(imageDir, 0o755); err != nil {
		return nil, nil, raveerr.Wrap(raveerr.KindInternal, "creating image directory", err)
	}
	targetImagePath := filepath.Join(imageDir, fmt.Sprintf("%s-%s.qcow2", name, opts.Profile))

	if m.BaseImagePath == "" || !fileExists(m.BaseImagePath) {
		return nil, nil, raveerr.New(raveerr.KindResource,
			fmt.Sprintf("no VM image available for profile '%s'; build it before creating tenants", opts.Profile))
	}
	if err := copyFile(m.BaseImagePath, targetImagePath, 0o644); err != nil {
		return nil, nil, raveerr.Wrap(raveerr.KindInternal, "copying base VM image", err)
	}

	injectResult, err := vmimage.InjectSSHKey(ctx, targetImagePath, sshPublicKey)
	if err != nil {
		warnings = append(warnings, "SSH key injection failed: "+err.Error())
	} else if injectResult.Method == "runtime_auth" {
		warnings = append(warnings, "SSH key injection deferred to runtime authorization")
	}

	rec := &Record{
		Name:         name,
		KeypairPath:  keypairPath,
		Profile:      opts.Profile,
		ProfileAttr:  opts.ProfileAttr,
		SSHPublicKey: sshPublicKey,
		Ports:        ports,
		Status:       "stopped",
		CreatedAt:    nowUnix(),
		ImagePath:    targetImagePath,
	}

	if opts.AgeKeyPath != "" {
		ageKeyPath := expandUser(opts.AgeKeyPath)
		if err := vmimage.InstallAgeKey(ctx, targetImagePath, ageKeyPath); err != nil {
			warnings = append(warnings, "Age key could not be embedded via guestfish; secrets will be installed during the first boot. Details: "+err.Error())
			rec.Secrets = map[string]any{"age_key_path": ageKeyPath, "age_key_installed": false}
		} else {
			rec.Secrets = map[string]any{"age_key_path": ageKeyPath, "age_key_installed": true}
		}
	}

	if err := SaveRecord(m.VMsDir, rec); err != nil {
		return nil, nil, err
	}

	return rec, warnings, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func expandUser(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}

func copyFile(src, dst string, mode os.FileMode) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, mode)
}

// IsRunning checks the tenant's pidfile and signals it with kill -0.
func (m *Manager) IsRunning(ctx context.Context, name string) bool {
	pidBytes, err := os.ReadFile(m.pidFile(name))
	if err != nil {
		return false
	}
	pid := strings.TrimSpace(string(pidBytes))
	if pid == "" {
		return false
	}
	result, err := procrun.Run(ctx, "kill", []string{"-0", pid}, procrun.Options{Timeout: 5 * time.Second})
	return err == nil && result.ExitCode == 0
}

// Start launches the tenant's qemu process in daemonized mode and, once the
// guest has had a moment to boot, authorizes the tenant's root SSH key via
// the bootstrap agent account.
func (m *Manager) Start(ctx context.Context, name string) (*Record, error) {
	rec, err := LoadRecord(m.VMsDir, name)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, raveerr.New(raveerr.KindNotFound, "VM '"+name+"' not found")
	}
	if m.IsRunning(ctx, name) {
		return nil, raveerr.New(raveerr.KindConflict, "VM '"+name+"' is already running")
	}

	forwards := []PortForward{
		{HostPort: rec.Ports["http"], GuestPort: guestHTTPPort},
		{HostPort: rec.Ports["https"], GuestPort: guestHTTPSPort},
		{HostPort: rec.Ports["ssh"], GuestPort: guestSSHPort},
		{HostPort: rec.Ports["test"], GuestPort: guestTestPort},
	}
	if strings.EqualFold(rec.Profile, "dataplane") {
		for service, guestPort := range portalloc.DataPlaneServiceGuestPorts {
			if hostPort, ok := rec.Ports[service]; ok {
				forwards = append(forwards, PortForward{HostPort: hostPort, GuestPort: guestPort})
			}
		}
	}

	launch, err := BuildLaunchCommand(m.RepoRoot, rec.ImagePath, defaultMemGB, forwards, m.AgeKeyDir)
	if err != nil {
		return nil, err
	}

	pidfile := m.pidFile(name)
	serialLog := filepath.Join(m.TempDir, name+"-serial.log")
	args := append(append([]string{}, launch.Args...),
		"-daemonize", "-pidfile", pidfile,
		"-serial", "file:"+serialLog,
		"-device", "virtio-rng-pci",
	)

	opts := procrun.Options{Timeout: 30 * time.Second}
	if launch.Env != nil {
		opts.Env = launch.Env
	}
	if _, err := procrun.CheckedRun(ctx, launch.Path, args, opts, "failed to start VM"); err != nil {
		return nil, err
	}

	rec.Status = "running"
	rec.StartedAt = nowUnix()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Second):
	}

	if err := vmimage.EnsureRuntimeRootKey(ctx, rec.Ports["ssh"], rec.SSHPublicKey); err == nil {
		rec.SSHKeyConfigured = true
	}

	if err := SaveRecord(m.VMsDir, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Stop kills the tenant's qemu process by pidfile, falling back to pkill by
// name pattern if the pidfile is missing.
func (m *Manager) Stop(ctx context.Context, name string) (*Record, error) {
	rec, err := LoadRecord(m.VMsDir, name)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, raveerr.New(raveerr.KindNotFound, "VM '"+name+"' not found")
	}

	pidfile := m.pidFile(name)
	if pidBytes, readErr := os.ReadFile(pidfile); readErr == nil {
		pid := strings.TrimSpace(string(pidBytes))
		if _, killErr := procrun.Run(ctx, "kill", []string{pid}, procrun.Options{Timeout: 5 * time.Second}); killErr == nil {
			os.Remove(pidfile)
		}
	} else {
		_, _ = procrun.Run(ctx, "pkill", []string{"-f", "rave-" + name}, procrun.Options{Timeout: 5 * time.Second})
	}

	rec.Status = "stopped"
	rec.StartedAt = 0
	if err := SaveRecord(m.VMsDir, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// StatusResult is the outcome of Status.
type StatusResult struct {
	Running bool
	Status  string
	Record  *Record
}

// Status reports whether a tenant VM is currently running.
func (m *Manager) Status(ctx context.Context, name string) (*StatusResult, error) {
	rec, err := LoadRecord(m.VMsDir, name)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, raveerr.New(raveerr.KindNotFound, "VM '"+name+"' not found")
	}

	running := m.IsRunning(ctx, name)
	status := "stopped"
	if running {
		status = "running"
	}
	return &StatusResult{Running: running, Status: status, Record: rec}, nil
}

// StatusAll reports status for every known tenant.
func (m *Manager) StatusAll(ctx context.Context) (map[string]StatusResult, error) {
	names, err := ListNames(m.VMsDir)
	if err != nil {
		return nil, err
	}

	results := make(map[string]StatusResult, len(names))
	for _, name := range names {
		status, err := m.Status(ctx, name)
		if err != nil {
			continue
		}
		results[name] = *status
	}
	return results, nil
}

// Reset stops the tenant (if running), recreates a blank disk image at the
// existing image path, and reinjects the tenant's SSH key.
func (m *Manager) Reset(ctx context.Context, name string) (warning string, err error) {
	rec, err := LoadRecord(m.VMsDir, name)
	if err != nil {
		return "", err
	}
	if rec == nil {
		return "", raveerr.New(raveerr.KindNotFound, "VM '"+name+"' not found")
	}

	if m.IsRunning(ctx, name) {
		if _, err := m.Stop(ctx, name); err != nil {
			return "", err
		}
	}

	if err := vmimage.CreateBlank(ctx, rec.ImagePath, 20); err != nil {
		return "", err
	}

	if rec.SSHPublicKey != "" {
		result, err := vmimage.InjectSSHKey(ctx, rec.ImagePath, rec.SSHPublicKey)
		if err != nil {
			return "", err
		}
		if result.Method == "runtime_auth" {
			return "SSH key injection deferred to runtime authorization", nil
		}
	}
	return "", nil
}

// SSHTarget returns the transport target for running ad-hoc commands
// against a tenant's guest (used by the CLI's "vm ssh").
func (m *Manager) SSHTarget(name string) (sshx.Target, error) {
	rec, err := LoadRecord(m.VMsDir, name)
	if err != nil {
		return sshx.Target{}, err
	}
	if rec == nil {
		return sshx.Target{}, raveerr.New(raveerr.KindNotFound, "VM '"+name+"' not found")
	}
	return sshx.Target{SSHPort: rec.Ports["ssh"], KeypairPath: rec.KeypairPath, ConnectTimeout: 10 * time.Second}, nil
}

// databaseRoles maps a logical service name to its PostgreSQL role.
var databaseRoles = map[string]string{
	"gitlab":     "gitlab",
	"grafana":    "grafana",
	"penpot":     "penpot",
	"n8n":        "n8n",
	"prometheus": "prometheus",
	"mattermost": "mattermost",
}

// EnsureDatabasePassword reconciles a guest PostgreSQL role's password with
// the given secret via "ALTER ROLE ... WITH LOGIN PASSWORD". service must be
// a key of databaseRoles. Prometheus's exporter additionally gets its DSN
// env file rewritten, since its process reads the password from disk
// rather than an interactive session.
func (m *Manager) EnsureDatabasePassword(ctx context.Context, name, service, password string) error {
	role, ok := databaseRoles[service]
	if !ok {
		return raveerr.New(raveerr.KindValidation, "unknown database service '"+service+"'")
	}

	rec, err := LoadRecord(m.VMsDir, name)
	if err != nil {
		return err
	}
	if rec == nil {
		return raveerr.New(raveerr.KindNotFound, "VM '"+name+"' not found")
	}
	if !m.IsRunning(ctx, name) {
		return raveerr.New(raveerr.KindConflict, "VM '"+name+"' is not running")
	}

	passwordSQL := sqlQuoteLiteral(password)
	var script strings.Builder
	script.WriteString("set -euo pipefail\n")
	script.WriteString("sudo -u postgres psql postgres <<'SQL'\n")
	fmt.Fprintf(&script, "ALTER ROLE %s WITH LOGIN PASSWORD '%s';\n", role, passwordSQL)
	script.WriteString("SQL\n")

	if service == "prometheus" {
		script.WriteString("DSN_FILE=/run/secrets/database/prometheus-dsn.env\n")
		script.WriteString("mkdir -p /run/secrets/database\n")
		fmt.Fprintf(&script, "printf 'DATA_SOURCE_NAME=postgresql://prometheus:%s@localhost:5432/postgres?sslmode=disable\\n' > \"$DSN_FILE\"\n", shellSingleQuote(password))
		script.WriteString("chown prometheus-postgres-exporter:prometheus-postgres-exporter \"$DSN_FILE\"\n")
		script.WriteString("chmod 0400 \"$DSN_FILE\"\n")
	}

	target, err := m.SSHTarget(name)
	if err != nil {
		return err
	}

	_, err = sshx.RunScript(ctx, target, script.String(), 60*time.Second, "refreshing "+service+" database password", sshx.RetryPolicy{MaxAttempts: 1})
	return err
}

// sqlQuoteLiteral escapes a string for embedding inside a single-quoted SQL
// literal by doubling embedded single quotes, the standard SQL escaping
// rule, used because the SSH-tunneled "psql" heredoc pipe does not support
// parameterized statements or "\set" variable substitution reliably.
func sqlQuoteLiteral(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}

// shellSingleQuote wraps s in single quotes for safe interpolation into a
// POSIX shell command, escaping any embedded single quotes.
func shellSingleQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// ApplyOverrideLayerOptions configures ApplyOverrideLayer.
type ApplyOverrideLayerOptions struct {
	ApplyRestarts bool
	PreviewOnly   bool
}

// ApplySummary is the guest-reported outcome of applying or previewing an
// override layer.
type ApplySummary struct {
	Layer            string   `json:"layer"`
	Changed          []string `json:"changed"`
	Removed          []string `json:"removed"`
	RestartUnits     []string `json:"restart_units"`
	ReloadUnits      []string `json:"reload_units"`
	Commands         []string `json:"commands"`
	DaemonReload     bool     `json:"daemon_reload"`
	DaemonReloaded   bool     `json:"daemon_reloaded"`
	RestartsApplied  bool     `json:"restarts_applied"`
	Preview          bool     `json:"preview"`
}

// ApplyOverrideLayer packages layerName, streams it into the tenant guest
// and runs (or previews) the guest-side apply protocol.
func (m *Manager) ApplyOverrideLayer(ctx context.Context, name, layerName string, opts ApplyOverrideLayerOptions) (ApplySummary, string, error) {
	rec, err := LoadRecord(m.VMsDir, name)
	if err != nil {
		return ApplySummary{}, "", err
	}
	if rec == nil {
		return ApplySummary{}, "", raveerr.New(raveerr.KindNotFound, "VM '"+name+"' not found")
	}
	if !m.IsRunning(ctx, name) {
		return ApplySummary{}, "", raveerr.New(raveerr.KindConflict, "VM '"+name+"' is not running")
	}

	pkg, err := m.Overrides.BuildLayerPackage(layerName, time.Now())
	if err != nil {
		return ApplySummary{}, "", err
	}

	target, err := m.SSHTarget(name)
	if err != nil {
		return ApplySummary{}, "", err
	}

	script := buildApplyScript(layerName, opts)

	result, err := sshx.StreamScript(ctx, target, script, pkg.Archive, 900*time.Second,
		describeApply(layerName, opts.PreviewOnly), sshx.RetryPolicy{MaxAttempts: 1, InitialDelay: time.Second})
	if err != nil {
		return ApplySummary{}, "", err
	}

	summary, ok := parseApplySummary(result.Stdout)
	if !ok {
		return ApplySummary{}, result.Stdout, raveerr.New(raveerr.KindIntegrity, "override layer execution finished but summary missing")
	}
	return summary, result.Stdout, nil
}

func describeApply(layerName string, previewOnly bool) string {
	if previewOnly {
		return "previewing override layer '" + layerName + "'"
	}
	return "applying override layer '" + layerName + "'"
}
