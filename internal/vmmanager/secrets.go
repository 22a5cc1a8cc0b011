package vmmanager

import (
	"context"
	"encoding/base64"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/sibyllinesoft/rave/internal/raveerr"
	"github.com/sibyllinesoft/rave/internal/sshx"
)

// SecretFile describes one file to materialize on a tenant guest.
type SecretFile struct {
	RemotePath string
	Content    string
	Owner      string
	Group      string
	Mode       string
	DirMode    string
}

func (s SecretFile) withDefaults() SecretFile {
	if s.Owner == "" {
		s.Owner = "root"
	}
	if s.Group == "" {
		s.Group = s.Owner
	}
	if s.Mode == "" {
		s.Mode = "0600"
	}
	if s.DirMode == "" {
		s.DirMode = "0700"
	}
	return s
}

// InstallSecretFiles materializes one or more secret files on a running
// tenant guest in a single SSH session, base64-encoding content so the
// remote heredoc never has to worry about shell-special characters.
func (m *Manager) InstallSecretFiles(ctx context.Context, name string, entries []SecretFile) error {
	target, err := m.SSHTarget(name)
	if err != nil {
		return err
	}
	if !m.IsRunning(ctx, name) {
		return raveerr.New(raveerr.KindConflict, "VM '"+name+"' is not running")
	}

	var nonEmpty []SecretFile
	for _, e := range entries {
		if e.Content != "" {
			nonEmpty = append(nonEmpty, e.withDefaults())
		}
	}
	if len(nonEmpty) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString("set -euo pipefail\n")
	for _, e := range nonEmpty {
		remoteDir := filepath.Dir(e.RemotePath)
		encoded := base64.StdEncoding.EncodeToString([]byte(e.Content))

		fmt.Fprintf(&b, "install -d -m %s -o %s -g %s %s\n", e.DirMode, e.Owner, e.Group, shellSingleQuote(remoteDir))
		fmt.Fprintf(&b, "base64 -d <<'EOF' > %s\n", shellSingleQuote(e.RemotePath))
		b.WriteString(encoded)
		b.WriteString("\nEOF\n")
		fmt.Fprintf(&b, "chmod %s %s\n", e.Mode, shellSingleQuote(e.RemotePath))
		fmt.Fprintf(&b, "chown %s:%s %s\n", e.Owner, e.Group, shellSingleQuote(e.RemotePath))
	}

	_, err = sshx.RunScript(ctx, target, b.String(), 600*time.Second, "installing secret files", sshx.RetryPolicy{MaxAttempts: 1})
	return err
}

// InstallSecretFile is a convenience wrapper around InstallSecretFiles for
// a single entry.
func (m *Manager) InstallSecretFile(ctx context.Context, name string, entry SecretFile) error {
	return m.InstallSecretFiles(ctx, name, []SecretFile{entry})
}

// InstallAgeKeyRuntime installs an Age key into a running guest for
// sops-nix, distinct from vmimage.InstallAgeKey which embeds the key
// offline via guestfish during image creation.
func (m *Manager) InstallAgeKeyRuntime(ctx context.Context, name, keyText, remotePath string) error {
	if remotePath == "" {
		remotePath = "/var/lib/sops-nix/key.txt"
	}
	keyText = strings.TrimSpace(keyText)
	if keyText == "" {
		return raveerr.New(raveerr.KindValidation, "Age key is empty")
	}

	target, err := m.SSHTarget(name)
	if err != nil {
		return err
	}
	if !m.IsRunning(ctx, name) {
		return raveerr.New(raveerr.KindConflict, "VM '"+name+"' is not running")
	}

	remoteDir := filepath.Dir(remotePath)
	var b strings.Builder
	b.WriteString("set -euo pipefail\n")
	fmt.Fprintf(&b, "install -d -m 700 -o root -g root %s\n", shellSingleQuote(remoteDir))
	fmt.Fprintf(&b, "cat <<'EOF' > %s\n", shellSingleQuote(remotePath))
	b.WriteString(keyText)
	b.WriteString("\nEOF\n")
	fmt.Fprintf(&b, "chmod 600 %s\n", shellSingleQuote(remotePath))
	fmt.Fprintf(&b, "chown root:root %s\n", shellSingleQuote(remotePath))

	_, err = sshx.RunScript(ctx, target, b.String(), 240*time.Second, "installing Age key",
		sshx.RetryPolicy{MaxAttempts: 8, InitialDelay: 1500 * time.Millisecond})
	return err
}

// EnsureMattermostDatabase creates (if missing) and/or reconciles the
// mattermost PostgreSQL role and database on a running guest.
func (m *Manager) EnsureMattermostDatabase(ctx context.Context, name, password string) error {
	target, err := m.SSHTarget(name)
	if err != nil {
		return err
	}
	if !m.IsRunning(ctx, name) {
		return raveerr.New(raveerr.KindConflict, "VM '"+name+"' is not running")
	}

	passwordSQL := sqlQuoteLiteral(password)
	script := strings.Join([]string{
		"set -euo pipefail",
		"sudo -u postgres psql postgres <<'SQL'",
		"DO $$",
		"BEGIN",
		"  IF NOT EXISTS (SELECT 1 FROM pg_roles WHERE rolname = 'mattermost') THEN",
		fmt.Sprintf("    CREATE ROLE mattermost WITH LOGIN PASSWORD '%s';", passwordSQL),
		"  ELSE",
		fmt.Sprintf("    ALTER ROLE mattermost WITH LOGIN PASSWORD '%s';", passwordSQL),
		"  END IF;",
		"END",
		"$$;",
		"SQL",
		`sudo -u postgres psql postgres -tc "SELECT 1 FROM pg_database WHERE datname = 'mattermost';" | grep -q 1 || sudo -u postgres createdb -O mattermost mattermost`,
		`sudo -u postgres psql mattermost -c "GRANT ALL PRIVILEGES ON SCHEMA public TO mattermost;"`,
	}, "\n") + "\n"

	_, err = sshx.RunScript(ctx, target, script, 180*time.Second, "resetting Mattermost database", sshx.RetryPolicy{MaxAttempts: 1})
	return err
}
