// Package vmmanager implements the tenant VM lifecycle manager (C6): it
// persists one JSON record per tenant VM, wires together the port
// allocator, image provisioner, SSH transport and override layer engine,
// and exposes the operations the rave vm CLI subcommands call into.
package vmmanager

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/sibyllinesoft/rave/internal/raveerr"
)

// Record is the full persisted state of one tenant VM.
type Record struct {
	Name            string            `json:"name"`
	KeypairPath     string            `json:"keypair"`
	Profile         string            `json:"profile"`
	ProfileAttr     string            `json:"profile_attr"`
	SSHPublicKey    string            `json:"ssh_public_key"`
	Ports           map[string]int    `json:"ports"`
	Status          string            `json:"status"`
	CreatedAt       float64           `json:"created_at"`
	StartedAt       float64           `json:"started_at,omitempty"`
	ImagePath       string            `json:"image_path"`
	IdentityMeta    map[string]any    `json:"idp,omitempty"`
	Secrets         map[string]any    `json:"secrets,omitempty"`
	SSHKeyConfigured bool             `json:"ssh_key_configured,omitempty"`
	TLS             map[string]any    `json:"tls,omitempty"`
	Extra           map[string]string `json:"-"`
}

func configPath(vmsDir, name string) string {
	return filepath.Join(vmsDir, name+".json")
}

// LoadRecord reads a tenant's JSON record, returning (nil, nil) if it does
// not exist or is corrupted/partial: a half-written or invalid record is
// treated as absent rather than surfaced as an error, matching the
// original's _load_vm_config.
func LoadRecord(vmsDir, name string) (*Record, error) {
	data, err := os.ReadFile(configPath(vmsDir, name))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, raveerr.Wrap(raveerr.KindInternal, "reading VM config", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		slog.Default().Warn("VM config is corrupted, treating as not found", "name", name, "error", err)
		return nil, nil
	}
	return &rec, nil
}

// SaveRecord persists rec atomically: write to a sibling temp file, then
// rename over the target so a crash mid-write never leaves a truncated
// config.
func SaveRecord(vmsDir string, rec *Record) error {
	if err := os.MkdirAll(vmsDir, 0o755); err != nil {
		return raveerr.Wrap(raveerr.KindInternal, "creating VMs directory", err)
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return raveerr.Wrap(raveerr.KindInternal, "marshaling VM config", err)
	}

	target := configPath(vmsDir, rec.Name)
	tmp, err := os.CreateTemp(vmsDir, rec.Name+".*.tmp")
	if err != nil {
		return raveerr.Wrap(raveerr.KindInternal, "creating temp VM config", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return raveerr.Wrap(raveerr.KindInternal, "writing temp VM config", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return raveerr.Wrap(raveerr.KindInternal, "closing temp VM config", err)
	}

	if err := os.Rename(tmpPath, target); err != nil {
		os.Remove(tmpPath)
		return raveerr.Wrap(raveerr.KindInternal, "renaming VM config into place", err)
	}
	return nil
}

// ListNames returns every tenant name with a persisted record under vmsDir.
func ListNames(vmsDir string) ([]string, error) {
	entries, err := os.ReadDir(vmsDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, raveerr.Wrap(raveerr.KindInternal, "reading VMs directory", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		const suffix = ".json"
		if len(name) > len(suffix) && name[len(name)-len(suffix):] == suffix {
			names = append(names, name[:len(name)-len(suffix)])
		}
	}
	return names, nil
}

func nowUnix() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
