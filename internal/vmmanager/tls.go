package vmmanager

import (
	"context"
	"time"

	"github.com/sibyllinesoft/rave/internal/raveerr"
)

// TLSMaterial is the PEM bundle installed by InstallTLSCertificate.
type TLSMaterial struct {
	CertPEM      string
	FullchainPEM string
	KeyPEM       string
	CAPEM        string
}

const acmeDir = "/var/lib/acme/localhost"

// InstallTLSCertificate copies TLS materials into the well-known acme
// directory Traefik reads from. It reuses InstallSecretFiles rather than a
// bespoke script, since it is just four files with fixed modes/owners.
func (m *Manager) InstallTLSCertificate(ctx context.Context, name string, mat TLSMaterial) error {
	entries := []SecretFile{
		{RemotePath: acmeDir + "/cert.pem", Content: mat.FullchainPEM, Owner: "root", Group: "root", Mode: "0644", DirMode: "0755"},
		{RemotePath: acmeDir + "/fullchain.pem", Content: mat.FullchainPEM, Owner: "root", Group: "root", Mode: "0644", DirMode: "0755"},
		{RemotePath: acmeDir + "/chain.pem", Content: mat.CAPEM, Owner: "root", Group: "root", Mode: "0644", DirMode: "0755"},
		{RemotePath: acmeDir + "/key.pem", Content: mat.KeyPEM, Owner: "root", Group: "traefik", Mode: "0640", DirMode: "0750"},
	}
	return m.InstallSecretFiles(ctx, name, entries)
}

// RecordTLSMetadata merges metadata into the tenant record's TLS field and
// persists it, stamping an updated_at timestamp.
func (m *Manager) RecordTLSMetadata(name string, metadata map[string]any) error {
	rec, err := LoadRecord(m.VMsDir, name)
	if err != nil {
		return err
	}
	if rec == nil {
		return raveerr.New(raveerr.KindNotFound, "VM '"+name+"' not found")
	}

	if rec.TLS == nil {
		rec.TLS = make(map[string]any, len(metadata)+1)
	}
	for k, v := range metadata {
		rec.TLS[k] = v
	}
	rec.TLS["updated_at"] = float64(time.Now().UnixNano()) / 1e9

	return SaveRecord(m.VMsDir, rec)
}
