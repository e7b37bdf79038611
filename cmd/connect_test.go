package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"go.olrik.dev/remotehub/internal/session"
)

func TestLoadCertFiles(t *testing.T) {
	dir := t.TempDir()
	caPath := filepath.Join(dir, "ca.pem")
	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")
	for path, contents := range map[string]string{
		caPath:   "ca material",
		certPath: "cert material",
		keyPath:  "key material",
	} {
		if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
			t.Fatalf("failed to write %s: %v", path, err)
		}
	}

	var cfg session.Config
	if err := loadCertFiles(&cfg, caPath, certPath, keyPath); err != nil {
		t.Fatalf("loadCertFiles failed: %v", err)
	}
	if string(cfg.CACert) != "ca material" {
		t.Errorf("CACert = %q", cfg.CACert)
	}
	if string(cfg.ClientCert) != "cert material" {
		t.Errorf("ClientCert = %q", cfg.ClientCert)
	}
	if string(cfg.ClientKey) != "key material" {
		t.Errorf("ClientKey = %q", cfg.ClientKey)
	}
}

func TestLoadCertFiles_EmptyPathsLeaveConfigUntouched(t *testing.T) {
	var cfg session.Config
	if err := loadCertFiles(&cfg, "", "", ""); err != nil {
		t.Fatalf("loadCertFiles failed: %v", err)
	}
	if cfg.CACert != nil || cfg.ClientCert != nil || cfg.ClientKey != nil {
		t.Errorf("expected no certificate material, got %+v", cfg)
	}
}

func TestLoadCertFiles_MissingFile(t *testing.T) {
	var cfg session.Config
	if err := loadCertFiles(&cfg, filepath.Join(t.TempDir(), "nope.pem"), "", ""); err == nil {
		t.Fatal("expected an error for a missing certificate file")
	}
}

func TestNewRootCommand_RegistersSubcommands(t *testing.T) {
	root := NewRootCommand()

	for _, name := range []string{"connect", "reconnect", "list", "forget", "credentials", "version"} {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd == root {
			t.Errorf("subcommand %q not registered: %v", name, err)
		}
	}
}
