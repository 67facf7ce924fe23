package tlsutil

import (
	"crypto/tls"
	"os"
	"path/filepath"
	"testing"

	"github.com/voxgate/voxgate/internal/config"
)

func TestSetupDisabled(t *testing.T) {
	cfg, err := Setup(config.TLSConfig{})
	if err != nil || cfg != nil {
		t.Fatalf("disabled TLS = (%v, %v), want (nil, nil)", cfg, err)
	}
}

func TestSetupEnabledWithoutCertsFails(t *testing.T) {
	if _, err := Setup(config.TLSConfig{Enabled: true}); err == nil {
		t.Fatal("expected error when enabled with no certificate source")
	}
}

func TestAutoGenerateAndHandshakeMaterial(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Setup(config.TLSConfig{Enabled: true, Dir: dir, AutoGenerate: true})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if cfg.MinVersion != tls.VersionTLS12 {
		t.Fatalf("MinVersion = %x", cfg.MinVersion)
	}
	if !certificatesExist(filepath.Join(dir, tlsCrt), filepath.Join(dir, tlsKey)) {
		t.Fatal("certificate files not generated")
	}
	cert, err := cfg.GetCertificate(&tls.ClientHelloInfo{ServerName: "localhost"})
	if err != nil || cert == nil {
		t.Fatalf("GetCertificate = (%v, %v)", cert, err)
	}
}

func TestSetupClientCARequiresClientCerts(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Setup(config.TLSConfig{
		Enabled:      true,
		Dir:          dir,
		AutoGenerate: true,
		ClientCAFile: filepath.Join(dir, tlsCaCrt),
	})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if cfg.ClientCAs == nil {
		t.Fatal("ClientCAs not populated from client_ca_file")
	}
	if cfg.ClientAuth != tls.RequireAndVerifyClientCert {
		t.Fatalf("ClientAuth = %v, want RequireAndVerifyClientCert", cfg.ClientAuth)
	}
}

func TestSetupClientCABadBundleFails(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "not-a-ca.pem")
	if err := os.WriteFile(bad, []byte("junk"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := Setup(config.TLSConfig{Enabled: true, Dir: dir, AutoGenerate: true, ClientCAFile: bad})
	if err == nil {
		t.Fatal("expected error for unparsable client CA bundle")
	}
}

func TestSafeReadFileRejectsEscape(t *testing.T) {
	dir := t.TempDir()
	if _, err := safeReadFile(dir, "/etc/hosts"); err == nil {
		t.Fatal("read outside base directory must fail")
	}
}
