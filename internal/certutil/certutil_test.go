package certutil

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
)

func TestGenerateSelfSigned(t *testing.T) {
	cert, err := GenerateSelfSigned()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cert.Certificate) == 0 {
		t.Fatalf("expected at least one certificate in the chain")
	}
}

func TestLoad_FallsBackToSelfSignedWhenPathsEmpty(t *testing.T) {
	cert, err := Load("", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(cert.Certificate) == 0 {
		t.Fatalf("expected a generated certificate")
	}
}

func TestLoad_MissingFiles(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(filepath.Join(dir, "cert.pem"), filepath.Join(dir, "key.pem")); err == nil {
		t.Fatal("expected error for missing cert/key files")
	}
}

func TestNewLoader_ReadsFromDiskAndReload(t *testing.T) {
	dir := t.TempDir()
	certPath := filepath.Join(dir, "cert.pem")
	keyPath := filepath.Join(dir, "key.pem")
	writeSelfSignedPair(t, certPath, keyPath)

	loader, err := NewLoader(certPath, keyPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cert, err := loader.GetCertificate(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cert == nil || len(cert.Certificate) == 0 {
		t.Fatalf("expected a loaded certificate")
	}

	// Overwrite with a fresh pair and force a reload directly, exercising
	// the same path the SIGHUP handler takes.
	writeSelfSignedPair(t, certPath, keyPath)
	if err := loader.reload(); err != nil {
		t.Fatalf("unexpected reload error: %v", err)
	}
}

func writeSelfSignedPair(t *testing.T, certPath, keyPath string) {
	t.Helper()
	cert, err := GenerateSelfSigned()
	if err != nil {
		t.Fatalf("unexpected error generating cert: %v", err)
	}
	if err := os.WriteFile(certPath, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Certificate[0]}), 0o644); err != nil {
		t.Fatalf("write cert: %v", err)
	}
	priv, ok := cert.PrivateKey.(*rsa.PrivateKey)
	if !ok {
		t.Fatalf("expected *rsa.PrivateKey, got %T", cert.PrivateKey)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	if err := os.WriteFile(keyPath, keyPEM, 0o600); err != nil {
		t.Fatalf("write key: %v", err)
	}
}
