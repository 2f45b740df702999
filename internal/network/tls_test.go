package network

import (
	"os"
	"path/filepath"
	"testing"
)

func writeDevCA(t *testing.T) string {
	t.Helper()
	pemBytes, err := DevCAPEM()
	if err != nil {
		t.Fatalf("DevCAPEM: %v", err)
	}
	caPath := filepath.Join(t.TempDir(), "devtls_ca.pem")
	if err := os.WriteFile(caPath, pemBytes, 0600); err != nil {
		t.Fatalf("write ca: %v", err)
	}
	return caPath
}

func TestClientTLSConfigUsesEnvDevTLSCAPath(t *testing.T) {
	t.Setenv("QMESH_DEVTLS_CA_PATH", writeDevCA(t))
	if _, err := clientTLSConfig(false, "/nonexistent"); err != nil {
		t.Fatalf("clientTLSConfig with env override: %v", err)
	}
}

func TestClientTLSConfigUsesExplicitDevTLSCAPath(t *testing.T) {
	if _, err := clientTLSConfig(false, writeDevCA(t)); err != nil {
		t.Fatalf("clientTLSConfig with explicit path: %v", err)
	}
}

func TestClientTLSConfigRejectsEmptyCA(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.pem")
	if err := os.WriteFile(path, []byte("not pem"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := clientTLSConfig(false, path); err == nil {
		t.Fatalf("expected error for file without certificates")
	}
}

func TestDevCertIsDeterministic(t *testing.T) {
	_, a, err := devTLSCert()
	if err != nil {
		t.Fatalf("devTLSCert: %v", err)
	}
	_, b, err := devTLSCert()
	if err != nil {
		t.Fatalf("devTLSCert: %v", err)
	}
	if string(a) != string(b) {
		t.Fatalf("expected identical dev certs")
	}
}
