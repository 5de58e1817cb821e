package secrets

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestLocalResolver_ResolveExistingAndMissing(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "tls_client_cert"), []byte("cert-data\n"), 0600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	r, err := NewLocalResolver(dir, nil)
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	defer r.Close()

	v, err := r.Resolve(context.Background(), "tls.client_cert")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if v != "cert-data" {
		t.Fatalf("expected trimmed cert-data, got %q", v)
	}

	missing, err := r.Resolve(context.Background(), "auth_token")
	if err != nil {
		t.Fatalf("resolve missing: %v", err)
	}
	if missing != "" {
		t.Fatalf("expected empty string for unset credential, got %q", missing)
	}
}

func TestNewResolver_LocalBackend(t *testing.T) {
	dir := t.TempDir()
	r, err := NewResolver(Config{Backend: "local", LocalDir: dir}, nil)
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	if _, ok := r.(*LocalResolver); !ok {
		t.Fatalf("expected *LocalResolver, got %T", r)
	}
}

func TestNewResolver_AutoFallsBackToLocalWithoutToken(t *testing.T) {
	dir := t.TempDir()
	r, err := NewResolver(Config{Backend: "auto", LocalDir: dir}, nil)
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	if _, ok := r.(*LocalResolver); !ok {
		t.Fatalf("expected auto backend without a token to fall back to local, got %T", r)
	}
}

func TestNewResolver_OnePasswordRequiresToken(t *testing.T) {
	_, err := NewResolver(Config{Backend: "1password"}, nil)
	if err == nil {
		t.Fatal("expected error when 1password backend requested without a token")
	}
}
