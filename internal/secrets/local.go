package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// LocalResolver reads credentials from flat files under a base
// directory, one file per credential name with dots replaced by
// underscores (tls.client_cert -> tls_client_cert). Intended for
// development and for deployments that provision secrets via their own
// file-drop mechanism (e.g. a Kubernetes projected secret volume)
// rather than 1Password.
type LocalResolver struct {
	baseDir string
	logger  *slog.Logger
}

// NewLocalResolver returns a LocalResolver rooted at baseDir. If
// baseDir is empty it defaults to /etc/edgebot/secrets.
func NewLocalResolver(baseDir string, logger *slog.Logger) (*LocalResolver, error) {
	if baseDir == "" {
		baseDir = "/etc/edgebot/secrets"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalResolver{baseDir: baseDir, logger: logger}, nil
}

func (r *LocalResolver) Resolve(ctx context.Context, name string) (string, error) {
	path := filepath.Join(r.baseDir, strings.ReplaceAll(name, ".", "_"))
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("secrets: reading %s: %w", name, err)
	}
	return strings.TrimSpace(string(data)), nil
}

func (r *LocalResolver) Close() error { return nil }
