package secrets

import (
	"fmt"
	"log/slog"
	"os"
)

// Config selects and configures a secrets backend, mirroring
// control-plane/internal/secrets.Config's env-driven shape.
type Config struct {
	// Backend is one of "local", "1password", or "auto" (default: try
	// 1password when OP_SERVICE_ACCOUNT_TOKEN is set, else local).
	Backend string

	OnePasswordHost  string // OP_CONNECT_HOST
	OnePasswordToken string // OP_SERVICE_ACCOUNT_TOKEN
	OnePasswordVault string // OP_VAULT

	LocalDir string
}

// ConfigFromEnv builds a Config from the environment variables the
// 1Password Connect SDK and EdgeBot's own config.secrets section use.
func ConfigFromEnv() Config {
	return Config{
		Backend:          getEnv("EDGEBOT_SECRETS_BACKEND", "auto"),
		OnePasswordHost:  os.Getenv("OP_CONNECT_HOST"),
		OnePasswordToken: os.Getenv("OP_SERVICE_ACCOUNT_TOKEN"),
		OnePasswordVault: getEnv("OP_VAULT", "edgebot"),
		LocalDir:         os.Getenv("EDGEBOT_SECRETS_DIR"),
	}
}

// NewResolver builds a Resolver per cfg.Backend.
func NewResolver(cfg Config, logger *slog.Logger) (Resolver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	backend := cfg.Backend
	if backend == "" {
		backend = "auto"
	}

	switch backend {
	case "1password":
		if cfg.OnePasswordToken == "" {
			return nil, fmt.Errorf("secrets: 1password backend requested but OP_SERVICE_ACCOUNT_TOKEN not set")
		}
		return NewOnePasswordResolver(OnePasswordConfig{
			Host:    cfg.OnePasswordHost,
			Token:   cfg.OnePasswordToken,
			VaultID: cfg.OnePasswordVault,
		}, logger)

	case "local":
		return NewLocalResolver(cfg.LocalDir, logger)

	case "auto":
		if cfg.OnePasswordToken != "" {
			r, err := NewOnePasswordResolver(OnePasswordConfig{
				Host:    cfg.OnePasswordHost,
				Token:   cfg.OnePasswordToken,
				VaultID: cfg.OnePasswordVault,
			}, logger)
			if err != nil {
				logger.Warn("failed to initialize 1password secrets backend, falling back to local", "error", err)
				return NewLocalResolver(cfg.LocalDir, logger)
			}
			return r, nil
		}
		return NewLocalResolver(cfg.LocalDir, logger)

	default:
		return nil, fmt.Errorf("secrets: unknown backend: %s", backend)
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
