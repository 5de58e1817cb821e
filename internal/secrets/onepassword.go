package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/1Password/connect-sdk-go/connect"
)

// itemTitle is the single 1Password item EdgeBot looks up, with one
// field per credential name, mirroring the teacher's single
// "icmpmon-provisioning" item holding multiple named fields.
const itemTitle = "edgebot-sink-credentials"

// OnePasswordResolver resolves sink credentials from a 1Password
// Connect vault, grounded on
// control-plane/internal/secrets.OnePasswordKeyStore's client/vault/
// cache shape, generalized from a single SSH key pair to arbitrary
// named string fields.
type OnePasswordResolver struct {
	client  connect.Client
	vaultID string
	logger  *slog.Logger

	mu    sync.RWMutex
	cache map[string]string
}

// OnePasswordConfig configures the 1Password Connect client.
type OnePasswordConfig struct {
	Host    string // OP_CONNECT_HOST
	Token   string // OP_SERVICE_ACCOUNT_TOKEN / OP_CONNECT_TOKEN
	VaultID string // OP_VAULT
}

// NewOnePasswordResolver creates a resolver backed by 1Password Connect.
func NewOnePasswordResolver(cfg OnePasswordConfig, logger *slog.Logger) (*OnePasswordResolver, error) {
	if cfg.Host == "" || cfg.Token == "" || cfg.VaultID == "" {
		return nil, fmt.Errorf("secrets: 1password configuration incomplete: host, token, and vault are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	client := connect.NewClientWithUserAgent(cfg.Host, cfg.Token, "edgebot")
	return &OnePasswordResolver{
		client:  client,
		vaultID: cfg.VaultID,
		logger:  logger,
		cache:   make(map[string]string),
	}, nil
}

func (r *OnePasswordResolver) Resolve(ctx context.Context, name string) (string, error) {
	r.mu.RLock()
	if v, ok := r.cache[name]; ok {
		r.mu.RUnlock()
		return v, nil
	}
	r.mu.RUnlock()

	items, err := r.client.GetItemsByTitle(itemTitle, r.vaultID)
	if err != nil {
		if isNotFoundError(err) {
			return "", nil
		}
		return "", fmt.Errorf("secrets: listing items: %w", err)
	}
	if len(items) == 0 {
		return "", nil
	}

	item, err := r.client.GetItem(items[0].ID, r.vaultID)
	if err != nil {
		return "", fmt.Errorf("secrets: getting item: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, field := range item.Fields {
		r.cache[field.Label] = field.Value
	}
	return r.cache[name], nil
}

func (r *OnePasswordResolver) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]string)
	return nil
}

func isNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "not found") || strings.Contains(msg, "404") || strings.Contains(msg, "no items")
}
