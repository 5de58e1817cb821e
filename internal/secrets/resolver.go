// Package secrets resolves output-sink credentials (auth_token,
// tls.client_cert, tls.client_key) that the config file leaves blank,
// the same job control-plane/internal/secrets does for SSH provisioning
// keys, generalized here from one fixed key name to an arbitrary
// credential name per call.
package secrets

import "context"

// Resolver looks up a named credential. name is one of the config
// keys EdgeBot is willing to resolve externally: "auth_token",
// "tls.client_cert", "tls.client_key". Returns ("", nil) when the
// backend has nothing stored under that name.
type Resolver interface {
	Resolve(ctx context.Context, name string) (string, error)
	Close() error
}
