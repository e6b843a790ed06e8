// Package secret abstracts credential retrieval behind a Source keyed by
// key_id, so the router never holds a secret value beyond the call that
// needs it and never logs one.
package secret

import (
	"fmt"
	"os"
	"strings"
)

// Source resolves a credential's secret value by key_id.
type Source interface {
	Get(keyID string) (string, error)
}

// EnvSource reads secrets from environment variables, one per key_id, using
// a configurable prefix (default FORGE_KEY_) and uppercasing/sanitizing the
// key_id into an env var name. Grounded on stdlib os.LookupEnv directly: no
// pack library wraps environment-variable secret retrieval, and wrapping
// os.LookupEnv in a third-party package would be pure ceremony.
type EnvSource struct {
	Prefix string
}

// NewEnvSource constructs an EnvSource with the given prefix (default
// "FORGE_KEY_" when empty).
func NewEnvSource(prefix string) *EnvSource {
	if prefix == "" {
		prefix = "FORGE_KEY_"
	}
	return &EnvSource{Prefix: prefix}
}

func (s *EnvSource) envName(keyID string) string {
	sanitized := strings.ToUpper(strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, keyID))
	return s.Prefix + sanitized
}

func (s *EnvSource) Get(keyID string) (string, error) {
	name := s.envName(keyID)
	val, ok := os.LookupEnv(name)
	if !ok || val == "" {
		return "", fmt.Errorf("secret: no value for key_id %q (expected env var %s)", keyID, name)
	}
	return val, nil
}

// VaultSource is a pluggable extension point for an external-vault-backed
// Source. It is not wired to a live Vault client here; Fetch is the seam a
// deployment fills in.
type VaultSource struct {
	// Fetch performs the actual vault lookup for keyID.
	Fetch func(keyID string) (string, error)
}

func (s *VaultSource) Get(keyID string) (string, error) {
	if s.Fetch == nil {
		return "", fmt.Errorf("secret: vault source not configured for key_id %q", keyID)
	}
	return s.Fetch(keyID)
}
