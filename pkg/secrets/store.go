// Package secrets provides read-only key→secret lookup. Secrets are never
// owned or cached by callers; every access is a fresh read from the backend.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Sentinel errors.
var (
	// ErrSecretNotFound indicates no secret exists for the key id.
	ErrSecretNotFound = errors.New("secret not found")

	// ErrUnknownBackend indicates an unrecognized SECRET_STORE_TYPE value.
	ErrUnknownBackend = errors.New("unknown secret store backend")
)

// Store is the abstract read-only secret backend.
type Store interface {
	// Fetch returns the secret material for a key id.
	// Returns ErrSecretNotFound when the key id has no secret.
	Fetch(ctx context.Context, keyID string) (string, error)
}

// NewFromEnv constructs the store selected by SECRET_STORE_TYPE.
// Only the env backend ships in-tree; vault/aws/azure are deployment add-ons
// behind the same interface.
func NewFromEnv() (Store, error) {
	backend := os.Getenv("SECRET_STORE_TYPE")
	switch backend {
	case "", "env":
		return NewEnvStore("LLM_KEY_"), nil
	case "vault", "aws", "azure":
		return nil, fmt.Errorf("%w: %q is not compiled into this build", ErrUnknownBackend, backend)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, backend)
	}
}

// EnvStore reads secrets from environment variables. The key id is upcased
// and dashes become underscores: key id "flash-1" with prefix "LLM_KEY_"
// reads LLM_KEY_FLASH_1.
type EnvStore struct {
	prefix string
}

// NewEnvStore creates an environment-variable backed store.
func NewEnvStore(prefix string) *EnvStore {
	return &EnvStore{prefix: prefix}
}

// Fetch implements Store.
func (s *EnvStore) Fetch(_ context.Context, keyID string) (string, error) {
	name := s.prefix + strings.ToUpper(strings.ReplaceAll(keyID, "-", "_"))
	value := os.Getenv(name)
	if value == "" {
		return "", fmt.Errorf("%w: %s (env %s)", ErrSecretNotFound, keyID, name)
	}
	return value, nil
}

// StaticStore serves secrets from a fixed map. Used by tests and by the
// single-key fallback mode where one global API key serves all calls.
type StaticStore struct {
	secrets map[string]string
}

// NewStaticStore creates a store over a copy of the given map.
func NewStaticStore(secrets map[string]string) *StaticStore {
	copied := make(map[string]string, len(secrets))
	for k, v := range secrets {
		copied[k] = v
	}
	return &StaticStore{secrets: copied}
}

// Fetch implements Store.
func (s *StaticStore) Fetch(_ context.Context, keyID string) (string, error) {
	if v, ok := s.secrets[keyID]; ok {
		return v, nil
	}
	return "", fmt.Errorf("%w: %s", ErrSecretNotFound, keyID)
}
