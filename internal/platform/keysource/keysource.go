// Package keysource resolves the 32-byte PHI master key from its configured
// backing store. The key never touches disk or logs; providers hand it
// straight to the cipher at startup.
package keysource

import (
	"context"
	"encoding/hex"
	"fmt"
)

// MasterKeySize is the required master key length in bytes (AES-256).
const MasterKeySize = 32

// Provider yields the PHI master key.
type Provider interface {
	MasterKey(ctx context.Context) ([]byte, error)
}

// Source names accepted in configuration.
const (
	SourceEnv    = "env"
	SourceVault  = "vault"
	SourceAWSKMS = "awskms"
)

// Config selects and parameterizes a provider.
type Config struct {
	Source string
	KeyHex string
	Vault  VaultConfig
	AWSKMS AWSKMSConfig
}

// FromConfig builds the provider named by cfg.Source. An empty source falls
// back to the env provider.
func FromConfig(ctx context.Context, cfg Config) (Provider, error) {
	switch cfg.Source {
	case SourceEnv, "":
		return NewEnv(cfg.KeyHex), nil
	case SourceVault:
		return NewVault(cfg.Vault)
	case SourceAWSKMS:
		return NewAWSKMS(ctx, cfg.AWSKMS)
	default:
		return nil, fmt.Errorf("keysource: unknown source %q", cfg.Source)
	}
}

// Env supplies the master key directly from configuration as 64 hex
// characters. Suitable for development and small single-host deployments.
type Env struct {
	KeyHex string
}

func NewEnv(keyHex string) *Env {
	return &Env{KeyHex: keyHex}
}

func (e *Env) MasterKey(_ context.Context) ([]byte, error) {
	key, err := hex.DecodeString(e.KeyHex)
	if err != nil {
		return nil, fmt.Errorf("keysource env: decode hex key: %w", err)
	}
	if len(key) != MasterKeySize {
		return nil, fmt.Errorf("keysource env: key must be %d bytes, got %d", MasterKeySize, len(key))
	}
	return key, nil
}
