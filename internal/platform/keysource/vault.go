package keysource

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/hashicorp/vault/api"
)

// VaultConfig carries the settings for the Vault-backed key source.
type VaultConfig struct {
	Address   string
	Namespace string
	RoleID    string
	SecretID  string
	// KeyPath is the full KV v2 read path, e.g. "secret/data/caredesk/phi-master".
	// The key material is expected hex-encoded under the "value" field.
	KeyPath string
}

// Vault reads the master key from a HashiCorp Vault KV v2 secret after
// authenticating with AppRole credentials.
type Vault struct {
	client  *api.Client
	keyPath string
}

func NewVault(cfg VaultConfig) (*Vault, error) {
	if cfg.KeyPath == "" {
		return nil, fmt.Errorf("keysource vault: key path is required")
	}

	apiCfg := api.DefaultConfig()
	if cfg.Address != "" {
		apiCfg.Address = cfg.Address
	}

	client, err := api.NewClient(apiCfg)
	if err != nil {
		return nil, fmt.Errorf("keysource vault: create client: %w", err)
	}

	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}

	if cfg.RoleID != "" && cfg.SecretID != "" {
		resp, err := client.Logical().Write("auth/approle/login", map[string]interface{}{
			"role_id":   cfg.RoleID,
			"secret_id": cfg.SecretID,
		})
		if err != nil {
			return nil, fmt.Errorf("keysource vault: approle login: %w", err)
		}
		if resp.Auth == nil {
			return nil, fmt.Errorf("keysource vault: approle login returned no auth info")
		}
		client.SetToken(resp.Auth.ClientToken)
	}

	return &Vault{client: client, keyPath: cfg.KeyPath}, nil
}

func (v *Vault) MasterKey(ctx context.Context) ([]byte, error) {
	secret, err := v.client.Logical().ReadWithContext(ctx, v.keyPath)
	if err != nil {
		return nil, fmt.Errorf("keysource vault: read %s: %w", v.keyPath, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("keysource vault: no secret at %s", v.keyPath)
	}

	// KV v2 nests the payload under "data".
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("keysource vault: unexpected secret format at %s", v.keyPath)
	}
	value, ok := data["value"].(string)
	if !ok {
		return nil, fmt.Errorf("keysource vault: no value field at %s", v.keyPath)
	}

	key, err := hex.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("keysource vault: decode key material: %w", err)
	}
	if len(key) != MasterKeySize {
		return nil, fmt.Errorf("keysource vault: key must be %d bytes, got %d", MasterKeySize, len(key))
	}
	return key, nil
}
