// -------------------------------------------------------------------------------
// Vault Secrets - KV v2 Resolution
//
// Author: Alex Freidah
//
// Fills empty credential fields from a Vault KV v2 secret. Values already set
// in the YAML file (including ones expanded from the environment) take
// precedence, so a local .env can override Vault during development.
// -------------------------------------------------------------------------------

package config

import (
	"context"
	"fmt"

	vault "github.com/hashicorp/vault/api"
)

// SecretReader reads a KV v2 secret and returns its data map.
type SecretReader interface {
	ReadSecret(ctx context.Context, mount, path string) (map[string]any, error)
}

// Secret keys recognized in the Vault payload.
const (
	SecretPlacesAPIKey      = "places_api_key"
	SecretDatabasePassword  = "database_password"
	SecretObjectStoreKeyID  = "object_store_access_key_id"
	SecretObjectStoreSecret = "object_store_secret_access_key"
	SecretRedisPassword     = "redis_password"
)

// ResolveSecrets reads the configured secret and fills any empty credential
// fields. Unknown keys are ignored; non-string values are an error.
func (c *Config) ResolveSecrets(ctx context.Context, r SecretReader) error {
	mount := c.Vault.Mount
	if mount == "" {
		mount = "secret"
	}

	data, err := r.ReadSecret(ctx, mount, c.Vault.Path)
	if err != nil {
		return fmt.Errorf("failed to read vault secret %s/%s: %w", mount, c.Vault.Path, err)
	}

	targets := map[string]*string{
		SecretPlacesAPIKey:      &c.Places.APIKey,
		SecretDatabasePassword:  &c.Database.Password,
		SecretObjectStoreKeyID:  &c.ObjectStore.AccessKeyID,
		SecretObjectStoreSecret: &c.ObjectStore.SecretAccessKey,
		SecretRedisPassword:     &c.Redis.Password,
	}

	for key, dst := range targets {
		raw, ok := data[key]
		if !ok || *dst != "" {
			continue
		}
		s, ok := raw.(string)
		if !ok {
			return fmt.Errorf("vault secret key %q is not a string", key)
		}
		*dst = s
	}
	return nil
}

// -------------------------------------------------------------------------
// VAULT CLIENT
// -------------------------------------------------------------------------

// VaultReader reads secrets through the official Vault API client.
type VaultReader struct {
	client *vault.Client
}

// NewVaultReader builds a client from the config. Address and token fall back
// to VAULT_ADDR and VAULT_TOKEN through the client's own environment handling.
func NewVaultReader(cfg VaultConfig) (*VaultReader, error) {
	vcfg := vault.DefaultConfig()
	if vcfg.Error != nil {
		return nil, fmt.Errorf("failed to build vault config: %w", vcfg.Error)
	}
	if cfg.Address != "" {
		vcfg.Address = cfg.Address
	}

	client, err := vault.NewClient(vcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create vault client: %w", err)
	}
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}
	return &VaultReader{client: client}, nil
}

// ReadSecret fetches the latest version of a KV v2 secret.
func (v *VaultReader) ReadSecret(ctx context.Context, mount, path string) (map[string]any, error) {
	secret, err := v.client.KVv2(mount).Get(ctx, path)
	if err != nil {
		return nil, err
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("secret %s/%s has no data", mount, path)
	}
	return secret.Data, nil
}
