package vault

import (
	"context"
	"fmt"

	"github.com/hashicorp/vault/api"

	"signal-trading-bot/config"
)

// ResolveMasterSecret returns the vault master secret. When a HashiCorp Vault
// source is configured it is authoritative; otherwise the value from the
// environment is used as-is.
func ResolveMasterSecret(ctx context.Context, cfg config.VaultConfig) (string, error) {
	if !cfg.HashicorpEnabled {
		if cfg.MasterSecret == "" {
			return "", fmt.Errorf("master secret is empty and no HashiCorp Vault source is configured")
		}
		return cfg.MasterSecret, nil
	}

	vaultConfig := api.DefaultConfig()
	vaultConfig.Address = cfg.HashicorpAddr

	client, err := api.NewClient(vaultConfig)
	if err != nil {
		return "", fmt.Errorf("failed to create vault client: %w", err)
	}
	client.SetToken(cfg.HashicorpToken)

	secret, err := client.Logical().ReadWithContext(ctx, cfg.HashicorpPath)
	if err != nil {
		return "", fmt.Errorf("failed to read master secret from vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("no secret at vault path %s", cfg.HashicorpPath)
	}

	// KV v2 nests the payload under "data".
	data := secret.Data
	if nested, ok := secret.Data["data"].(map[string]interface{}); ok {
		data = nested
	}
	value, ok := data["master_secret"].(string)
	if !ok || value == "" {
		return "", fmt.Errorf("vault secret at %s has no master_secret field", cfg.HashicorpPath)
	}
	return value, nil
}
