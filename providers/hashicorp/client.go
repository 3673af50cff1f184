package hashicorp

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/hashicorp/vault/api"

	"github.com/hengadev/medvault/internal/vaulterr"
)

const defaultMount = "transit"

// Config selects the Vault server and the credentials used against it.
type Config struct {
	Address   string
	Namespace string
	Token     string
	RoleID    string
	SecretID  string
	// Mount is the Transit engine mount path.
	Mount string
}

// ConfigFromEnv reads the VAULT_* variables.
func ConfigFromEnv() Config {
	return Config{
		Address:   os.Getenv("VAULT_ADDR"),
		Namespace: os.Getenv("VAULT_NAMESPACE"),
		Token:     os.Getenv("VAULT_TOKEN"),
		RoleID:    os.Getenv("VAULT_ROLE_ID"),
		SecretID:  os.Getenv("VAULT_SECRET_ID"),
		Mount:     os.Getenv("MEDVAULT_TRANSIT_MOUNT"),
	}
}

// newClient builds an authenticated Vault client. A token wins over AppRole.
func newClient(ctx context.Context, cfg Config) (*api.Client, error) {
	config := api.DefaultConfig()
	if cfg.Address != "" {
		config.Address = cfg.Address
	}
	if config.Address == "" {
		return nil, fmt.Errorf("vault address is required")
	}
	config.HttpClient.Transport = &http.Transport{Proxy: http.ProxyFromEnvironment}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create Vault client: %w", vaulterr.ErrKMSUnavailable, err)
	}
	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}

	if cfg.Token != "" {
		client.SetToken(cfg.Token)
		return client, nil
	}
	if cfg.RoleID == "" || cfg.SecretID == "" {
		return nil, fmt.Errorf("no Vault authentication configured (set a token or role_id and secret_id)")
	}

	resp, err := client.Logical().WriteWithContext(ctx, "auth/approle/login", map[string]interface{}{
		"role_id":   cfg.RoleID,
		"secret_id": cfg.SecretID,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: AppRole login failed: %w", vaulterr.ErrKMSUnavailable, err)
	}
	if resp == nil || resp.Auth == nil {
		return nil, fmt.Errorf("%w: no auth info returned from AppRole login", vaulterr.ErrKMSUnavailable)
	}
	client.SetToken(resp.Auth.ClientToken)
	return client, nil
}
