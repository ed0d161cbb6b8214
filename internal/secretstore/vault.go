package secretstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	vaultapi "github.com/hashicorp/vault/api"

	"sitinov-auth/backend/internal/log"
)

var (
	// ErrNoCredentials is returned when neither a token nor an AppRole pair is configured.
	ErrNoCredentials = errors.New("no vault credentials configured")
	// ErrSecretNotFound is returned when a path holds no secret.
	ErrSecretNotFound = errors.New("secret not found")
)

// VaultConfig configures VaultBackend.
type VaultConfig struct {
	Address   string
	Token     string
	RoleID    string
	SecretID  string
	Namespace string
	// Timeout bounds every HTTP call to Vault, connection included.
	Timeout time.Duration
}

// VaultBackend reads secrets from HashiCorp Vault. It logs in on first use with
// AppRole when RoleID and SecretID are set, otherwise with the static token, and
// logs in again after Vault rejects the token.
type VaultBackend struct {
	client *vaultapi.Client
	cfg    VaultConfig

	mu            sync.Mutex
	authenticated bool
}

// NewVaultBackend builds a client for cfg. No network call is made.
func NewVaultBackend(cfg VaultConfig) (*VaultBackend, error) {
	vc := vaultapi.DefaultConfig()
	if vc.Error != nil {
		return nil, fmt.Errorf("secretstore: vault config: %w", vc.Error)
	}
	if cfg.Address != "" {
		vc.Address = cfg.Address
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	vc.Timeout = cfg.Timeout
	vc.MaxRetries = 1

	client, err := vaultapi.NewClient(vc)
	if err != nil {
		return nil, fmt.Errorf("secretstore: vault client: %w", err)
	}
	// NewClient picks up VAULT_TOKEN from the process environment; configuration wins.
	client.ClearToken()
	if cfg.Token != "" {
		client.SetToken(cfg.Token)
	}
	if cfg.Namespace != "" {
		client.SetNamespace(cfg.Namespace)
	}
	return &VaultBackend{client: client, cfg: cfg}, nil
}

// Read returns the fields stored at path. KV v2 responses are unwrapped.
func (v *VaultBackend) Read(ctx context.Context, path string) (map[string]any, error) {
	if err := v.login(ctx); err != nil {
		return nil, err
	}
	secret, err := v.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		var respErr *vaultapi.ResponseError
		if errors.As(err, &respErr) && respErr.StatusCode == http.StatusForbidden {
			v.resetAuth()
		}
		return nil, fmt.Errorf("secretstore: read %s: %w", path, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("%w: %s", ErrSecretNotFound, path)
	}
	if inner, ok := secret.Data["data"].(map[string]any); ok {
		return inner, nil
	}
	return secret.Data, nil
}

// Health reports Vault's seal and init status.
func (v *VaultBackend) Health(ctx context.Context) (*Health, error) {
	resp, err := v.client.Sys().HealthWithContext(ctx)
	if err != nil {
		return &Health{Status: "unhealthy", Sealed: true}, err
	}
	h := &Health{Status: "healthy", Sealed: resp.Sealed, Initialized: resp.Initialized}
	if resp.Sealed || !resp.Initialized {
		h.Status = "unhealthy"
	}
	return h, nil
}

func (v *VaultBackend) login(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.authenticated {
		return nil
	}
	if v.cfg.RoleID != "" && v.cfg.SecretID != "" {
		secret, err := v.client.Logical().WriteWithContext(ctx, "auth/approle/login", map[string]any{
			"role_id":   v.cfg.RoleID,
			"secret_id": v.cfg.SecretID,
		})
		if err != nil {
			return fmt.Errorf("secretstore: approle login: %w", err)
		}
		if secret == nil || secret.Auth == nil || secret.Auth.ClientToken == "" {
			return errors.New("secretstore: approle login returned no client token")
		}
		v.client.SetToken(secret.Auth.ClientToken)
		log.Info(ctx).Msg("secretstore: approle authentication successful")
	} else if v.client.Token() == "" {
		return ErrNoCredentials
	}
	v.authenticated = true
	return nil
}

func (v *VaultBackend) resetAuth() {
	v.mu.Lock()
	defer v.mu.Unlock()
	// A static token cannot be renewed by logging in again.
	if v.cfg.RoleID != "" && v.cfg.SecretID != "" {
		v.authenticated = false
	}
}
