package certs

import (
	"context"
	"errors"
	"fmt"

	vaultapi "github.com/hashicorp/vault/api"

	"github.com/ataiva-software/kontainers-sub000/internal/config"
	"github.com/ataiva-software/kontainers-sub000/internal/observability"
	"github.com/ataiva-software/kontainers-sub000/internal/util"
)

// ErrSecretNotFound reports a missing or soft-deleted KV secret.
var ErrSecretNotFound = errors.New("secret not found")

// KVReader reads a logical secret's key/value payload. It is the
// narrow slice of the Vault API the certificate store needs, kept as
// an interface so tests can substitute a table-backed fake.
type KVReader interface {
	Read(ctx context.Context, mount, path string) (map[string]interface{}, error)
}

// vaultKV implements KVReader over the Vault HTTP API.
type vaultKV struct {
	api    *vaultapi.Client
	logger observability.Logger
}

// NewVaultKV builds a KV-v2 reader from the daemon's vault settings.
func NewVaultKV(cfg *config.VaultConfig, logger observability.Logger) (KVReader, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, fmt.Errorf("vault is not configured: %w", util.ErrInvalidInput)
	}

	apiConfig := vaultapi.DefaultConfig()
	apiConfig.Address = cfg.Address
	if cfg.Timeout > 0 {
		apiConfig.Timeout = cfg.Timeout.Duration()
	}

	if cfg.TLSSkipVerify {
		if err := apiConfig.ConfigureTLS(&vaultapi.TLSConfig{Insecure: true}); err != nil {
			return nil, fmt.Errorf("configure vault tls: %w", err)
		}
	}

	api, err := vaultapi.NewClient(apiConfig)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}

	if cfg.Namespace != "" {
		api.SetNamespace(cfg.Namespace)
	}
	if cfg.Token != "" {
		api.SetToken(cfg.Token)
	}

	return &vaultKV{
		api:    api,
		logger: logger.With(observability.String("component", "vault")),
	}, nil
}

// Read reads a secret from the KV-v2 engine, which wraps the payload
// under a "data" key and reports soft-deleted secrets as a nil
// payload.
func (v *vaultKV) Read(ctx context.Context, mount, path string) (map[string]interface{}, error) {
	fullPath := fmt.Sprintf("%s/data/%s", mount, path)

	secret, err := v.api.Logical().ReadWithContext(ctx, fullPath)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", fullPath, err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("%s: %w", fullPath, ErrSecretNotFound)
	}

	dataValue, hasData := secret.Data["data"]
	if hasData && dataValue == nil {
		// Soft delete in KV v2.
		return nil, fmt.Errorf("%s: %w", fullPath, ErrSecretNotFound)
	}

	data, ok := dataValue.(map[string]interface{})
	if !ok {
		// KV v1 format.
		data = secret.Data
	}

	v.logger.Debug("secret read", observability.String("path", fullPath))
	return data, nil
}
