// Package certs resolves certificate references on routing rules to
// PEM files on disk. The engine only consumes file paths, so every
// implementation must end with real files readable at render time.
package certs

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ataiva-software/kontainers-sub000/internal/config"
	"github.com/ataiva-software/kontainers-sub000/internal/observability"
	"github.com/ataiva-software/kontainers-sub000/internal/util"
)

// Store resolves a certificate name to on-disk PEM paths.
type Store interface {
	// Materialize returns the certificate and key paths for name.
	// Unknown names return an error matching util.ErrUnknownCertificate.
	Materialize(ctx context.Context, name string) (certPath, keyPath string, err error)
}

// NewStore builds the Store selected by the configuration.
func NewStore(cfg config.CertsConfig, vaultCfg *config.VaultConfig, logger observability.Logger) (Store, error) {
	switch cfg.Source {
	case "file", "":
		return NewFileStore(cfg.Dir), nil
	case "vault":
		kv, err := NewVaultKV(vaultCfg, logger)
		if err != nil {
			return nil, err
		}
		return NewVaultStore(kv, cfg, logger)
	default:
		return nil, fmt.Errorf("certificate source %q: %w", cfg.Source, util.ErrInvalidInput)
	}
}

// FileStore serves certificates from a directory of PEM pairs laid
// out as <dir>/<name>.crt and <dir>/<name>.key.
type FileStore struct {
	dir string
}

// NewFileStore creates a FileStore over dir.
func NewFileStore(dir string) *FileStore {
	return &FileStore{dir: dir}
}

// Materialize implements Store. Both halves of the pair must exist.
func (s *FileStore) Materialize(_ context.Context, name string) (string, string, error) {
	if err := validateCertName(name); err != nil {
		return "", "", err
	}

	certPath := filepath.Join(s.dir, name+".crt")
	keyPath := filepath.Join(s.dir, name+".key")

	if _, err := os.Stat(certPath); err != nil {
		return "", "", fmt.Errorf("certificate %q: %w", name, util.ErrUnknownCertificate)
	}
	if _, err := os.Stat(keyPath); err != nil {
		return "", "", fmt.Errorf("certificate %q key: %w", name, util.ErrUnknownCertificate)
	}

	return certPath, keyPath, nil
}

// validateCertName rejects names that would escape the store
// directory once joined into a path.
func validateCertName(name string) error {
	if name == "" {
		return fmt.Errorf("certificate name is empty: %w", util.ErrInvalidInput)
	}
	if name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return fmt.Errorf("certificate name %q: %w", name, util.ErrInvalidInput)
	}
	return nil
}

// Ensure implementations satisfy the interface.
var (
	_ Store = (*FileStore)(nil)
	_ Store = (*VaultStore)(nil)
)
