package certs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ataiva-software/kontainers-sub000/internal/config"
	"github.com/ataiva-software/kontainers-sub000/internal/observability"
	"github.com/ataiva-software/kontainers-sub000/internal/util"
)

// KV secret fields holding the PEM material.
const (
	fieldCertificate = "certificate"
	fieldPrivateKey  = "private_key"
)

// materialized is a cached pair of written PEM paths.
type materialized struct {
	certPath string
	keyPath  string
	expires  time.Time
}

// VaultStore materializes certificates stored as KV-v2 secrets into
// local PEM files the engine can read. Written pairs are cached per
// name so steady-state compiles do not touch Vault.
type VaultStore struct {
	kv     KVReader
	mount  string
	prefix string
	dir    string
	ttl    time.Duration
	clock  util.Clock
	logger observability.Logger

	mu    sync.Mutex
	cache map[string]materialized
}

// VaultStoreOption is a functional option for configuring the store.
type VaultStoreOption func(*VaultStore)

// WithVaultStoreClock overrides the cache clock.
func WithVaultStoreClock(clock util.Clock) VaultStoreOption {
	return func(s *VaultStore) {
		s.clock = clock
	}
}

// NewVaultStore creates a VaultStore writing PEM pairs under cfg.Dir.
func NewVaultStore(kv KVReader, cfg config.CertsConfig, logger observability.Logger, opts ...VaultStoreOption) (*VaultStore, error) {
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("create certificate dir: %w", err)
	}

	s := &VaultStore{
		kv:     kv,
		mount:  cfg.VaultMount,
		prefix: cfg.VaultPrefix,
		dir:    cfg.Dir,
		ttl:    cfg.CacheTTL.Duration(),
		clock:  util.RealClock{},
		logger: logger.With(observability.String("component", "certs")),
		cache:  make(map[string]materialized),
	}
	if s.ttl <= 0 {
		s.ttl = config.DefaultCertCacheTTL
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Materialize implements Store.
func (s *VaultStore) Materialize(ctx context.Context, name string) (string, string, error) {
	if err := validateCertName(name); err != nil {
		return "", "", err
	}

	s.mu.Lock()
	if entry, ok := s.cache[name]; ok && s.clock.Now().Before(entry.expires) {
		s.mu.Unlock()
		return entry.certPath, entry.keyPath, nil
	}
	s.mu.Unlock()

	secretPath := name
	if s.prefix != "" {
		secretPath = s.prefix + "/" + name
	}

	data, err := s.kv.Read(ctx, s.mount, secretPath)
	if err != nil {
		if errors.Is(err, ErrSecretNotFound) {
			return "", "", fmt.Errorf("certificate %q: %w", name, util.ErrUnknownCertificate)
		}
		return "", "", fmt.Errorf("certificate %q: %w", name, err)
	}

	certPEM, keyPEM, err := extractPEM(name, data)
	if err != nil {
		return "", "", err
	}

	certPath := filepath.Join(s.dir, name+".crt")
	keyPath := filepath.Join(s.dir, name+".key")
	if err := writeFileAtomic(certPath, []byte(certPEM)); err != nil {
		return "", "", fmt.Errorf("certificate %q: %w", name, err)
	}
	if err := writeFileAtomic(keyPath, []byte(keyPEM)); err != nil {
		return "", "", fmt.Errorf("certificate %q key: %w", name, err)
	}

	s.mu.Lock()
	s.cache[name] = materialized{
		certPath: certPath,
		keyPath:  keyPath,
		expires:  s.clock.Now().Add(s.ttl),
	}
	s.mu.Unlock()

	s.logger.Debug("materialized certificate",
		observability.String("name", name),
		observability.String("cert", certPath),
	)

	return certPath, keyPath, nil
}

// Invalidate drops the cached entry for name so the next Materialize
// re-reads Vault.
func (s *VaultStore) Invalidate(name string) {
	s.mu.Lock()
	delete(s.cache, name)
	s.mu.Unlock()
}

// extractPEM pulls the PEM fields out of a KV payload.
func extractPEM(name string, data map[string]interface{}) (string, string, error) {
	certPEM, ok := data[fieldCertificate].(string)
	if !ok || certPEM == "" {
		return "", "", fmt.Errorf("certificate %q missing %q field: %w",
			name, fieldCertificate, util.ErrUnknownCertificate)
	}
	keyPEM, ok := data[fieldPrivateKey].(string)
	if !ok || keyPEM == "" {
		return "", "", fmt.Errorf("certificate %q missing %q field: %w",
			name, fieldPrivateKey, util.ErrUnknownCertificate)
	}
	return certPEM, keyPEM, nil
}

// writeFileAtomic writes data via a temp file and rename so a reader
// never observes a half-written PEM. The temp file is created 0600.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}

	return os.Rename(tmpName, path)
}
