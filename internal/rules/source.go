package rules

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ataiva-software/kontainers-sub000/internal/config"
	"github.com/ataiva-software/kontainers-sub000/internal/observability"
)

// rulesFile is the on-disk shape of the declarative rules file.
type rulesFile struct {
	Rules []*Rule `yaml:"rules"`
}

// FileSource loads rules from a declarative YAML file into the store
// and, when started, hot-reloads the file on change. A file that fails
// to parse or validate is rejected whole; the store keeps its current
// contents.
type FileSource struct {
	path    string
	store   *Store
	watcher *config.FileWatcher
	logger  observability.Logger
}

// FileSourceOption is a functional option for configuring the source.
type FileSourceOption func(*FileSource)

// WithSourceLogger sets the logger for the file source.
func WithSourceLogger(logger observability.Logger) FileSourceOption {
	return func(s *FileSource) {
		s.logger = logger
	}
}

// NewFileSource creates a rules file source feeding the given store.
func NewFileSource(path string, store *Store, opts ...FileSourceOption) *FileSource {
	s := &FileSource{
		path:   path,
		store:  store,
		logger: observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Load reads and parses the rules file and atomically replaces the
// store's file-sourced rules. It returns the number of rules loaded.
func (s *FileSource) Load() (int, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return 0, fmt.Errorf("failed to read rules file %s: %w", s.path, err)
	}

	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return 0, fmt.Errorf("failed to parse rules file %s: %w", s.path, err)
	}

	count, err := s.store.ReplaceFileRules(f.Rules)
	if err != nil {
		return 0, fmt.Errorf("rules file %s rejected: %w", s.path, err)
	}

	return count, nil
}

// Start begins watching the rules file for changes. Each settled
// change re-runs Load; failures are logged and the previous rules stay
// active.
func (s *FileSource) Start(ctx context.Context) error {
	if s.watcher != nil {
		return nil
	}

	watcher, err := config.NewFileWatcher(s.path, func(string) {
		count, err := s.Load()
		if err != nil {
			s.logger.Error("rules file reload failed, keeping previous rules",
				observability.String("path", s.path),
				observability.Error(err),
			)
			return
		}
		s.logger.Info("rules file reloaded",
			observability.String("path", s.path),
			observability.Int("rules", count),
		)
	}, config.WithWatcherLogger(s.logger))
	if err != nil {
		return err
	}

	s.watcher = watcher
	return s.watcher.Start(ctx)
}

// Stop stops watching the rules file.
func (s *FileSource) Stop() error {
	if s.watcher == nil {
		return nil
	}
	return s.watcher.Stop()
}
