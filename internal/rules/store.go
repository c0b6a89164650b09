package rules

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/ataiva-software/kontainers-sub000/internal/observability"
	"github.com/ataiva-software/kontainers-sub000/internal/util"
)

// ChangeListener is notified with the new store revision after every
// successful mutation. Listeners run synchronously on the mutating
// goroutine, outside the store lock.
type ChangeListener func(revision uint64)

// Store is the owned in-memory rule table. All reads return deep
// copies so callers can never alias store state. Every mutation
// validates first, bumps the revision and notifies change listeners;
// the revision drives recompilation downstream.
type Store struct {
	mu        sync.RWMutex
	rules     map[string]*Rule
	fromFile  map[string]bool
	revision  uint64
	listeners []ChangeListener
	logger    observability.Logger
	clock     util.Clock
}

// StoreOption is a functional option for configuring the store.
type StoreOption func(*Store)

// WithStoreLogger sets the logger for the store.
func WithStoreLogger(logger observability.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithStoreClock sets the clock used for rule timestamps.
func WithStoreClock(clock util.Clock) StoreOption {
	return func(s *Store) {
		s.clock = clock
	}
}

// NewStore creates an empty rule store.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		rules:    make(map[string]*Rule),
		fromFile: make(map[string]bool),
		logger:   observability.NopLogger(),
		clock:    util.RealClock{},
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// OnChange registers a change listener.
func (s *Store) OnChange(l ChangeListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Revision returns the current store revision. The revision starts at
// zero and increases by one per mutation.
func (s *Store) Revision() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revision
}

// Len returns the number of stored rules.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rules)
}

// Add validates and inserts a new rule. A missing ID is assigned.
// Invalid rules are rejected with the full issue list.
func (s *Store) Add(rule *Rule) (*Rule, error) {
	if rule == nil {
		return nil, fmt.Errorf("rule is nil: %w", util.ErrInvalidInput)
	}

	r := rule.Clone()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	now := s.clock.Now()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	s.mu.Lock()
	if _, exists := s.rules[r.ID]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("rule %q already exists: %w", r.ID, util.ErrInvalidInput)
	}

	if res := Validate(r, s.listLocked()); !res.Valid {
		s.mu.Unlock()
		return nil, util.NewValidationIssues(r.Name, res.Issues)
	}

	s.rules[r.ID] = r
	rev := s.bumpLocked()
	listeners := s.listeners
	s.mu.Unlock()

	s.logger.Info("rule added",
		observability.String("rule", r.Name),
		observability.String("id", r.ID),
		observability.Uint64("revision", rev),
	)

	notify(listeners, rev)
	return r.Clone(), nil
}

// Update validates and replaces an existing rule by ID. CreatedAt and
// file provenance are preserved.
func (s *Store) Update(rule *Rule) (*Rule, error) {
	if rule == nil {
		return nil, fmt.Errorf("rule is nil: %w", util.ErrInvalidInput)
	}

	r := rule.Clone()

	s.mu.Lock()
	prev, exists := s.rules[r.ID]
	if !exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("rule %q: %w", r.ID, util.ErrNotFound)
	}

	r.CreatedAt = prev.CreatedAt
	r.UpdatedAt = s.clock.Now()

	if res := Validate(r, s.listLocked()); !res.Valid {
		s.mu.Unlock()
		return nil, util.NewValidationIssues(r.Name, res.Issues)
	}

	s.rules[r.ID] = r
	rev := s.bumpLocked()
	listeners := s.listeners
	s.mu.Unlock()

	s.logger.Info("rule updated",
		observability.String("rule", r.Name),
		observability.String("id", r.ID),
		observability.Uint64("revision", rev),
	)

	notify(listeners, rev)
	return r.Clone(), nil
}

// Remove deletes a rule by ID.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	r, exists := s.rules[id]
	if !exists {
		s.mu.Unlock()
		return fmt.Errorf("rule %q: %w", id, util.ErrNotFound)
	}

	delete(s.rules, id)
	delete(s.fromFile, id)
	rev := s.bumpLocked()
	listeners := s.listeners
	s.mu.Unlock()

	s.logger.Info("rule removed",
		observability.String("rule", r.Name),
		observability.String("id", id),
		observability.Uint64("revision", rev),
	)

	notify(listeners, rev)
	return nil
}

// Get returns a copy of the rule with the given ID.
func (s *Store) Get(id string) (*Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, exists := s.rules[id]
	if !exists {
		return nil, fmt.Errorf("rule %q: %w", id, util.ErrNotFound)
	}
	return r.Clone(), nil
}

// List returns copies of all rules ordered by creation time, ties
// broken by ID, so iteration order is deterministic.
func (s *Store) List() []*Rule {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Rule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, r.Clone())
	}
	sortRules(out)
	return out
}

// SetEnabled toggles a rule. Enabling re-validates so a rule cannot be
// enabled into a route collision.
func (s *Store) SetEnabled(id string, enabled bool) (*Rule, error) {
	s.mu.Lock()
	prev, exists := s.rules[id]
	if !exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("rule %q: %w", id, util.ErrNotFound)
	}

	if prev.Enabled == enabled {
		r := prev.Clone()
		s.mu.Unlock()
		return r, nil
	}

	r := prev.Clone()
	r.Enabled = enabled
	r.UpdatedAt = s.clock.Now()

	if res := Validate(r, s.listLocked()); !res.Valid {
		s.mu.Unlock()
		return nil, util.NewValidationIssues(r.Name, res.Issues)
	}

	s.rules[id] = r
	rev := s.bumpLocked()
	listeners := s.listeners
	s.mu.Unlock()

	s.logger.Info("rule toggled",
		observability.String("rule", r.Name),
		observability.String("id", id),
		observability.Bool("enabled", enabled),
		observability.Uint64("revision", rev),
	)

	notify(listeners, rev)
	return r.Clone(), nil
}

// ReplaceFileRules atomically replaces the file-sourced subset of the
// store with the given rules. Manually added rules are untouched. All
// incoming rules are validated against the candidate result first; any
// invalid rule or duplicate ID rejects the whole batch and the store
// keeps its current contents. Creation times of re-loaded rules are
// preserved by ID,
// then by name, so compile ordering stays stable across file reloads.
func (s *Store) ReplaceFileRules(incoming []*Rule) (int, error) {
	now := s.clock.Now()

	s.mu.Lock()

	prevByID := make(map[string]*Rule)
	prevByName := make(map[string]*Rule)
	for id := range s.fromFile {
		if r, ok := s.rules[id]; ok {
			prevByID[id] = r
			prevByName[r.Name] = r
		}
	}

	var errs []error
	seen := make(map[string]bool, len(incoming))
	candidate := make([]*Rule, 0, len(incoming))
	for _, in := range incoming {
		if in == nil {
			continue
		}
		r := in.Clone()
		if r.ID == "" {
			if prev, ok := prevByName[r.Name]; ok {
				r.ID = prev.ID
			} else {
				r.ID = uuid.NewString()
			}
		}
		if seen[r.ID] {
			errs = append(errs, fmt.Errorf("duplicate rule ID %s in batch: %w", r.ID, util.ErrInvalidInput))
			continue
		}
		seen[r.ID] = true
		if prev, ok := prevByID[r.ID]; ok && r.CreatedAt.IsZero() {
			r.CreatedAt = prev.CreatedAt
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
		r.UpdatedAt = now
		candidate = append(candidate, r)
	}

	manual := make([]*Rule, 0, len(s.rules))
	for id, r := range s.rules {
		if !s.fromFile[id] {
			manual = append(manual, r)
		}
	}

	full := append(append([]*Rule(nil), manual...), candidate...)

	for _, r := range candidate {
		if res := Validate(r, full); !res.Valid {
			errs = append(errs, util.NewValidationIssues(r.Name, res.Issues))
		}
	}
	if len(errs) > 0 {
		s.mu.Unlock()
		return 0, errors.Join(errs...)
	}

	for id := range s.fromFile {
		delete(s.rules, id)
	}
	s.fromFile = make(map[string]bool, len(candidate))
	for _, r := range candidate {
		s.rules[r.ID] = r
		s.fromFile[r.ID] = true
	}

	rev := s.bumpLocked()
	listeners := s.listeners
	count := len(candidate)
	s.mu.Unlock()

	s.logger.Info("file rules replaced",
		observability.Int("count", count),
		observability.Uint64("revision", rev),
	)

	notify(listeners, rev)
	return count, nil
}

// listLocked returns the raw rule slice. Caller must hold at least a
// read lock; the result must not escape the lock scope.
func (s *Store) listLocked() []*Rule {
	out := make([]*Rule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, r)
	}
	return out
}

func (s *Store) bumpLocked() uint64 {
	s.revision++
	return s.revision
}

func notify(listeners []ChangeListener, rev uint64) {
	for _, l := range listeners {
		l(rev)
	}
}

func sortRules(rules []*Rule) {
	sort.Slice(rules, func(i, j int) bool {
		if !rules[i].CreatedAt.Equal(rules[j].CreatedAt) {
			return rules[i].CreatedAt.Before(rules[j].CreatedAt)
		}
		return rules[i].ID < rules[j].ID
	})
}
