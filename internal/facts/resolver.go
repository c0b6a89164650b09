// Package facts resolves container names to live network endpoints.
// It is the boundary between the routing core and whatever watches the
// container runtime; the core never talks to the runtime directly.
package facts

import (
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/ataiva-software/kontainers-sub000/internal/observability"
	"github.com/ataiva-software/kontainers-sub000/internal/util"
)

// Endpoint is a resolved container address and port.
type Endpoint struct {
	Address string
	Port    int
}

// HostPort returns the endpoint in address:port form.
func (e Endpoint) HostPort() string {
	return net.JoinHostPort(e.Address, strconv.Itoa(e.Port))
}

// Resolver resolves container names to endpoints.
type Resolver interface {
	// Resolve returns the container's endpoint on its primary port.
	Resolve(container string) (Endpoint, error)

	// ResolvePort returns the container's address paired with an
	// explicit port, for rules that target a specific container port.
	ResolvePort(container string, port int) (Endpoint, error)
}

// ChangeHook is notified with the container name after its facts
// change. Hooks run synchronously on the mutating goroutine.
type ChangeHook func(container string)

// TableResolver is a mutable in-memory facts table fed by an external
// watcher. Safe for concurrent use.
type TableResolver struct {
	mu     sync.RWMutex
	table  map[string]Endpoint
	hooks  []ChangeHook
	logger observability.Logger
}

// TableResolverOption is a functional option for the table resolver.
type TableResolverOption func(*TableResolver)

// WithResolverLogger sets the logger for the table resolver.
func WithResolverLogger(logger observability.Logger) TableResolverOption {
	return func(r *TableResolver) {
		r.logger = logger
	}
}

// NewTableResolver creates an empty facts table.
func NewTableResolver(opts ...TableResolverOption) *TableResolver {
	r := &TableResolver{
		table:  make(map[string]Endpoint),
		logger: observability.NopLogger(),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// OnChange registers a change hook.
func (r *TableResolver) OnChange(hook ChangeHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, hook)
}

// Resolve implements Resolver.
func (r *TableResolver) Resolve(container string) (Endpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ep, ok := r.table[container]
	if !ok {
		return Endpoint{}, fmt.Errorf("container %q: %w", container, util.ErrUnknownContainer)
	}
	return ep, nil
}

// ResolvePort implements Resolver.
func (r *TableResolver) ResolvePort(container string, port int) (Endpoint, error) {
	ep, err := r.Resolve(container)
	if err != nil {
		return Endpoint{}, err
	}
	ep.Port = port
	return ep, nil
}

// Set records or updates a container's endpoint. Hooks fire only when
// the endpoint actually changed.
func (r *TableResolver) Set(container string, ep Endpoint) {
	r.mu.Lock()
	prev, existed := r.table[container]
	if existed && prev == ep {
		r.mu.Unlock()
		return
	}
	r.table[container] = ep
	hooks := r.hooks
	r.mu.Unlock()

	r.logger.Debug("container facts updated",
		observability.String("container", container),
		observability.String("endpoint", ep.HostPort()),
	)

	fireHooks(hooks, container)
}

// Remove drops a container from the table.
func (r *TableResolver) Remove(container string) {
	r.mu.Lock()
	if _, existed := r.table[container]; !existed {
		r.mu.Unlock()
		return
	}
	delete(r.table, container)
	hooks := r.hooks
	r.mu.Unlock()

	r.logger.Debug("container facts removed",
		observability.String("container", container),
	)

	fireHooks(hooks, container)
}

// Replace swaps the whole table. Hooks fire once per container whose
// endpoint was added, removed or changed.
func (r *TableResolver) Replace(table map[string]Endpoint) {
	next := make(map[string]Endpoint, len(table))
	for name, ep := range table {
		next[name] = ep
	}

	r.mu.Lock()
	var changed []string
	for name, ep := range next {
		if prev, ok := r.table[name]; !ok || prev != ep {
			changed = append(changed, name)
		}
	}
	for name := range r.table {
		if _, ok := next[name]; !ok {
			changed = append(changed, name)
		}
	}
	r.table = next
	hooks := r.hooks
	r.mu.Unlock()

	if len(changed) > 0 {
		r.logger.Info("container facts replaced",
			observability.Int("containers", len(next)),
			observability.Int("changed", len(changed)),
		)
	}

	for _, name := range changed {
		fireHooks(hooks, name)
	}
}

// Len returns the number of known containers.
func (r *TableResolver) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.table)
}

func fireHooks(hooks []ChangeHook, container string) {
	for _, hook := range hooks {
		hook(container)
	}
}
