package gamma

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Registry maps configured names to backends.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

// NewRegistry creates a registry holding the given backends.
func NewRegistry(backends ...Backend) *Registry {
	r := &Registry{backends: make(map[string]Backend)}
	for _, b := range backends {
		r.Register(b)
	}
	return r
}

// Register adds or replaces a backend under its Name.
func (r *Registry) Register(b Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backends[b.Name()] = b
}

// Get returns the backend registered under name.
func (r *Registry) Get(name string) (Backend, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[name]
	return b, ok
}

// Names lists registered backends in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.backends))
	for name := range r.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open looks up name and opens it. Unknown names and open failures both
// match ErrBackendUnavailable.
func (r *Registry) Open(ctx context.Context, name, selector string) (Session, error) {
	b, ok := r.Get(name)
	if !ok {
		return nil, Unavailable(name, fmt.Errorf("unknown backend (have %v)", r.Names()))
	}
	return b.Open(ctx, selector)
}
