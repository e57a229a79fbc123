package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// Duplicate is returned by Add when a plugin name is already registered.
var Duplicate = errors.New("registry: plugin already registered")

// NotFound is returned by Get for an unknown name.
var NotFound = errors.New("registry: plugin not found")

// Registry owns one plugin-type's set of running plugins (input,
// analysis, or output each get their own instance). list_lock —
// Registry.mu — protects membership only; callers never hold it across
// a plugin call (Process/Timer/Stop).
type Registry struct {
	mu      sync.Mutex
	plugins map[string]*Plugin
}

func New() *Registry {
	return &Registry{plugins: make(map[string]*Plugin)}
}

// Add registers p under its name. It takes the list lock briefly.
func (r *Registry) Add(p *Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.plugins[p.Name]; exists {
		return fmt.Errorf("%w: %s", Duplicate, p.Name)
	}
	r.plugins[p.Name] = p
	return nil
}

// Remove detaches a plugin by name under the list lock. It is a no-op
// (not an error) if the plugin is already gone, since shutdown and
// self-detach can race benignly.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.plugins, name)
}

// Get looks up a plugin by name.
func (r *Registry) Get(name string) (*Plugin, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.plugins[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", NotFound, name)
	}
	return p, nil
}

// Snapshot returns a stable, name-sorted copy of the currently
// registered plugins. Callers iterate the copy, never the live map, so
// a long-running iteration never holds the list lock.
func (r *Registry) Snapshot() []*Plugin {
	r.mu.Lock()
	out := make([]*Plugin, 0, len(r.plugins))
	for _, p := range r.plugins {
		out = append(out, p)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Len reports the number of registered plugins.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.plugins)
}

// PartitionHash deterministically assigns a plugin name to one of n
// analysis worker threads, per §4.H's "(plugin_hash) mod N". n must be
// positive.
func PartitionHash(name string, n int) int {
	if n <= 0 {
		return 0
	}
	return int(xxhash.Sum64String(name) % uint64(n))
}
