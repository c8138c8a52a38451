package schedule

import (
	"fmt"
	"sort"
	"sync"
)

// Registry holds the current set of schedule definitions as an immutable
// snapshot. A reload builds a complete new set and swaps it in whole; dispatch
// iterations that already took a snapshot keep working against the old one.
// Tick history continuity across swaps is by schedule name, not identity.
type Registry struct {
	mu    sync.RWMutex
	byName map[string]Definition
	order []string
}

// NewRegistry validates and registers the given definitions.
func NewRegistry(defs ...Definition) (*Registry, error) {
	r := &Registry{byName: map[string]Definition{}}
	if err := r.Replace(defs); err != nil {
		return nil, err
	}
	return r, nil
}

// Replace atomically swaps the full definition set. On validation error the
// previous set stays in place untouched.
func (r *Registry) Replace(defs []Definition) error {
	byName := make(map[string]Definition, len(defs))
	order := make([]string, 0, len(defs))
	for _, d := range defs {
		if err := d.Validate(); err != nil {
			return err
		}
		if _, dup := byName[d.Name]; dup {
			return fmt.Errorf("duplicate schedule name %q", d.Name)
		}
		byName[d.Name] = d
		order = append(order, d.Name)
	}
	sort.Strings(order)

	r.mu.Lock()
	r.byName = byName
	r.order = order
	r.mu.Unlock()
	return nil
}

// Get returns the definition registered under name.
func (r *Registry) Get(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byName[name]
	return d, ok
}

// Snapshot returns the current definitions, sorted by name. The returned
// slice is the caller's to keep; later swaps do not affect it.
func (r *Registry) Snapshot() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Definition, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}

// Len returns the number of registered schedules.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byName)
}
