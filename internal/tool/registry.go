package tool

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"allura.org/internal/bus"
	"allura.org/internal/docstore"
)

// Registry holds the available tools by name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: map[string]Tool{}}
}

var defaultRegistry = NewRegistry()

// Default returns the process-wide registry tools add themselves to.
func Default() *Registry { return defaultRegistry }

// Register adds t to the default registry. It panics on a duplicate name,
// as it is meant to be called from init.
func Register(t Tool) {
	if err := defaultRegistry.Register(t); err != nil {
		panic(err)
	}
}

// Register adds a tool.
func (r *Registry) Register(t Tool) error {
	name := strings.ToLower(t.Name())
	if name == "" {
		return fmt.Errorf("tool: empty name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.tools[name]; dup {
		return fmt.Errorf("tool: %q already registered", name)
	}
	r.tools[name] = t
	return nil
}

// Get returns a tool by case-insensitive name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[strings.ToLower(name)]
	return t, ok
}

// All returns every tool ordered by ordinal then name.
func (r *Registry) All() []Tool {
	r.mu.RLock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Info(), out[j].Info()
		if a.Ordinal != b.Ordinal {
			return a.Ordinal < b.Ordinal
		}
		return out[i].Name() < out[j].Name()
	})
	return out
}

// Installable returns the tools an admin may install, at least as mature
// as min.
func (r *Registry) Installable(min Status) []Tool {
	var out []Tool
	for _, t := range r.All() {
		info := t.Info()
		if info.Installable && info.Status.AtLeast(min) {
			out = append(out, t)
		}
	}
	return out
}

// WireBus registers the bus handlers of every subscribing tool.
func (r *Registry) WireBus(b *bus.Registry) error {
	for _, t := range r.All() {
		sub, ok := t.(Subscriber)
		if !ok {
			continue
		}
		for _, binding := range sub.Bindings() {
			binding.Tool = strings.ToLower(t.Name())
			if err := b.Register(binding); err != nil {
				return err
			}
		}
	}
	return nil
}

// IndexDeclarer is implemented by tools whose collections need indexes.
type IndexDeclarer interface {
	Indexes() []docstore.Index
}

// EnsureIndexes creates the indexes declared by every tool.
func (r *Registry) EnsureIndexes(ctx context.Context, store docstore.Store) error {
	for _, t := range r.All() {
		d, ok := t.(IndexDeclarer)
		if !ok {
			continue
		}
		for _, idx := range d.Indexes() {
			if err := store.EnsureIndex(ctx, idx); err != nil {
				return fmt.Errorf("tool %s: %w", t.Name(), err)
			}
		}
	}
	return nil
}
