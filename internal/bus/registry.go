package bus

import (
	"context"
	"fmt"
	"sync"
)

// Handler processes one message. The context carries the restored request
// state (see reqctx).
type Handler func(ctx context.Context, msg Message) error

// Binding subscribes a handler to a routing-key pattern on one exchange.
// Tool is the tool name the handler belongs to, or "" for forge-level
// handlers.
type Binding struct {
	Exchange string
	Pattern  string
	Tool     string
	Name     string
	Handler  Handler
}

// Registry is the per-process routing table.
type Registry struct {
	mu       sync.RWMutex
	bindings []Binding
}

// NewRegistry returns an empty routing table.
func NewRegistry() *Registry { return &Registry{} }

// Register adds a binding. An audit pattern may be bound only once per tool.
func (r *Registry) Register(b Binding) error {
	if !validExchange(b.Exchange) {
		return fmt.Errorf("%w: %q", ErrUnknownExchange, b.Exchange)
	}
	if b.Pattern == "" || b.Handler == nil {
		return fmt.Errorf("bus: binding needs a pattern and handler")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if b.Exchange == Audit {
		for _, ex := range r.bindings {
			if ex.Exchange == Audit && ex.Tool == b.Tool && ex.Pattern == b.Pattern {
				return fmt.Errorf("bus: audit %q already bound for tool %q", b.Pattern, b.Tool)
			}
		}
	}
	if b.Name == "" {
		b.Name = b.Tool + ":" + b.Pattern
	}
	r.bindings = append(r.bindings, b)
	return nil
}

// MustRegister is Register that panics, for static wiring at startup.
func (r *Registry) MustRegister(bs ...Binding) {
	for _, b := range bs {
		if err := r.Register(b); err != nil {
			panic(err)
		}
	}
}

// AuditHandler returns the single audit consumer for tool and key. A
// binding of the tool wins over a forge-wide one (empty Tool).
func (r *Registry) AuditHandler(tool, key string) (Binding, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var global *Binding
	for i, b := range r.bindings {
		if b.Exchange != Audit || !Match(b.Pattern, key) {
			continue
		}
		if b.Tool == tool {
			return b, true
		}
		if b.Tool == "" && global == nil {
			global = &r.bindings[i]
		}
	}
	if global != nil {
		return *global, true
	}
	return Binding{}, false
}

// ReactHandlers returns every react binding matching key, in registration order.
func (r *Registry) ReactHandlers(key string) []Binding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Binding
	for _, b := range r.bindings {
		if b.Exchange == React && Match(b.Pattern, key) {
			out = append(out, b)
		}
	}
	return out
}

// Len reports the number of bindings.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bindings)
}
