// Package reqctx carries per-request state (caller, project, tool, unit of
// work and deferred side effects) through a context.Context.
package reqctx

import (
	"context"
	"errors"
	"sync"

	"allura.org/internal/docstore"
	"allura.org/internal/model"
	"allura.org/internal/obs"
	"allura.org/internal/security"
)

// State is the request-scoped context.
type State struct {
	Subject      security.Subject
	Neighborhood *model.Neighborhood
	Project      *model.Project
	App          *model.AppConfig
	Session      *docstore.Session
	Roles        *security.RoleCache

	mu       sync.Mutex
	deferred []func(context.Context) error
}

// ProjectID returns the current project id or "".
func (s *State) ProjectID() string {
	if s == nil || s.Project == nil {
		return ""
	}
	return s.Project.ID
}

// AppID returns the current tool installation id or "".
func (s *State) AppID() string {
	if s == nil || s.App == nil {
		return ""
	}
	return s.App.ID
}

// MountPoint returns the current tool mount point or "".
func (s *State) MountPoint() string {
	if s == nil || s.App == nil {
		return ""
	}
	return s.App.Options.MountPoint()
}

type stateKey struct{}

// From returns the state attached to ctx, or nil.
func From(ctx context.Context) *State {
	s, _ := ctx.Value(stateKey{}).(*State)
	return s
}

// With attaches state to ctx along with its role cache.
func With(ctx context.Context, s *State) context.Context {
	if s.Roles == nil {
		s.Roles = security.NewRoleCache()
	}
	ctx = security.WithRoleCache(ctx, s.Roles)
	return context.WithValue(ctx, stateKey{}, s)
}

// Subject returns the caller of ctx; anonymous without state.
func Subject(ctx context.Context) security.Subject {
	if s := From(ctx); s != nil {
		return s.Subject
	}
	return security.Subject{}
}

// ErrNoScope is returned by Defer outside a Scope.
var ErrNoScope = errors.New("reqctx: no active scope")

// Defer queues fn to run after the scope commits. Deferred work is
// discarded if the scope rolls back.
func Defer(ctx context.Context, fn func(context.Context) error) error {
	s := From(ctx)
	if s == nil || s.Session == nil {
		return ErrNoScope
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deferred = append(s.deferred, fn)
	return nil
}

// Pending reports how many deferred calls are queued.
func (s *State) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deferred)
}

func (s *State) drain() []func(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.deferred
	s.deferred = nil
	return out
}

// Scope is one unit of work bound to a request. Always Release it.
type Scope struct {
	state *State
	done  bool
}

// Begin opens a scope on store. The returned context carries the state;
// exts observe the session's flushed changes.
func Begin(ctx context.Context, store docstore.Store, state *State, exts ...docstore.Extension) (*Scope, context.Context) {
	if state == nil {
		state = &State{}
	}
	state.Session = docstore.NewSession(store, exts...)
	return &Scope{state: state}, With(ctx, state)
}

// State returns the scope's state.
func (sc *Scope) State() *State { return sc.state }

// Commit flushes the session then runs deferred work in order. If the
// flush fails the scope is rolled back and nothing deferred runs.
func (sc *Scope) Commit(ctx context.Context) error {
	if sc.done {
		return nil
	}
	sc.done = true
	if err := sc.state.Session.Commit(ctx); err != nil {
		sc.state.drain()
		if rbErr := sc.state.Session.Rollback(ctx); rbErr != nil {
			return errors.Join(err, rbErr)
		}
		return err
	}
	var errs []error
	for _, fn := range sc.state.drain() {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Release rolls back an uncommitted scope. It is safe to call after Commit.
func (sc *Scope) Release(ctx context.Context) {
	if sc.done {
		return
	}
	sc.done = true
	dropped := len(sc.state.drain())
	if err := sc.state.Session.Rollback(ctx); err != nil {
		log := obs.Component("reqctx")
		log.Error().Err(err).Int("dropped_deferred", dropped).Msg("rollback failed")
	}
}
