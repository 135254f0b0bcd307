package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// Op classifies a tracked write.
type Op int

const (
	OpInsert Op = iota
	OpUpdate
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	}
	return "unknown"
}

// Change is one write recorded by a Session.
type Change struct {
	Op         Op
	Collection string
	Doc        Document
}

// Extension observes the changes of a Session each time it flushes.
type Extension interface {
	AfterFlush(ctx context.Context, changes []Change) error
}

// Session is a unit of work over a Store. Writes go through immediately but
// are recorded so that Rollback can compensate them and extensions can react
// to them on Flush.
type Session struct {
	store Store
	exts  []Extension

	mu      sync.Mutex
	pending []Change
	undo    []func(context.Context) error
}

// NewSession starts a unit of work.
func NewSession(store Store, exts ...Extension) *Session {
	return &Session{store: store, exts: exts}
}

// Store exposes the underlying store for reads.
func (s *Session) Store() Store { return s.store }

// Insert creates doc in coll.
func (s *Session) Insert(ctx context.Context, coll string, doc Document) error {
	id := doc.DocID()
	if err := s.store.Insert(ctx, coll, id, doc); err != nil {
		return err
	}
	s.record(Change{Op: OpInsert, Collection: coll, Doc: doc}, func(ctx context.Context) error {
		return ignoreNotFound(s.store.Delete(ctx, coll, id))
	})
	return nil
}

// Save creates or replaces doc in coll.
func (s *Session) Save(ctx context.Context, coll string, doc Document) error {
	id := doc.DocID()
	var prev json.RawMessage
	err := s.store.Get(ctx, coll, id, &prev)
	existed := err == nil
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if err := s.store.Put(ctx, coll, id, doc); err != nil {
		return err
	}
	op := OpInsert
	undo := func(ctx context.Context) error {
		return ignoreNotFound(s.store.Delete(ctx, coll, id))
	}
	if existed {
		op = OpUpdate
		undo = func(ctx context.Context) error {
			return s.store.Put(ctx, coll, id, prev)
		}
	}
	s.record(Change{Op: op, Collection: coll, Doc: doc}, undo)
	return nil
}

// Remove deletes doc from coll.
func (s *Session) Remove(ctx context.Context, coll string, doc Document) error {
	id := doc.DocID()
	var prev json.RawMessage
	if err := s.store.Get(ctx, coll, id, &prev); err != nil {
		return err
	}
	if err := s.store.Delete(ctx, coll, id); err != nil {
		return err
	}
	s.record(Change{Op: OpDelete, Collection: coll, Doc: doc}, func(ctx context.Context) error {
		return s.store.Put(ctx, coll, id, prev)
	})
	return nil
}

func (s *Session) record(c Change, undo func(context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, c)
	s.undo = append(s.undo, undo)
}

// Pending returns the changes not yet flushed.
func (s *Session) Pending() []Change {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Change, len(s.pending))
	copy(out, s.pending)
	return out
}

// Flush hands pending changes to every extension and clears them.
func (s *Session) Flush(ctx context.Context) error {
	s.mu.Lock()
	changes := s.pending
	s.pending = nil
	s.mu.Unlock()
	if len(changes) == 0 {
		return nil
	}
	for _, ext := range s.exts {
		if err := ext.AfterFlush(ctx, changes); err != nil {
			return err
		}
	}
	return nil
}

// Commit flushes and forgets the compensation log.
func (s *Session) Commit(ctx context.Context) error {
	if err := s.Flush(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	s.undo = nil
	s.mu.Unlock()
	return nil
}

// Rollback reverts every write made since the last Commit, newest first,
// and discards unflushed changes.
func (s *Session) Rollback(ctx context.Context) error {
	s.mu.Lock()
	undo := s.undo
	s.undo = nil
	s.pending = nil
	s.mu.Unlock()
	var errs []error
	for i := len(undo) - 1; i >= 0; i-- {
		if err := undo[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Mark returns a savepoint for RollbackTo.
func (s *Session) Mark() Savepoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Savepoint{undo: len(s.undo), pending: len(s.pending)}
}

// Savepoint records the position of a session's logs.
type Savepoint struct {
	undo    int
	pending int
}

// RollbackTo reverts the writes made after sp, newest first, and drops the
// matching unflushed changes. Earlier writes are kept.
func (s *Session) RollbackTo(ctx context.Context, sp Savepoint) error {
	s.mu.Lock()
	var undo []func(context.Context) error
	if sp.undo < len(s.undo) {
		undo = s.undo[sp.undo:]
		s.undo = s.undo[:sp.undo]
	}
	if sp.pending < len(s.pending) {
		s.pending = s.pending[:sp.pending]
	}
	s.mu.Unlock()
	var errs []error
	for i := len(undo) - 1; i >= 0; i-- {
		if err := undo[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func ignoreNotFound(err error) error {
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}
