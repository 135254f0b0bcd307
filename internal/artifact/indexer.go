package artifact

import (
	"context"
	"errors"
	"sync"

	"allura.org/internal/bus"
	"allura.org/internal/docstore"
)

// Poster publishes index tasks and events.
type Poster interface {
	Audit(ctx context.Context, key string, payload any) error
	React(ctx context.Context, key string, payload any) error
}

type changeSet struct {
	order   []string
	adds    map[string]Entry
	dels    map[string]struct{}
	created map[string]struct{}
}

func newChangeSet() *changeSet {
	return &changeSet{adds: map[string]Entry{}, dels: map[string]struct{}{}, created: map[string]struct{}{}}
}

// add folds one flush into the set; the last operation on an id wins.
func (cs *changeSet) add(changes []docstore.Change) {
	for _, c := range changes {
		doc, ok := c.Doc.(Indexable)
		if !ok {
			continue
		}
		id := doc.DocID()
		if _, seen := cs.adds[id]; !seen {
			if _, seen := cs.dels[id]; !seen {
				cs.order = append(cs.order, id)
			}
		}
		if c.Op == docstore.OpDelete {
			delete(cs.adds, id)
			delete(cs.created, id)
			cs.dels[id] = struct{}{}
			continue
		}
		if !doc.ShouldUpdateIndex() {
			continue
		}
		delete(cs.dels, id)
		cs.adds[id] = Entry{Collection: c.Collection, Doc: doc}
		if c.Op == docstore.OpInsert {
			cs.created[id] = struct{}{}
		}
	}
}

func (cs *changeSet) split() (adds []Entry, addIDs, delIDs []string) {
	for _, id := range cs.order {
		if e, ok := cs.adds[id]; ok {
			adds = append(adds, e)
			addIDs = append(addIDs, id)
		} else if _, ok := cs.dels[id]; ok {
			delIDs = append(delIDs, id)
		}
	}
	return adds, addIDs, delIDs
}

// Indexer is a session extension that refreshes the derived indices of
// every flushed artifact and posts add_artifacts / del_artifacts tasks.
type Indexer struct {
	reg    *Registry
	poster Poster
}

// NewIndexer builds the per-flush indexer.
func NewIndexer(reg *Registry, poster Poster) *Indexer {
	return &Indexer{reg: reg, poster: poster}
}

func (ix *Indexer) apply(ctx context.Context, cs *changeSet) (addIDs, delIDs []string, err error) {
	adds, addIDs, delIDs := cs.split()
	if err := ix.reg.Unindex(ctx, delIDs...); err != nil {
		return nil, nil, err
	}
	if err := ix.reg.Index(ctx, adds...); err != nil {
		return nil, nil, err
	}
	for _, e := range adds {
		if _, ok := cs.created[e.Doc.DocID()]; !ok {
			continue
		}
		ev := Created{ArtifactID: e.Doc.DocID(), Collection: e.Collection}
		if t, ok := e.Doc.(Titled); ok {
			ev.Title = t.Title()
		}
		if l, ok := e.Doc.(Linkable); ok {
			ev.Shortlink = l.ShortlinkText()
		}
		if err := ix.poster.React(ctx, bus.KeyArtifactAdded, ev); err != nil {
			return nil, nil, err
		}
	}
	return addIDs, delIDs, nil
}

// AfterFlush implements docstore.Extension.
func (ix *Indexer) AfterFlush(ctx context.Context, changes []docstore.Change) error {
	cs := newChangeSet()
	cs.add(changes)
	addIDs, delIDs, err := ix.apply(ctx, cs)
	if err != nil {
		return err
	}
	if len(delIDs) > 0 {
		if err := ix.poster.Audit(ctx, KeyDelArtifacts, Task{ArtifactIDs: delIDs}); err != nil {
			return err
		}
	}
	if len(addIDs) > 0 {
		if err := ix.poster.Audit(ctx, KeyAddArtifacts, Task{ArtifactIDs: addIDs}); err != nil {
			return err
		}
	}
	return nil
}

// BatchIndexer refreshes indices on every flush like Indexer but holds the
// tasks back, posting them in large chunks on Flush.
type BatchIndexer struct {
	ix *Indexer

	mu   sync.Mutex
	adds []string
	dels []string
	pos  map[string]bool // id -> last op was add
}

// NewBatchIndexer builds a batching indexer.
func NewBatchIndexer(reg *Registry, poster Poster) *BatchIndexer {
	return &BatchIndexer{ix: NewIndexer(reg, poster), pos: map[string]bool{}}
}

// AfterFlush implements docstore.Extension.
func (b *BatchIndexer) AfterFlush(ctx context.Context, changes []docstore.Change) error {
	cs := newChangeSet()
	cs.add(changes)
	addIDs, delIDs, err := b.ix.apply(ctx, cs)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, id := range delIDs {
		if _, seen := b.pos[id]; !seen {
			b.dels = append(b.dels, id)
		}
		b.pos[id] = false
	}
	for _, id := range addIDs {
		if _, seen := b.pos[id]; !seen {
			b.adds = append(b.adds, id)
		}
		b.pos[id] = true
	}
	return nil
}

// Pending reports the ids waiting to be posted.
func (b *BatchIndexer) Pending() (adds, dels int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, isAdd := range b.pos {
		if isAdd {
			adds++
		} else {
			dels++
		}
	}
	return adds, dels
}

// Flush posts every accumulated delete, then every add. An id deleted
// after being added is only deleted, and the other way round.
func (b *BatchIndexer) Flush(ctx context.Context) error {
	b.mu.Lock()
	var adds, dels []string
	seen := map[string]struct{}{}
	for _, id := range append(append([]string{}, b.dels...), b.adds...) {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if b.pos[id] {
			adds = append(adds, id)
		} else {
			dels = append(dels, id)
		}
	}
	b.adds, b.dels, b.pos = nil, nil, map[string]bool{}
	b.mu.Unlock()

	if err := b.post(ctx, KeyDelArtifacts, dels); err != nil {
		return err
	}
	return b.post(ctx, KeyAddArtifacts, adds)
}

// post sends ids in one task, bisecting whenever the task is too large.
func (b *BatchIndexer) post(ctx context.Context, key string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	err := b.ix.poster.Audit(ctx, key, Task{ArtifactIDs: ids})
	if errors.Is(err, bus.ErrTooLarge) && len(ids) > 1 {
		mid := len(ids) / 2
		if err := b.post(ctx, key, ids[:mid]); err != nil {
			return err
		}
		return b.post(ctx, key, ids[mid:])
	}
	return err
}
