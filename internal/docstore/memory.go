package docstore

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"
)

var _ Store = (*Memory)(nil)

// Memory is an in-process Store used by tests and single-process setups.
type Memory struct {
	mu      sync.RWMutex
	colls   map[string]map[string]memDoc
	indexes map[string][]Index
}

type memDoc struct {
	raw    []byte
	fields map[string]any
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{
		colls:   make(map[string]map[string]memDoc),
		indexes: make(map[string][]Index),
	}
}

func (m *Memory) EnsureIndex(ctx context.Context, idx Index) error {
	if idx.Collection == "" || len(idx.Fields) == 0 {
		return fmt.Errorf("%w: index needs a collection and fields", ErrInvalid)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.indexes[idx.Collection] {
		if existing.Name() == idx.Name() {
			return nil
		}
	}
	if idx.Unique {
		seen := map[string]struct{}{}
		for _, d := range m.colls[idx.Collection] {
			key := IndexKey(d.fields, idx.Fields)
			if _, dup := seen[key]; dup {
				return fmt.Errorf("%w: existing documents violate %s", ErrDuplicate, idx.Name())
			}
			seen[key] = struct{}{}
		}
	}
	m.indexes[idx.Collection] = append(m.indexes[idx.Collection], idx)
	return nil
}

// violates reports whether fields collide with another document on a unique index.
func (m *Memory) violates(coll, id string, fields map[string]any) bool {
	for _, idx := range m.indexes[coll] {
		if !idx.Unique {
			continue
		}
		key := IndexKey(fields, idx.Fields)
		for otherID, d := range m.colls[coll] {
			if otherID == id {
				continue
			}
			if IndexKey(d.fields, idx.Fields) == key {
				return true
			}
		}
	}
	return false
}

func (m *Memory) Insert(ctx context.Context, coll, id string, doc any) error {
	raw, fields, err := Encode(id, doc)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	docs := m.collection(coll)
	if _, exists := docs[id]; exists {
		return ErrDuplicate
	}
	if m.violates(coll, id, fields) {
		return ErrDuplicate
	}
	docs[id] = memDoc{raw: raw, fields: fields}
	return nil
}

func (m *Memory) Put(ctx context.Context, coll, id string, doc any) error {
	raw, fields, err := Encode(id, doc)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.violates(coll, id, fields) {
		return ErrDuplicate
	}
	m.collection(coll)[id] = memDoc{raw: raw, fields: fields}
	return nil
}

func (m *Memory) Get(ctx context.Context, coll, id string, out any) error {
	m.mu.RLock()
	d, ok := m.colls[coll][id]
	m.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	return json.Unmarshal(d.raw, out)
}

func (m *Memory) Find(ctx context.Context, coll string, filter Filter, out any) error {
	norm, err := Normalize(filter)
	if err != nil {
		return err
	}
	m.mu.RLock()
	ids := make([]string, 0, len(m.colls[coll]))
	for id, d := range m.colls[coll] {
		if Matches(d.fields, norm) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	docs := make([][]byte, 0, len(ids))
	for _, id := range ids {
		docs = append(docs, m.colls[coll][id].raw)
	}
	m.mu.RUnlock()
	return DecodeList(docs, out)
}

func (m *Memory) Delete(ctx context.Context, coll, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.colls[coll][id]; !ok {
		return ErrNotFound
	}
	delete(m.colls[coll], id)
	return nil
}

func (m *Memory) DeleteMatching(ctx context.Context, coll string, filter Filter) (int, error) {
	norm, err := Normalize(filter)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, d := range m.colls[coll] {
		if Matches(d.fields, norm) {
			delete(m.colls[coll], id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) AppendWindow(ctx context.Context, coll, id, field string, value, floor float64) ([]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	docs := m.collection(coll)
	d, ok := docs[id]
	if !ok {
		d = memDoc{fields: map[string]any{"_id": id}}
	}
	var kept []any
	for _, v := range Floats(d.fields[field]) {
		if v >= floor {
			kept = append(kept, v)
		}
	}
	kept = append(kept, value)
	d.fields[field] = kept
	raw, err := json.Marshal(d.fields)
	if err != nil {
		return nil, err
	}
	d.raw = raw
	docs[id] = d
	return Floats(kept), nil
}

func (m *Memory) Set(ctx context.Context, coll, id string, fields map[string]any) error {
	if err := CheckFields(fields); err != nil {
		return err
	}
	norm, err := Normalize(Filter(fields))
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.colls[coll][id]
	if !ok {
		return ErrNotFound
	}
	next := make(map[string]any, len(d.fields)+len(norm))
	for k, v := range d.fields {
		next[k] = v
	}
	for k, v := range norm {
		next[k] = v
	}
	if m.violates(coll, id, next) {
		return ErrDuplicate
	}
	raw, err := json.Marshal(next)
	if err != nil {
		return err
	}
	m.colls[coll][id] = memDoc{raw: raw, fields: next}
	return nil
}

func (m *Memory) Pull(ctx context.Context, coll, id, field string, value any) (bool, error) {
	norm, err := Normalize(Filter{"v": value})
	if err != nil {
		return false, err
	}
	want := norm["v"]
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.colls[coll][id]
	if !ok {
		return false, nil
	}
	list, _ := d.fields[field].([]any)
	kept := make([]any, 0, len(list))
	for _, v := range list {
		if !reflect.DeepEqual(v, want) {
			kept = append(kept, v)
		}
	}
	if len(kept) == len(list) {
		return false, nil
	}
	next := make(map[string]any, len(d.fields))
	for k, v := range d.fields {
		next[k] = v
	}
	next[field] = kept
	raw, err := json.Marshal(next)
	if err != nil {
		return false, err
	}
	m.colls[coll][id] = memDoc{raw: raw, fields: next}
	return true, nil
}

func (m *Memory) Ping(ctx context.Context) error { return nil }

func (m *Memory) Close() error { return nil }

// Count reports the number of documents in a collection.
func (m *Memory) Count(coll string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.colls[coll])
}

func (m *Memory) collection(coll string) map[string]memDoc {
	docs, ok := m.colls[coll]
	if !ok {
		docs = make(map[string]memDoc)
		m.colls[coll] = docs
	}
	return docs
}
