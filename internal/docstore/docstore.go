// Package docstore is the document-store abstraction the forge persists to.
//
// Documents live in named collections, are keyed by an opaque id and are
// serialised as JSON objects whose "_id" field mirrors the key. Backends
// enforce unique indexes declared with EnsureIndex and report violations as
// ErrDuplicate. Multi-document operations are not transactional; see Session
// for compensating rollback.
package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
)

var (
	ErrNotFound  = errors.New("docstore: not found")
	ErrDuplicate = errors.New("docstore: duplicate key")
	ErrInvalid   = errors.New("docstore: invalid argument")
)

// MaxDocumentSize mirrors the 16 MB BSON document ceiling. Callers that
// produce large batches (the batch indexer) split below this bound.
const MaxDocumentSize = 16 * 1024 * 1024

// Filter selects documents whose fields equal the given values. Keys may be
// dotted paths into nested objects.
type Filter map[string]any

// Index declares an index over one collection. Fields may be dotted paths.
type Index struct {
	Collection string
	Fields     []string
	Unique     bool
}

// Name returns a stable identifier for the index.
func (i Index) Name() string {
	parts := make([]string, 0, len(i.Fields)+1)
	parts = append(parts, i.Collection)
	for _, f := range i.Fields {
		parts = append(parts, strings.ReplaceAll(f, ".", "_"))
	}
	name := strings.Join(parts, "_")
	if i.Unique {
		name += "_uniq"
	}
	return name
}

// Document is anything persisted by id.
type Document interface {
	DocID() string
}

// Store is implemented by every backend.
type Store interface {
	EnsureIndex(ctx context.Context, idx Index) error
	// Insert creates a document, failing with ErrDuplicate if the id or a
	// unique index key is taken.
	Insert(ctx context.Context, coll, id string, doc any) error
	// Put replaces or creates the document stored under id.
	Put(ctx context.Context, coll, id string, doc any) error
	// Get decodes the document into out or returns ErrNotFound.
	Get(ctx context.Context, coll, id string, out any) error
	// Find decodes all matching documents, ordered by id, into out which
	// must be a pointer to a slice.
	Find(ctx context.Context, coll string, filter Filter, out any) error
	// Delete removes one document; ErrNotFound if absent.
	Delete(ctx context.Context, coll, id string) error
	// DeleteMatching removes all matching documents and reports how many.
	DeleteMatching(ctx context.Context, coll string, filter Filter) (int, error)
	// AppendWindow atomically drops values below floor from the numeric
	// array stored at field, appends value and returns the retained array.
	// The document is created when absent.
	AppendWindow(ctx context.Context, coll, id, field string, value, floor float64) ([]float64, error)
	// Set overwrites the given top-level fields of an existing document and
	// leaves the others untouched. ErrNotFound if absent.
	Set(ctx context.Context, coll, id string, fields map[string]any) error
	// Pull removes value from the array stored at field and reports whether
	// it was present, in one atomic step. A missing document reports false.
	Pull(ctx context.Context, coll, id, field string, value any) (bool, error)
	Ping(ctx context.Context) error
	Close() error
}

// Encode renders doc as a JSON object with "_id" set to id.
func Encode(id string, doc any) ([]byte, map[string]any, error) {
	if id == "" {
		return nil, nil, fmt.Errorf("%w: empty id", ErrInvalid)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, nil, fmt.Errorf("docstore: encode: %w", err)
	}
	fields := map[string]any{}
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, nil, fmt.Errorf("%w: document must be a JSON object", ErrInvalid)
	}
	fields["_id"] = id
	raw, err = json.Marshal(fields)
	if err != nil {
		return nil, nil, err
	}
	return raw, fields, nil
}

// CheckFields rejects partial updates that touch the id.
func CheckFields(fields map[string]any) error {
	if len(fields) == 0 {
		return fmt.Errorf("%w: no fields to set", ErrInvalid)
	}
	if _, ok := fields["_id"]; ok {
		return fmt.Errorf("%w: _id cannot be set", ErrInvalid)
	}
	return nil
}

// Normalize converts filter values into the shapes produced by decoding
// JSON so they compare equal with stored fields.
func Normalize(filter Filter) (map[string]any, error) {
	if len(filter) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(filter)
	if err != nil {
		return nil, err
	}
	out := map[string]any{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Lookup resolves a dotted path inside a decoded JSON object.
func Lookup(doc map[string]any, path string) (any, bool) {
	var cur any = doc
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Matches reports whether doc satisfies a normalized filter.
func Matches(doc map[string]any, filter map[string]any) bool {
	for path, want := range filter {
		got, ok := Lookup(doc, path)
		if !ok {
			if want == nil {
				continue
			}
			return false
		}
		if !reflect.DeepEqual(got, want) {
			return false
		}
	}
	return true
}

// Nest expands dotted keys into nested objects, as used for JSON containment.
func Nest(filter map[string]any) map[string]any {
	out := map[string]any{}
	keys := make([]string, 0, len(filter))
	for k := range filter {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts := strings.Split(k, ".")
		cur := out
		for _, p := range parts[:len(parts)-1] {
			next, ok := cur[p].(map[string]any)
			if !ok {
				next = map[string]any{}
				cur[p] = next
			}
			cur = next
		}
		cur[parts[len(parts)-1]] = filter[k]
	}
	return out
}

// IndexKey renders the unique-index key of a decoded document.
func IndexKey(doc map[string]any, fields []string) string {
	vals := make([]any, len(fields))
	for i, f := range fields {
		v, _ := Lookup(doc, f)
		vals[i] = v
	}
	raw, _ := json.Marshal(vals)
	return string(raw)
}

// DecodeList unmarshals a set of raw JSON documents into out (*[]T).
func DecodeList(docs [][]byte, out any) error {
	rv := reflect.ValueOf(out)
	if rv.Kind() != reflect.Pointer || rv.Elem().Kind() != reflect.Slice {
		return fmt.Errorf("%w: Find needs a pointer to a slice, got %T", ErrInvalid, out)
	}
	var buf strings.Builder
	buf.WriteByte('[')
	for i, d := range docs {
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.Write(d)
	}
	buf.WriteByte(']')
	return json.Unmarshal([]byte(buf.String()), out)
}

// Floats converts a decoded JSON array into float64 values.
func Floats(v any) []float64 {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]float64, 0, len(list))
	for _, item := range list {
		switch n := item.(type) {
		case float64:
			out = append(out, n)
		case int:
			out = append(out, float64(n))
		case int64:
			out = append(out, float64(n))
		}
	}
	return out
}
