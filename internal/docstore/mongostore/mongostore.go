// Package mongostore keeps forge documents in MongoDB, one collection per kind.
package mongostore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/juju/mgo/v3"
	"github.com/juju/mgo/v3/bson"

	"allura.org/internal/docstore"
)

var _ docstore.Store = (*Store)(nil)

// Store implements docstore.Store over an mgo session. Each call copies the
// root session so sockets are returned to the pool promptly.
type Store struct {
	root *mgo.Session
	db   string
}

// Dial connects to the given MongoDB URL.
func Dial(url, database string, timeout time.Duration) (*Store, error) {
	session, err := mgo.DialWithTimeout(url, timeout)
	if err != nil {
		return nil, err
	}
	session.SetMode(mgo.Strong, true)
	session.SetSocketTimeout(timeout)
	return &Store{root: session, db: database}, nil
}

func (s *Store) with(coll string, fn func(c *mgo.Collection) error) error {
	session := s.root.Copy()
	defer session.Close()
	return fn(session.DB(s.db).C(coll))
}

func (s *Store) EnsureIndex(ctx context.Context, idx docstore.Index) error {
	return s.with(idx.Collection, func(c *mgo.Collection) error {
		err := c.EnsureIndex(mgo.Index{
			Key:        idx.Fields,
			Unique:     idx.Unique,
			Name:       idx.Name(),
			Background: false,
		})
		return mapError(err)
	})
}

func (s *Store) Insert(ctx context.Context, coll, id string, doc any) error {
	m, err := toBSON(id, doc)
	if err != nil {
		return err
	}
	return s.with(coll, func(c *mgo.Collection) error {
		return mapError(c.Insert(m))
	})
}

func (s *Store) Put(ctx context.Context, coll, id string, doc any) error {
	m, err := toBSON(id, doc)
	if err != nil {
		return err
	}
	return s.with(coll, func(c *mgo.Collection) error {
		_, err := c.UpsertId(id, m)
		return mapError(err)
	})
}

func (s *Store) Get(ctx context.Context, coll, id string, out any) error {
	return s.with(coll, func(c *mgo.Collection) error {
		var m bson.M
		if err := c.FindId(id).One(&m); err != nil {
			return mapError(err)
		}
		return fromBSON(m, out)
	})
}

func (s *Store) Find(ctx context.Context, coll string, filter docstore.Filter, out any) error {
	query, err := docstore.Normalize(filter)
	if err != nil {
		return err
	}
	return s.with(coll, func(c *mgo.Collection) error {
		var found []bson.M
		if err := c.Find(bson.M(query)).Sort("_id").All(&found); err != nil {
			return mapError(err)
		}
		docs := make([][]byte, 0, len(found))
		for _, m := range found {
			raw, err := json.Marshal(plain(m))
			if err != nil {
				return err
			}
			docs = append(docs, raw)
		}
		return docstore.DecodeList(docs, out)
	})
}

func (s *Store) Delete(ctx context.Context, coll, id string) error {
	return s.with(coll, func(c *mgo.Collection) error {
		return mapError(c.RemoveId(id))
	})
}

func (s *Store) DeleteMatching(ctx context.Context, coll string, filter docstore.Filter) (int, error) {
	query, err := docstore.Normalize(filter)
	if err != nil {
		return 0, err
	}
	var removed int
	err = s.with(coll, func(c *mgo.Collection) error {
		info, err := c.RemoveAll(bson.M(query))
		if err != nil {
			return mapError(err)
		}
		removed = info.Removed
		return nil
	})
	return removed, err
}

// AppendWindow uses two single-document atomic updates: $pull of stale
// values, then $push with findAndModify. Concurrent appends are never lost.
func (s *Store) AppendWindow(ctx context.Context, coll, id, field string, value, floor float64) ([]float64, error) {
	var kept []float64
	err := s.with(coll, func(c *mgo.Collection) error {
		if _, err := c.UpsertId(id, bson.M{"$pull": bson.M{field: bson.M{"$lt": floor}}}); err != nil {
			return mapError(err)
		}
		var doc bson.M
		_, err := c.FindId(id).Apply(mgo.Change{
			Update:    bson.M{"$push": bson.M{field: value}},
			Upsert:    true,
			ReturnNew: true,
		}, &doc)
		if err != nil {
			return mapError(err)
		}
		kept = docstore.Floats(plain(doc).(map[string]any)[field])
		return nil
	})
	return kept, err
}

func (s *Store) Set(ctx context.Context, coll, id string, fields map[string]any) error {
	if err := docstore.CheckFields(fields); err != nil {
		return err
	}
	norm, err := docstore.Normalize(docstore.Filter(fields))
	if err != nil {
		return err
	}
	return s.with(coll, func(c *mgo.Collection) error {
		return mapError(c.UpdateId(id, bson.M{"$set": bson.M(norm)}))
	})
}

// Pull matches on the element as well as the id so the update reports
// ErrNotFound once another caller has already removed it.
func (s *Store) Pull(ctx context.Context, coll, id, field string, value any) (bool, error) {
	norm, err := docstore.Normalize(docstore.Filter{"v": value})
	if err != nil {
		return false, err
	}
	want := norm["v"]
	err = s.with(coll, func(c *mgo.Collection) error {
		return c.Update(bson.M{"_id": id, field: want}, bson.M{"$pull": bson.M{field: want}})
	})
	if err == mgo.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, mapError(err)
	}
	return true, nil
}

func (s *Store) Ping(ctx context.Context) error {
	session := s.root.Copy()
	defer session.Close()
	return session.Ping()
}

func (s *Store) Close() error {
	s.root.Close()
	return nil
}

// toBSON converts a document through its JSON form so that the same struct
// tags serve every backend.
func toBSON(id string, doc any) (bson.M, error) {
	_, fields, err := docstore.Encode(id, doc)
	if err != nil {
		return nil, err
	}
	return bson.M(fields), nil
}

func fromBSON(m bson.M, out any) error {
	raw, err := json.Marshal(plain(m))
	if err != nil {
		return fmt.Errorf("mongostore: re-encode: %w", err)
	}
	return json.Unmarshal(raw, out)
}

// plain rewrites bson containers into the shapes encoding/json produces.
func plain(v any) any {
	switch t := v.(type) {
	case bson.M:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = plain(val)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = plain(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = plain(val)
		}
		return out
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case bson.ObjectId:
		return t.Hex()
	default:
		return v
	}
}

func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case err == mgo.ErrNotFound:
		return docstore.ErrNotFound
	case mgo.IsDup(err):
		return docstore.ErrDuplicate
	}
	return err
}
