// Package pgstore keeps forge documents in a single PostgreSQL JSONB table.
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"allura.org/internal/docstore"
)

const pgErrUniqueViolation = "23505"

var identRe = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

var _ docstore.Store = (*Store)(nil)

// Store implements docstore.Store on the documents(collection, id, data) table.
type Store struct {
	db *sql.DB
}

// Open connects with the pgx stdlib driver.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing connection pool.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// EnsureIndex creates a partial expression index scoped to the collection.
func (s *Store) EnsureIndex(ctx context.Context, idx docstore.Index) error {
	if !identRe.MatchString(idx.Collection) || len(idx.Fields) == 0 {
		return fmt.Errorf("%w: bad index %+v", docstore.ErrInvalid, idx)
	}
	exprs := make([]string, 0, len(idx.Fields))
	for _, f := range idx.Fields {
		parts := strings.Split(f, ".")
		for _, p := range parts {
			if !identRe.MatchString(p) && p != "_id" {
				return fmt.Errorf("%w: bad index field %q", docstore.ErrInvalid, f)
			}
		}
		exprs = append(exprs, fmt.Sprintf("(data #>> '{%s}')", strings.Join(parts, ",")))
	}
	unique := ""
	if idx.Unique {
		unique = "unique "
	}
	ddl := fmt.Sprintf(`create %sindex if not exists %s on documents (%s) where collection = '%s'`,
		unique, "ix_"+idx.Name(), strings.Join(exprs, ", "), idx.Collection)
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return mapError(err)
	}
	return nil
}

func (s *Store) Insert(ctx context.Context, coll, id string, doc any) error {
	raw, _, err := docstore.Encode(id, doc)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`insert into documents (collection, id, data) values ($1, $2, $3)`,
		coll, id, raw)
	return mapError(err)
}

func (s *Store) Put(ctx context.Context, coll, id string, doc any) error {
	raw, _, err := docstore.Encode(id, doc)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into documents (collection, id, data) values ($1, $2, $3)
		on conflict (collection, id) do update set data = excluded.data
	`, coll, id, raw)
	return mapError(err)
}

func (s *Store) Get(ctx context.Context, coll, id string, out any) error {
	var raw []byte
	err := s.db.QueryRowContext(ctx,
		`select data from documents where collection = $1 and id = $2`, coll, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return docstore.ErrNotFound
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func (s *Store) Find(ctx context.Context, coll string, filter docstore.Filter, out any) error {
	contains, err := containment(filter)
	if err != nil {
		return err
	}
	rows, err := s.db.QueryContext(ctx, `
		select data from documents
		where collection = $1 and data @> $2::jsonb
		order by id
	`, coll, contains)
	if err != nil {
		return err
	}
	defer rows.Close()
	var docs [][]byte
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return err
		}
		docs = append(docs, raw)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	return docstore.DecodeList(docs, out)
}

func (s *Store) Delete(ctx context.Context, coll, id string) error {
	res, err := s.db.ExecContext(ctx,
		`delete from documents where collection = $1 and id = $2`, coll, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return docstore.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteMatching(ctx context.Context, coll string, filter docstore.Filter) (int, error) {
	contains, err := containment(filter)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`delete from documents where collection = $1 and data @> $2::jsonb`, coll, contains)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// AppendWindow filters and appends in one statement; the row lock taken by
// on conflict serialises concurrent callers.
func (s *Store) AppendWindow(ctx context.Context, coll, id, field string, value, floor float64) ([]float64, error) {
	var raw []byte
	err := s.db.QueryRowContext(ctx, `
		insert into documents (collection, id, data)
		values ($1, $2, jsonb_build_object('_id', $2::text, $3::text, jsonb_build_array($4::float8)))
		on conflict (collection, id) do update
		set data = jsonb_set(documents.data, array[$3::text],
			coalesce((
				select jsonb_agg(e)
				from jsonb_array_elements(coalesce(documents.data -> $3::text, '[]'::jsonb)) as e
				where (e #>> '{}')::float8 >= $5
			), '[]'::jsonb) || jsonb_build_array($4::float8))
		returning data -> $3::text
	`, coll, id, field, value, floor).Scan(&raw)
	if err != nil {
		return nil, mapError(err)
	}
	var list []any
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, err
	}
	return docstore.Floats(list), nil
}

// Set merges fields into the stored object with jsonb concatenation.
func (s *Store) Set(ctx context.Context, coll, id string, fields map[string]any) error {
	if err := docstore.CheckFields(fields); err != nil {
		return err
	}
	patch, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		update documents set data = data || $3::jsonb
		where collection = $1 and id = $2
	`, coll, id, patch)
	if err != nil {
		return mapError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return docstore.ErrNotFound
	}
	return nil
}

// Pull only touches rows whose array still contains value, so of two
// concurrent callers exactly one sees a row affected.
func (s *Store) Pull(ctx context.Context, coll, id, field string, value any) (bool, error) {
	elem, err := json.Marshal(value)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		update documents
		set data = jsonb_set(data, array[$3::text],
			coalesce((
				select jsonb_agg(e)
				from jsonb_array_elements(data -> $3::text) as e
				where e <> $4::jsonb
			), '[]'::jsonb))
		where collection = $1 and id = $2
			and data -> $3::text @> jsonb_build_array($4::jsonb)
	`, coll, id, field, elem)
	if err != nil {
		return false, mapError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func containment(filter docstore.Filter) ([]byte, error) {
	norm, err := docstore.Normalize(filter)
	if err != nil {
		return nil, err
	}
	if norm == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(docstore.Nest(norm))
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgErrUniqueViolation {
		return docstore.ErrDuplicate
	}
	return err
}
