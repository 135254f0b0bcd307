// Package migrate versions the PostgreSQL document store: the SQL files
// that shape the documents table, operator seeds, and the expression
// indexes each forge component declares. Every step is recorded in one
// schema_versions table together with a checksum of what was applied.
package migrate

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"allura.org/internal/docstore"
	"allura.org/internal/obs"
)

//go:embed sql/*.sql
var embedded embed.FS

// Embedded returns the document-store schema shipped with the binary.
func Embedded() fs.FS {
	sub, err := fs.Sub(embedded, "sql")
	if err != nil {
		panic(err)
	}
	return sub
}

// Kinds of recorded steps.
const (
	KindMigration = "migration"
	KindSeed      = "seed"
	KindIndexes   = "indexes"
)

const defaultTable = "schema_versions"

// ErrChecksum reports an applied migration whose file has since changed.
var ErrChecksum = errors.New("migrate: applied migration was modified")

// Version is one recorded step.
type Version struct {
	Kind      string
	Name      string
	Checksum  string
	AppliedAt time.Time
}

// IndexSet is the index declaration of one forge component.
type IndexSet struct {
	Name    string
	Indexes []docstore.Index
}

// Checksum fingerprints the set so a changed declaration is reapplied.
func (s IndexSet) Checksum() string {
	names := make([]string, 0, len(s.Indexes))
	for _, idx := range s.Indexes {
		names = append(names, idx.Name()+"("+strings.Join(idx.Fields, ",")+")")
	}
	sort.Strings(names)
	return checksum([]byte(strings.Join(names, "\n")))
}

// Manager applies migrations, seeds and index sets read from file systems,
// normally Embedded() and os.DirFS for operator-supplied seeds.
type Manager struct {
	db         *sql.DB
	migrations fs.FS
	seeds      fs.FS
	table      string
	log        zerolog.Logger
}

// Option configures Manager.
type Option func(*Manager)

// WithTable overrides the bookkeeping table.
func WithTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.table = name
		}
	}
}

// NewManager constructs a Manager. seeds may be nil.
func NewManager(db *sql.DB, migrations, seeds fs.FS, opts ...Option) *Manager {
	m := &Manager{
		db:         db,
		migrations: migrations,
		seeds:      seeds,
		table:      defaultTable,
		log:        obs.Component("migrate"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Up applies pending migrations in name order. A migration that was
// applied and has changed on disk stops the run with ErrChecksum.
func (m *Manager) Up(ctx context.Context) error {
	return m.applyFiles(ctx, KindMigration, m.migrations, ".up.sql", true)
}

// Seed applies seed files not yet recorded. Seeds may be edited after they
// ran; only their name is tracked.
func (m *Manager) Seed(ctx context.Context) error {
	return m.applyFiles(ctx, KindSeed, m.seeds, ".sql", false)
}

func (m *Manager) applyFiles(ctx context.Context, kind string, fsys fs.FS, suffix string, strict bool) error {
	if err := m.ensureTable(ctx); err != nil {
		return err
	}
	applied, err := m.recorded(ctx, kind)
	if err != nil {
		return err
	}
	files, err := collectSQL(fsys, suffix)
	if err != nil {
		return err
	}
	for _, f := range files {
		body, err := fs.ReadFile(fsys, f.Path)
		if err != nil {
			return err
		}
		sum := checksum(body)
		if prev, ok := applied[f.Base]; ok {
			if strict && prev.Checksum != "" && prev.Checksum != sum {
				return fmt.Errorf("%w: %s", ErrChecksum, f.Base)
			}
			continue
		}
		if err := m.exec(ctx, string(body)); err != nil {
			return fmt.Errorf("apply %s %s: %w", kind, f.Base, err)
		}
		if err := m.record(ctx, kind, f.Base, sum); err != nil {
			return err
		}
		m.log.Info().Str("kind", kind).Str("name", f.Base).Msg("applied")
	}
	return nil
}

// Down rolls back the most recent migration.
func (m *Manager) Down(ctx context.Context) error {
	history, err := m.Status(ctx)
	if err != nil {
		return err
	}
	var last string
	for _, v := range history {
		if v.Kind == KindMigration {
			last = v.Name
		}
	}
	if last == "" {
		return errors.New("no migrations applied")
	}
	downPath := strings.TrimSuffix(last, ".up.sql") + ".down.sql"
	body, err := fs.ReadFile(m.migrations, downPath)
	if err != nil {
		return fmt.Errorf("missing down migration for %s", last)
	}
	if err := m.exec(ctx, string(body)); err != nil {
		return fmt.Errorf("rollback migration %s: %w", last, err)
	}
	_, err = m.db.ExecContext(ctx,
		fmt.Sprintf(`delete from %s where kind = $1 and name = $2`, m.table), KindMigration, last)
	return err
}

// Indexes creates the indexes of every set whose declaration differs from
// the recorded one, through store. It returns the names of the sets it
// (re)applied.
func (m *Manager) Indexes(ctx context.Context, store docstore.Store, sets ...IndexSet) ([]string, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	applied, err := m.recorded(ctx, KindIndexes)
	if err != nil {
		return nil, err
	}
	var done []string
	for _, set := range sets {
		sum := set.Checksum()
		if prev, ok := applied[set.Name]; ok && prev.Checksum == sum {
			continue
		}
		for _, idx := range set.Indexes {
			if err := store.EnsureIndex(ctx, idx); err != nil {
				return done, fmt.Errorf("index set %s: %s: %w", set.Name, idx.Name(), err)
			}
		}
		if err := m.record(ctx, KindIndexes, set.Name, sum); err != nil {
			return done, err
		}
		m.log.Info().Str("set", set.Name).Int("indexes", len(set.Indexes)).Msg("indexes applied")
		done = append(done, set.Name)
	}
	return done, nil
}

// Status lists every recorded step, oldest first.
func (m *Manager) Status(ctx context.Context) ([]Version, error) {
	if err := m.ensureTable(ctx); err != nil {
		return nil, err
	}
	rows, err := m.db.QueryContext(ctx,
		fmt.Sprintf(`select kind, name, checksum, applied_at from %s order by applied_at, name`, m.table))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Version
	for rows.Next() {
		var v Version
		if err := rows.Scan(&v.Kind, &v.Name, &v.Checksum, &v.AppliedAt); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (m *Manager) ensureTable(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, fmt.Sprintf(`
		create table if not exists %s (
			kind text not null,
			name text not null,
			checksum text not null default '',
			applied_at timestamptz not null default now(),
			primary key (kind, name)
		);`, m.table))
	return err
}

func (m *Manager) recorded(ctx context.Context, kind string) (map[string]Version, error) {
	rows, err := m.db.QueryContext(ctx,
		fmt.Sprintf(`select name, checksum from %s where kind = $1`, m.table), kind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]Version)
	for rows.Next() {
		v := Version{Kind: kind}
		if err := rows.Scan(&v.Name, &v.Checksum); err != nil {
			return nil, err
		}
		out[v.Name] = v
	}
	return out, rows.Err()
}

func (m *Manager) record(ctx context.Context, kind, name, sum string) error {
	_, err := m.db.ExecContext(ctx, fmt.Sprintf(`
		insert into %s (kind, name, checksum, applied_at) values ($1, $2, $3, $4)
		on conflict (kind, name) do update set checksum = excluded.checksum, applied_at = excluded.applied_at
	`, m.table), kind, name, sum, time.Now().UTC())
	return err
}

// exec runs the statements of one file in a transaction.
func (m *Manager) exec(ctx context.Context, body string) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	for _, stmt := range splitStatements(body) {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func checksum(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

type sqlFile struct {
	Base string
	Path string
}

func collectSQL(fsys fs.FS, suffix string) ([]sqlFile, error) {
	if fsys == nil {
		return nil, nil
	}
	var files []sqlFile
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), suffix) {
			files = append(files, sqlFile{Base: path.Base(p), Path: p})
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Base < files[j].Base })
	return files, nil
}

// splitStatements splits on semicolons outside single-quoted strings.
func splitStatements(sql string) []string {
	var (
		stmts   []string
		current strings.Builder
		quoted  bool
	)
	for _, r := range sql {
		current.WriteRune(r)
		switch {
		case r == '\'':
			quoted = !quoted
		case r == ';' && !quoted:
			stmts = append(stmts, current.String())
			current.Reset()
		}
	}
	if strings.TrimSpace(current.String()) != "" {
		stmts = append(stmts, current.String())
	}
	return stmts
}
