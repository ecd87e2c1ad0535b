// Package sqlstore is the SQL adapter of the entity store. Postgres runs on
// pgx, SQLite on database/sql with the pure-Go modernc driver; both share
// one repository and differ only in dialect.
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "modernc.org/sqlite"

	"proxyplane/internal/store"
)

type Store struct {
	*repository
	b backend
}

var _ store.Store = (*Store)(nil)

// NewPostgres wraps an open pool and makes sure the schema exists.
func NewPostgres(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	return open(ctx, newPgxBackend(pool), postgresDialect)
}

// OpenSQLite opens (creating if needed) the database file at path. The pool
// is limited to one connection since SQLite has a single writer.
func OpenSQLite(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path required")
	}
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	s, err := open(ctx, newSQLBackend(db), sqliteDialect)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func open(ctx context.Context, b backend, d dialect) (*Store, error) {
	s := &Store{repository: &repository{c: b, d: d}, b: b}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range s.d.schema() {
		if err := s.b.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("%s schema: %w", s.d.name, err)
		}
	}
	return nil
}

// Dialect reports the engine name, for logs and status.
func (s *Store) Dialect() string { return s.d.name }

func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) (err error) {
	tx, err := s.b.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
	}()
	if err := fn(&repository{c: tx, d: s.d}); err != nil {
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.b.Close()
}
