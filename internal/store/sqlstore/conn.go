package sqlstore

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

// conn is the query surface shared by pools and transactions of either
// engine.
type conn interface {
	Exec(ctx context.Context, query string, args ...any) error
	Query(ctx context.Context, query string, args ...any) (rows, error)
}

type txConn interface {
	conn
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

type backend interface {
	conn
	Begin(ctx context.Context) (txConn, error)
	Close() error
}

// pgx

type pgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type pgxConn struct {
	q pgxQuerier
}

func (c pgxConn) Exec(ctx context.Context, query string, args ...any) error {
	_, err := c.q.Exec(ctx, query, args...)
	return err
}

func (c pgxConn) Query(ctx context.Context, query string, args ...any) (rows, error) {
	return c.q.Query(ctx, query, args...)
}

type pgxBackend struct {
	pgxConn
	pool *pgxpool.Pool
}

func newPgxBackend(pool *pgxpool.Pool) *pgxBackend {
	return &pgxBackend{pgxConn: pgxConn{q: pool}, pool: pool}
}

func (b *pgxBackend) Begin(ctx context.Context) (txConn, error) {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return pgxTx{pgxConn: pgxConn{q: tx}, tx: tx}, nil
}

func (b *pgxBackend) Close() error {
	b.pool.Close()
	return nil
}

type pgxTx struct {
	pgxConn
	tx pgx.Tx
}

func (t pgxTx) Commit(ctx context.Context) error { return t.tx.Commit(ctx) }
func (t pgxTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}

// database/sql

type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type sqlConn struct {
	q sqlQuerier
}

func (c sqlConn) Exec(ctx context.Context, query string, args ...any) error {
	_, err := c.q.ExecContext(ctx, query, args...)
	return err
}

func (c sqlConn) Query(ctx context.Context, query string, args ...any) (rows, error) {
	r, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return sqlRows{r}, nil
}

type sqlRows struct {
	*sql.Rows
}

func (r sqlRows) Close() { _ = r.Rows.Close() }

type sqlBackend struct {
	sqlConn
	db *sql.DB
}

func newSQLBackend(db *sql.DB) *sqlBackend {
	return &sqlBackend{sqlConn: sqlConn{q: db}, db: db}
}

func (b *sqlBackend) Begin(ctx context.Context) (txConn, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return sqlTx{sqlConn: sqlConn{q: tx}, tx: tx}, nil
}

func (b *sqlBackend) Close() error { return b.db.Close() }

type sqlTx struct {
	sqlConn
	tx *sql.Tx
}

func (t sqlTx) Commit(context.Context) error { return t.tx.Commit() }
func (t sqlTx) Rollback(context.Context) error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}
