package sqlstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proxyplane/internal/store"
	"proxyplane/internal/store/storetest"
)

func TestSQLiteConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "proxy.db"))
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestPostgresConformance(t *testing.T) {
	url := os.Getenv("DB_URL")
	if url == "" {
		t.Skip("DB_URL not set")
	}
	storetest.Run(t, func(t *testing.T) store.Store {
		ctx := context.Background()
		pool, err := pgxpool.New(ctx, url)
		require.NoError(t, err)
		for _, table := range []string{"transforms", "routes", "destinations", "clusters", "web_hosts"} {
			_, _ = pool.Exec(ctx, "DROP TABLE IF EXISTS "+table)
		}
		s, err := NewPostgres(ctx, pool)
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestRebind(t *testing.T) {
	q := "SELECT a FROM t WHERE id = ? AND x = ?"
	assert.Equal(t, q, sqliteDialect.rebind(q))
	assert.Equal(t, "SELECT a FROM t WHERE id = $1 AND x = $2", postgresDialect.rebind(q))
}

func TestUpsertSQL(t *testing.T) {
	got := upsertSQL("web_hosts", "id, name")
	assert.Equal(t, "INSERT INTO web_hosts (id, name) VALUES (?, ?) ON CONFLICT (id) DO UPDATE SET name = excluded.name", got)
}

func TestOpenSQLiteRequiresPath(t *testing.T) {
	_, err := OpenSQLite(context.Background(), "")
	assert.Error(t, err)
}

func TestSchemaIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxy.db")
	s, err := OpenSQLite(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = OpenSQLite(context.Background(), path)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, "sqlite", s.Dialect())
}
