package sqlstore

import (
	"strconv"
	"strings"
)

// dialect captures what differs between the SQL engines. Queries are
// written with '?' placeholders and rebound per engine.
type dialect struct {
	name         string
	numberedArgs bool
}

var (
	postgresDialect = dialect{name: "postgres", numberedArgs: true}
	sqliteDialect   = dialect{name: "sqlite"}
)

func (d dialect) rebind(query string) string {
	if !d.numberedArgs {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// Timestamps are stored as unix microseconds so both engines round-trip
// them identically.
func (d dialect) schema() []string {
	base := `created_at BIGINT NOT NULL,
			updated_at BIGINT NOT NULL,
			is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
			deleted_at BIGINT`
	return []string{
		`CREATE TABLE IF NOT EXISTS web_hosts (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			host_name TEXT NOT NULL,
			is_default BOOLEAN NOT NULL DEFAULT FALSE,
			` + base + `
		)`,
		`CREATE TABLE IF NOT EXISTS clusters (
			id TEXT PRIMARY KEY,
			web_host_id TEXT NOT NULL,
			name TEXT NOT NULL,
			load_balancing_policy TEXT NOT NULL,
			health_check TEXT,
			session_affinity TEXT,
			http_client TEXT,
			http_request TEXT,
			metadata TEXT,
			` + base + `
		)`,
		`CREATE TABLE IF NOT EXISTS destinations (
			id TEXT PRIMARY KEY,
			cluster_id TEXT NOT NULL,
			name TEXT NOT NULL,
			address TEXT NOT NULL,
			health TEXT NOT NULL DEFAULT '',
			` + base + `
		)`,
		`CREATE TABLE IF NOT EXISTS routes (
			id TEXT PRIMARY KEY,
			web_host_id TEXT NOT NULL,
			cluster_id TEXT NOT NULL,
			name TEXT NOT NULL,
			route_order INTEGER,
			max_request_body_size BIGINT,
			authorization_policy TEXT NOT NULL DEFAULT '',
			cors_policy TEXT NOT NULL DEFAULT '',
			match_spec TEXT NOT NULL,
			metadata TEXT,
			` + base + `
		)`,
		`CREATE TABLE IF NOT EXISTS transforms (
			id TEXT PRIMARY KEY,
			route_id TEXT NOT NULL,
			position INTEGER NOT NULL,
			kind TEXT NOT NULL,
			value TEXT NOT NULL,
			` + base + `
		)`,
		`CREATE INDEX IF NOT EXISTS destinations_cluster_idx ON destinations (cluster_id)`,
		`CREATE INDEX IF NOT EXISTS transforms_route_idx ON transforms (route_id)`,
		`CREATE INDEX IF NOT EXISTS routes_active_idx ON routes (is_deleted)`,
		`CREATE INDEX IF NOT EXISTS clusters_active_idx ON clusters (is_deleted)`,
	}
}
