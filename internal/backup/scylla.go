package backup

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gocql/gocql"
)

// ScyllaStore keeps backups in a Cassandra/Scylla table, one row per
// backup.
type ScyllaStore struct {
	session  *gocql.Session
	keyspace string
}

type ScyllaConfig struct {
	Hosts             []string
	Port              int
	Keyspace          string
	Consistency       string
	ReplicationFactor int
	Timeout           time.Duration
}

// OpenScylla connects, creates the keyspace and table when missing, and
// returns a store bound to them.
func OpenScylla(cfg ScyllaConfig) (*ScyllaStore, error) {
	if len(cfg.Hosts) == 0 {
		return nil, fmt.Errorf("scylla hosts required")
	}
	if cfg.Keyspace == "" {
		cfg.Keyspace = "proxyplane"
	}
	cluster := gocql.NewCluster(cfg.Hosts...)
	if cfg.Port > 0 {
		cluster.Port = cfg.Port
	}
	cluster.Consistency = parseConsistency(cfg.Consistency)
	if cfg.Timeout > 0 {
		cluster.Timeout = cfg.Timeout
		cluster.ConnectTimeout = cfg.Timeout
	}

	// keyspace creation needs a session that is not bound to it
	boot, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("scylla connect: %w", err)
	}
	err = EnsureKeyspace(boot, cfg.Keyspace, cfg.ReplicationFactor)
	boot.Close()
	if err != nil {
		return nil, fmt.Errorf("scylla keyspace: %w", err)
	}

	cluster.Keyspace = cfg.Keyspace
	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("scylla connect %s: %w", cfg.Keyspace, err)
	}
	if err := EnsureSchema(session, cfg.Keyspace); err != nil {
		session.Close()
		return nil, fmt.Errorf("scylla schema: %w", err)
	}
	return &ScyllaStore{session: session, keyspace: cfg.Keyspace}, nil
}

func parseConsistency(v string) gocql.Consistency {
	switch strings.ToUpper(strings.TrimSpace(v)) {
	case "ONE":
		return gocql.One
	case "TWO":
		return gocql.Two
	case "THREE":
		return gocql.Three
	case "ALL":
		return gocql.All
	case "LOCAL_ONE":
		return gocql.LocalOne
	case "LOCAL_QUORUM":
		return gocql.LocalQuorum
	case "EACH_QUORUM":
		return gocql.EachQuorum
	default:
		return gocql.Quorum
	}
}

func EnsureKeyspace(session *gocql.Session, keyspace string, replicationFactor int) error {
	if replicationFactor <= 0 {
		replicationFactor = 3
	}
	stmt := fmt.Sprintf("CREATE KEYSPACE IF NOT EXISTS %s WITH replication = {'class': 'SimpleStrategy', 'replication_factor': %d}", keyspace, replicationFactor)
	return session.Query(stmt).Exec()
}

func EnsureSchema(session *gocql.Session, keyspace string) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.config_backups (
		id text PRIMARY KEY,
		created_at timestamp,
		size bigint,
		payload blob
	)`, keyspace)
	return session.Query(stmt).Exec()
}

func (s *ScyllaStore) Put(ctx context.Context, id string, data []byte) error {
	created, ok := ParseID(id)
	if !ok {
		created = time.Now().UTC()
	}
	return s.session.Query(
		fmt.Sprintf("INSERT INTO %s.config_backups (id, created_at, size, payload) VALUES (?, ?, ?, ?)", s.keyspace),
		id, created, int64(len(data)), data,
	).WithContext(ctx).Exec()
}

func (s *ScyllaStore) Get(ctx context.Context, id string) ([]byte, error) {
	var payload []byte
	err := s.session.Query(
		fmt.Sprintf("SELECT payload FROM %s.config_backups WHERE id = ?", s.keyspace), id,
	).WithContext(ctx).Scan(&payload)
	if errors.Is(err, gocql.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return payload, err
}

func (s *ScyllaStore) Exists(ctx context.Context, id string) (bool, error) {
	var found string
	err := s.session.Query(
		fmt.Sprintf("SELECT id FROM %s.config_backups WHERE id = ?", s.keyspace), id,
	).WithContext(ctx).Scan(&found)
	if errors.Is(err, gocql.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// List scans the whole table. Backup counts are bounded by retention.
func (s *ScyllaStore) List(ctx context.Context) ([]Info, error) {
	iter := s.session.Query(
		fmt.Sprintf("SELECT id, created_at, size FROM %s.config_backups", s.keyspace),
	).WithContext(ctx).Iter()
	out := []Info{}
	var info Info
	for iter.Scan(&info.ID, &info.CreatedAt, &info.Size) {
		if t, ok := ParseID(info.ID); ok {
			info.CreatedAt = t
		} else {
			info.CreatedAt = info.CreatedAt.UTC()
		}
		out = append(out, info)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	sortNewestFirst(out)
	return out, nil
}

func (s *ScyllaStore) Delete(ctx context.Context, id string) error {
	ok, err := s.Exists(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return s.session.Query(
		fmt.Sprintf("DELETE FROM %s.config_backups WHERE id = ?", s.keyspace), id,
	).WithContext(ctx).Exec()
}

func (s *ScyllaStore) Close() error {
	s.session.Close()
	return nil
}
