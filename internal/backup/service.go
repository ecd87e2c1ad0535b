// Package backup snapshots the active configuration to durable storage and
// restores it.
package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"proxyplane/internal/metrics"
	"proxyplane/internal/model"
	"proxyplane/internal/store"
)

const (
	idPrefix   = "backup-"
	idTimeFmt  = "20060102-150405.000000"
	maxIDTries = 1000
)

// Snapshot is the serialized form of a backup.
type Snapshot struct {
	ID           string              `json:"id"`
	CreatedAt    time.Time           `json:"createdAt"`
	Routes       []model.Route       `json:"routes"`
	Clusters     []model.Cluster     `json:"clusters"`
	WebHosts     []model.WebHost     `json:"webHosts"`
	Destinations []model.Destination `json:"destinations"`
}

// FormatID renders the backup id for t.
func FormatID(t time.Time) string {
	return idPrefix + t.UTC().Format(idTimeFmt)
}

// ParseID extracts the timestamp embedded in a backup id.
func ParseID(id string) (time.Time, bool) {
	if !strings.HasPrefix(id, idPrefix) {
		return time.Time{}, false
	}
	t, err := time.ParseInLocation(idTimeFmt, strings.TrimPrefix(id, idPrefix), time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

type Options struct {
	// MaxCount keeps at most this many backups; zero disables the limit.
	MaxCount int
	// MaxAge deletes backups older than this; zero disables the limit.
	MaxAge time.Duration
}

type Service struct {
	store   store.Store
	storage Storage
	opts    Options
	log     zerolog.Logger
	metrics *metrics.Collector
	now     func() time.Time

	mu     sync.Mutex
	lastID string
}

func NewService(st store.Store, storage Storage, opts Options, m *metrics.Collector, log zerolog.Logger) *Service {
	return &Service{
		store:   st,
		storage: storage,
		opts:    opts,
		log:     log.With().Str("component", "backup").Logger(),
		metrics: m,
		now:     time.Now,
	}
}

// Capture reads the active configuration visible to r into a snapshot.
func Capture(ctx context.Context, r store.Reader) (Snapshot, error) {
	var snap Snapshot
	var err error
	if snap.Routes, err = r.ListRoutes(ctx); err != nil {
		return snap, fmt.Errorf("load routes: %w", err)
	}
	if snap.Clusters, err = r.ListClusters(ctx); err != nil {
		return snap, fmt.Errorf("load clusters: %w", err)
	}
	if snap.WebHosts, err = r.ListWebHosts(ctx); err != nil {
		return snap, fmt.Errorf("load web hosts: %w", err)
	}
	snap.Destinations = []model.Destination{}
	for _, c := range snap.Clusters {
		snap.Destinations = append(snap.Destinations, c.Destinations...)
	}
	return snap, nil
}

// nextID returns a fresh id; a collision moves the timestamp forward by one
// microsecond until it is free.
func (s *Service) nextID(ctx context.Context) (string, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.now().UTC().Truncate(time.Microsecond)
	for i := 0; i < maxIDTries; i++ {
		id := FormatID(t)
		if id > s.lastID || s.lastID == "" {
			exists, err := s.storage.Exists(ctx, id)
			if err != nil {
				return "", time.Time{}, fmt.Errorf("check backup id: %w", err)
			}
			if !exists {
				s.lastID = id
				return id, t, nil
			}
		}
		t = t.Add(time.Microsecond)
	}
	return "", time.Time{}, fmt.Errorf("no free backup id near %s", t)
}

// CreateBackup stores the current active configuration and returns its id.
func (s *Service) CreateBackup(ctx context.Context) (string, error) {
	snap, err := Capture(ctx, s.store)
	if err != nil {
		s.metrics.RecordBackup("create", false)
		return "", err
	}
	id, err := s.write(ctx, snap)
	s.metrics.RecordBackup("create", err == nil)
	return id, err
}

func (s *Service) write(ctx context.Context, snap Snapshot) (string, error) {
	id, at, err := s.nextID(ctx)
	if err != nil {
		return "", err
	}
	snap.ID, snap.CreatedAt = id, at
	data, err := json.Marshal(snap)
	if err != nil {
		return "", fmt.Errorf("encode backup: %w", err)
	}
	if err := s.storage.Put(ctx, id, data); err != nil {
		return "", fmt.Errorf("write backup %s: %w", id, err)
	}
	s.log.Info().
		Str("backup", id).
		Int("routes", len(snap.Routes)).
		Int("clusters", len(snap.Clusters)).
		Int("web_hosts", len(snap.WebHosts)).
		Msg("backup created")
	return id, nil
}

func (s *Service) Load(ctx context.Context, id string) (Snapshot, error) {
	data, err := s.storage.Get(ctx, id)
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode backup %s: %w", id, err)
	}
	return snap, nil
}

// RestoreFromBackup replaces the active configuration with the backup's
// content in one transaction. Restored rows come back with IsDeleted=false.
func (s *Service) RestoreFromBackup(ctx context.Context, id string) error {
	snap, err := s.Load(ctx, id)
	if err != nil {
		s.metrics.RecordBackup("restore", false)
		return err
	}
	err = s.store.InTx(ctx, func(tx store.Tx) error {
		return Apply(ctx, tx, snap, s.now())
	})
	s.metrics.RecordBackup("restore", err == nil)
	if err != nil {
		s.log.Error().Err(err).Str("backup", id).Msg("restore failed")
		return fmt.Errorf("restore %s: %w", id, err)
	}
	s.log.Info().Str("backup", id).Msg("backup restored")
	return nil
}

// Apply tombstones everything visible to tx and re-inserts the snapshot's
// entities as active rows.
func Apply(ctx context.Context, tx store.Tx, snap Snapshot, now time.Time) error {
	if err := tx.SoftDeleteAll(ctx, now); err != nil {
		return err
	}
	revived := now.Add(time.Microsecond)

	for _, h := range snap.WebHosts {
		h.Revive(revived)
		if err := tx.PutWebHost(ctx, h); err != nil {
			return err
		}
	}

	byCluster := map[string][]model.Destination{}
	for _, d := range snap.Destinations {
		byCluster[d.ClusterID] = append(byCluster[d.ClusterID], d)
	}
	for _, c := range snap.Clusters {
		dests := byCluster[c.ID]
		if len(snap.Destinations) == 0 {
			dests = c.Destinations
		}
		c.Destinations = make([]model.Destination, 0, len(dests))
		for _, d := range dests {
			d.Revive(revived)
			c.Destinations = append(c.Destinations, d)
		}
		c.Revive(revived)
		if err := tx.PutCluster(ctx, c); err != nil {
			return err
		}
	}

	for _, r := range snap.Routes {
		transforms := make([]model.Transform, 0, len(r.Transforms))
		for _, t := range r.Transforms {
			t.Revive(revived)
			transforms = append(transforms, t)
		}
		r.Transforms = transforms
		r.Revive(revived)
		if err := tx.PutRoute(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) BackupExists(ctx context.Context, id string) (bool, error) {
	return s.storage.Exists(ctx, id)
}

// GetBackups lists backups newest first.
func (s *Service) GetBackups(ctx context.Context) ([]Info, error) {
	return s.storage.List(ctx)
}

// Latest returns the most recent backup, or ErrNotFound when there is none.
func (s *Service) Latest(ctx context.Context) (Info, error) {
	infos, err := s.storage.List(ctx)
	if err != nil {
		return Info{}, err
	}
	if len(infos) == 0 {
		return Info{}, ErrNotFound
	}
	return infos[0], nil
}

// CleanupOldBackups deletes every backup beyond MaxCount (newest kept) or
// older than MaxAge, and returns how many were removed.
func (s *Service) CleanupOldBackups(ctx context.Context) (int, error) {
	infos, err := s.storage.List(ctx)
	if err != nil {
		return 0, err
	}
	now := s.now()
	deleted := 0
	var errs []error
	for i, info := range infos {
		tooMany := s.opts.MaxCount > 0 && i >= s.opts.MaxCount
		tooOld := s.opts.MaxAge > 0 && now.Sub(info.CreatedAt) > s.opts.MaxAge
		if !tooMany && !tooOld {
			continue
		}
		if err := s.storage.Delete(ctx, info.ID); err != nil && !errors.Is(err, ErrNotFound) {
			s.log.Warn().Err(err).Str("backup", info.ID).Msg("delete backup failed")
			errs = append(errs, err)
			continue
		}
		deleted++
	}
	s.metrics.RecordBackupsDeleted(deleted)
	if deleted > 0 {
		s.log.Info().Int("deleted", deleted).Int("kept", len(infos)-deleted).Msg("old backups removed")
	}
	return deleted, errors.Join(errs...)
}
