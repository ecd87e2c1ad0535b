// Package memstore is an in-process entity store. Transactions work on a
// copy of the tables that replaces the committed copy on success, so
// readers never see a half-applied transaction.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"proxyplane/internal/model"
	"proxyplane/internal/store"
)

type Store struct {
	txMu sync.Mutex

	mu   sync.RWMutex
	data *tables
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{data: newTables()}
}

func (s *Store) snapshot() *tables {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data
}

// InTx serializes writers. fn mutates a private clone which is installed
// only when fn succeeds.
func (s *Store) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	work := s.snapshot().clone()
	if err := fn(work); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	s.mu.Lock()
	s.data = work
	s.mu.Unlock()
	return nil
}

func (s *Store) Close() error { return nil }

func (s *Store) ListWebHosts(ctx context.Context) ([]model.WebHost, error) {
	return s.snapshot().ListWebHosts(ctx)
}

func (s *Store) GetWebHost(ctx context.Context, id string) (model.WebHost, error) {
	return s.snapshot().GetWebHost(ctx, id)
}

func (s *Store) ListClusters(ctx context.Context) ([]model.Cluster, error) {
	return s.snapshot().ListClusters(ctx)
}

func (s *Store) GetCluster(ctx context.Context, id string) (model.Cluster, error) {
	return s.snapshot().GetCluster(ctx, id)
}

func (s *Store) ListDestinations(ctx context.Context, clusterID string) ([]model.Destination, error) {
	return s.snapshot().ListDestinations(ctx, clusterID)
}

func (s *Store) GetDestination(ctx context.Context, id string) (model.Destination, error) {
	return s.snapshot().GetDestination(ctx, id)
}

func (s *Store) ListRoutes(ctx context.Context) ([]model.Route, error) {
	return s.snapshot().ListRoutes(ctx)
}

func (s *Store) GetRoute(ctx context.Context, id string) (model.Route, error) {
	return s.snapshot().GetRoute(ctx, id)
}

func (s *Store) write(ctx context.Context, fn func(tx store.Tx) error) error {
	return s.InTx(ctx, fn)
}

func (s *Store) PutWebHost(ctx context.Context, h model.WebHost) error {
	return s.write(ctx, func(tx store.Tx) error { return tx.PutWebHost(ctx, h) })
}

func (s *Store) PutCluster(ctx context.Context, c model.Cluster) error {
	return s.write(ctx, func(tx store.Tx) error { return tx.PutCluster(ctx, c) })
}

func (s *Store) PutDestination(ctx context.Context, d model.Destination) error {
	return s.write(ctx, func(tx store.Tx) error { return tx.PutDestination(ctx, d) })
}

func (s *Store) PutRoute(ctx context.Context, r model.Route) error {
	return s.write(ctx, func(tx store.Tx) error { return tx.PutRoute(ctx, r) })
}

func (s *Store) SoftDeleteWebHost(ctx context.Context, id string, at time.Time) error {
	return s.write(ctx, func(tx store.Tx) error { return tx.SoftDeleteWebHost(ctx, id, at) })
}

func (s *Store) SoftDeleteCluster(ctx context.Context, id string, at time.Time) error {
	return s.write(ctx, func(tx store.Tx) error { return tx.SoftDeleteCluster(ctx, id, at) })
}

func (s *Store) SoftDeleteDestination(ctx context.Context, id string, at time.Time) error {
	return s.write(ctx, func(tx store.Tx) error { return tx.SoftDeleteDestination(ctx, id, at) })
}

func (s *Store) SoftDeleteRoute(ctx context.Context, id string, at time.Time) error {
	return s.write(ctx, func(tx store.Tx) error { return tx.SoftDeleteRoute(ctx, id, at) })
}

func (s *Store) SoftDeleteAll(ctx context.Context, at time.Time) error {
	return s.write(ctx, func(tx store.Tx) error { return tx.SoftDeleteAll(ctx, at) })
}

type transformRow struct {
	model.Transform
	position int
}

// tables holds every row, tombstoned ones included. Clusters and routes are
// stored without their children.
type tables struct {
	webHosts     map[string]model.WebHost
	clusters     map[string]model.Cluster
	destinations map[string]model.Destination
	routes       map[string]model.Route
	transforms   map[string]transformRow
}

var _ store.Tx = (*tables)(nil)

func newTables() *tables {
	return &tables{
		webHosts:     map[string]model.WebHost{},
		clusters:     map[string]model.Cluster{},
		destinations: map[string]model.Destination{},
		routes:       map[string]model.Route{},
		transforms:   map[string]transformRow{},
	}
}

func (t *tables) clone() *tables {
	return &tables{
		webHosts:     copyMap(t.webHosts),
		clusters:     copyMap(t.clusters),
		destinations: copyMap(t.destinations),
		routes:       copyMap(t.routes),
		transforms:   copyMap(t.transforms),
	}
}

func copyMap[V any](m map[string]V) map[string]V {
	out := make(map[string]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func byCreated[T any](items []T, base func(T) model.Base) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := base(items[i]), base(items[j])
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

func (t *tables) ListWebHosts(context.Context) ([]model.WebHost, error) {
	out := []model.WebHost{}
	for _, h := range t.webHosts {
		if !h.IsDeleted {
			out = append(out, h)
		}
	}
	byCreated(out, func(h model.WebHost) model.Base { return h.Base })
	return out, nil
}

func (t *tables) GetWebHost(_ context.Context, id string) (model.WebHost, error) {
	h, ok := t.webHosts[id]
	if !ok || h.IsDeleted {
		return model.WebHost{}, fmt.Errorf("web host %s: %w", id, store.ErrNotFound)
	}
	return h, nil
}

func (t *tables) ListClusters(ctx context.Context) ([]model.Cluster, error) {
	out := []model.Cluster{}
	for _, c := range t.clusters {
		if c.IsDeleted {
			continue
		}
		c.Destinations, _ = t.ListDestinations(ctx, c.ID)
		out = append(out, c)
	}
	byCreated(out, func(c model.Cluster) model.Base { return c.Base })
	return out, nil
}

func (t *tables) GetCluster(ctx context.Context, id string) (model.Cluster, error) {
	c, ok := t.clusters[id]
	if !ok || c.IsDeleted {
		return model.Cluster{}, fmt.Errorf("cluster %s: %w", id, store.ErrNotFound)
	}
	c.Destinations, _ = t.ListDestinations(ctx, id)
	return c, nil
}

func (t *tables) ListDestinations(_ context.Context, clusterID string) ([]model.Destination, error) {
	out := []model.Destination{}
	for _, d := range t.destinations {
		if !d.IsDeleted && d.ClusterID == clusterID {
			out = append(out, d)
		}
	}
	byCreated(out, func(d model.Destination) model.Base { return d.Base })
	return out, nil
}

func (t *tables) GetDestination(_ context.Context, id string) (model.Destination, error) {
	d, ok := t.destinations[id]
	if !ok || d.IsDeleted {
		return model.Destination{}, fmt.Errorf("destination %s: %w", id, store.ErrNotFound)
	}
	return d, nil
}

func (t *tables) ListRoutes(context.Context) ([]model.Route, error) {
	out := []model.Route{}
	for _, r := range t.routes {
		if r.IsDeleted {
			continue
		}
		r.Transforms = t.routeTransforms(r.ID)
		out = append(out, r)
	}
	byCreated(out, func(r model.Route) model.Base { return r.Base })
	return out, nil
}

func (t *tables) GetRoute(_ context.Context, id string) (model.Route, error) {
	r, ok := t.routes[id]
	if !ok || r.IsDeleted {
		return model.Route{}, fmt.Errorf("route %s: %w", id, store.ErrNotFound)
	}
	r.Transforms = t.routeTransforms(id)
	return r, nil
}

func (t *tables) routeTransforms(routeID string) []model.Transform {
	var rows []transformRow
	for _, tr := range t.transforms {
		if !tr.IsDeleted && tr.RouteID == routeID {
			rows = append(rows, tr)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].position < rows[j].position })
	out := make([]model.Transform, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.Transform)
	}
	return out
}

func (t *tables) PutWebHost(_ context.Context, h model.WebHost) error {
	if h.ID == "" {
		return fmt.Errorf("put web host: empty id")
	}
	t.webHosts[h.ID] = h
	return nil
}

func (t *tables) PutCluster(ctx context.Context, c model.Cluster) error {
	if c.ID == "" {
		return fmt.Errorf("put cluster: empty id")
	}
	dests := c.Destinations
	c.Destinations = nil
	t.clusters[c.ID] = c
	if dests == nil {
		return nil
	}
	keep := make(map[string]bool, len(dests))
	for _, d := range dests {
		d.ClusterID = c.ID
		if err := t.PutDestination(ctx, d); err != nil {
			return err
		}
		keep[d.ID] = true
	}
	for id, d := range t.destinations {
		if d.ClusterID == c.ID && !d.IsDeleted && !keep[id] {
			d.MarkDeleted(c.UpdatedAt)
			t.destinations[id] = d
		}
	}
	return nil
}

func (t *tables) PutDestination(_ context.Context, d model.Destination) error {
	if d.ID == "" {
		return fmt.Errorf("put destination: empty id")
	}
	t.destinations[d.ID] = d
	return nil
}

func (t *tables) PutRoute(_ context.Context, r model.Route) error {
	if r.ID == "" {
		return fmt.Errorf("put route: empty id")
	}
	transforms := r.Transforms
	r.Transforms = nil
	t.routes[r.ID] = r
	if transforms == nil {
		return nil
	}
	keep := make(map[string]bool, len(transforms))
	for i, tr := range transforms {
		if tr.ID == "" {
			return fmt.Errorf("put route %s: transform %d has empty id", r.ID, i)
		}
		tr.RouteID = r.ID
		t.transforms[tr.ID] = transformRow{Transform: tr, position: i}
		keep[tr.ID] = true
	}
	for id, tr := range t.transforms {
		if tr.RouteID == r.ID && !tr.IsDeleted && !keep[id] {
			tr.MarkDeleted(r.UpdatedAt)
			t.transforms[id] = tr
		}
	}
	return nil
}

func (t *tables) SoftDeleteWebHost(_ context.Context, id string, at time.Time) error {
	h, ok := t.webHosts[id]
	if !ok || h.IsDeleted {
		return fmt.Errorf("web host %s: %w", id, store.ErrNotFound)
	}
	h.MarkDeleted(at)
	t.webHosts[id] = h
	return nil
}

func (t *tables) SoftDeleteCluster(_ context.Context, id string, at time.Time) error {
	c, ok := t.clusters[id]
	if !ok || c.IsDeleted {
		return fmt.Errorf("cluster %s: %w", id, store.ErrNotFound)
	}
	c.MarkDeleted(at)
	t.clusters[id] = c
	for did, d := range t.destinations {
		if d.ClusterID == id && !d.IsDeleted {
			d.MarkDeleted(at)
			t.destinations[did] = d
		}
	}
	return nil
}

func (t *tables) SoftDeleteDestination(_ context.Context, id string, at time.Time) error {
	d, ok := t.destinations[id]
	if !ok || d.IsDeleted {
		return fmt.Errorf("destination %s: %w", id, store.ErrNotFound)
	}
	d.MarkDeleted(at)
	t.destinations[id] = d
	return nil
}

func (t *tables) SoftDeleteRoute(_ context.Context, id string, at time.Time) error {
	r, ok := t.routes[id]
	if !ok || r.IsDeleted {
		return fmt.Errorf("route %s: %w", id, store.ErrNotFound)
	}
	r.MarkDeleted(at)
	t.routes[id] = r
	for tid, tr := range t.transforms {
		if tr.RouteID == id && !tr.IsDeleted {
			tr.MarkDeleted(at)
			t.transforms[tid] = tr
		}
	}
	return nil
}

func (t *tables) SoftDeleteAll(_ context.Context, at time.Time) error {
	for id, v := range t.transforms {
		if !v.IsDeleted {
			v.MarkDeleted(at)
			t.transforms[id] = v
		}
	}
	for id, v := range t.routes {
		if !v.IsDeleted {
			v.MarkDeleted(at)
			t.routes[id] = v
		}
	}
	for id, v := range t.destinations {
		if !v.IsDeleted {
			v.MarkDeleted(at)
			t.destinations[id] = v
		}
	}
	for id, v := range t.clusters {
		if !v.IsDeleted {
			v.MarkDeleted(at)
			t.clusters[id] = v
		}
	}
	for id, v := range t.webHosts {
		if !v.IsDeleted {
			v.MarkDeleted(at)
			t.webHosts[id] = v
		}
	}
	return nil
}
