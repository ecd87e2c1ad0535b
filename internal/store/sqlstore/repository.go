package sqlstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"proxyplane/internal/model"
	"proxyplane/internal/store"
)

const (
	baseCols        = "created_at, updated_at, is_deleted, deleted_at"
	webHostCols     = "id, name, host_name, is_default, " + baseCols
	clusterCols     = "id, web_host_id, name, load_balancing_policy, health_check, session_affinity, http_client, http_request, metadata, " + baseCols
	destinationCols = "id, cluster_id, name, address, health, " + baseCols
	routeCols       = "id, web_host_id, cluster_id, name, route_order, max_request_body_size, authorization_policy, cors_policy, match_spec, metadata, " + baseCols
	transformCols   = "id, route_id, kind, value, " + baseCols

	active = "is_deleted = FALSE"
)

// repository implements store.Reader and store.Writer over a conn, which is
// either the pool or an open transaction.
type repository struct {
	c conn
	d dialect
}

var _ store.Tx = (*repository)(nil)

func (r *repository) exec(ctx context.Context, query string, args ...any) error {
	return r.c.Exec(ctx, r.d.rebind(query), args...)
}

func (r *repository) query(ctx context.Context, query string, args ...any) (rows, error) {
	return r.c.Query(ctx, r.d.rebind(query), args...)
}

// base columns

type baseRow struct {
	created   int64
	updated   int64
	deleted   bool
	deletedAt *int64
}

func (b *baseRow) dest() []any {
	return []any{&b.created, &b.updated, &b.deleted, &b.deletedAt}
}

func (b baseRow) into(id string) model.Base {
	out := model.Base{
		ID:        id,
		CreatedAt: fromMicros(b.created),
		UpdatedAt: fromMicros(b.updated),
		IsDeleted: b.deleted,
	}
	if b.deletedAt != nil {
		t := fromMicros(*b.deletedAt)
		out.DeletedAt = &t
	}
	return out
}

func baseArgs(b model.Base) []any {
	var deletedAt *int64
	if b.DeletedAt != nil {
		v := b.DeletedAt.UnixMicro()
		deletedAt = &v
	}
	return []any{b.CreatedAt.UnixMicro(), b.UpdatedAt.UnixMicro(), b.IsDeleted, deletedAt}
}

func fromMicros(v int64) time.Time {
	return time.UnixMicro(v).UTC()
}

func encodeOpt[T any](v *T) (*string, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func decodeOpt[T any](s *string) (*T, error) {
	if s == nil || *s == "" {
		return nil, nil
	}
	var v T
	if err := json.Unmarshal([]byte(*s), &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func upsertSQL(table, cols string) string {
	names := strings.Split(cols, ", ")
	marks := make([]string, len(names))
	sets := make([]string, 0, len(names)-1)
	for i, n := range names {
		marks[i] = "?"
		if n != "id" {
			sets = append(sets, n+" = excluded."+n)
		}
	}
	return "INSERT INTO " + table + " (" + cols + ") VALUES (" + strings.Join(marks, ", ") +
		") ON CONFLICT (id) DO UPDATE SET " + strings.Join(sets, ", ")
}

// web hosts

func (r *repository) ListWebHosts(ctx context.Context) ([]model.WebHost, error) {
	return r.selectWebHosts(ctx, "WHERE "+active+" ORDER BY created_at, id")
}

func (r *repository) GetWebHost(ctx context.Context, id string) (model.WebHost, error) {
	hosts, err := r.selectWebHosts(ctx, "WHERE id = ? AND "+active, id)
	if err != nil {
		return model.WebHost{}, err
	}
	if len(hosts) == 0 {
		return model.WebHost{}, fmt.Errorf("web host %s: %w", id, store.ErrNotFound)
	}
	return hosts[0], nil
}

func (r *repository) selectWebHosts(ctx context.Context, where string, args ...any) ([]model.WebHost, error) {
	rs, err := r.query(ctx, "SELECT "+webHostCols+" FROM web_hosts "+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query web hosts: %w", err)
	}
	defer rs.Close()
	out := []model.WebHost{}
	for rs.Next() {
		var h model.WebHost
		var id string
		var b baseRow
		if err := rs.Scan(append([]any{&id, &h.Name, &h.HostName, &h.IsDefault}, b.dest()...)...); err != nil {
			return nil, fmt.Errorf("scan web host: %w", err)
		}
		h.Base = b.into(id)
		out = append(out, h)
	}
	return out, rs.Err()
}

func (r *repository) PutWebHost(ctx context.Context, h model.WebHost) error {
	if h.ID == "" {
		return fmt.Errorf("put web host: empty id")
	}
	args := append([]any{h.ID, h.Name, h.HostName, h.IsDefault}, baseArgs(h.Base)...)
	if err := r.exec(ctx, upsertSQL("web_hosts", webHostCols), args...); err != nil {
		return fmt.Errorf("put web host %s: %w", h.ID, err)
	}
	return nil
}

// clusters

func (r *repository) ListClusters(ctx context.Context) ([]model.Cluster, error) {
	clusters, err := r.selectClusters(ctx, "WHERE "+active+" ORDER BY created_at, id")
	if err != nil {
		return nil, err
	}
	dests, err := r.selectDestinations(ctx,
		"WHERE "+active+" AND cluster_id IN (SELECT id FROM clusters WHERE "+active+") ORDER BY created_at, id")
	if err != nil {
		return nil, err
	}
	attachDestinations(clusters, dests)
	return clusters, nil
}

func (r *repository) GetCluster(ctx context.Context, id string) (model.Cluster, error) {
	clusters, err := r.selectClusters(ctx, "WHERE id = ? AND "+active, id)
	if err != nil {
		return model.Cluster{}, err
	}
	if len(clusters) == 0 {
		return model.Cluster{}, fmt.Errorf("cluster %s: %w", id, store.ErrNotFound)
	}
	dests, err := r.ListDestinations(ctx, id)
	if err != nil {
		return model.Cluster{}, err
	}
	clusters[0].Destinations = dests
	return clusters[0], nil
}

func attachDestinations(clusters []model.Cluster, dests []model.Destination) {
	byCluster := make(map[string][]model.Destination, len(clusters))
	for _, d := range dests {
		byCluster[d.ClusterID] = append(byCluster[d.ClusterID], d)
	}
	for i := range clusters {
		clusters[i].Destinations = byCluster[clusters[i].ID]
		if clusters[i].Destinations == nil {
			clusters[i].Destinations = []model.Destination{}
		}
	}
}

func (r *repository) selectClusters(ctx context.Context, where string, args ...any) ([]model.Cluster, error) {
	rs, err := r.query(ctx, "SELECT "+clusterCols+" FROM clusters "+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query clusters: %w", err)
	}
	defer rs.Close()
	out := []model.Cluster{}
	for rs.Next() {
		var c model.Cluster
		var id string
		var hc, sa, client, req, meta *string
		var b baseRow
		dest := append([]any{&id, &c.WebHostID, &c.Name, &c.LoadBalancingPolicy, &hc, &sa, &client, &req, &meta}, b.dest()...)
		if err := rs.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan cluster: %w", err)
		}
		c.Base = b.into(id)
		if c.HealthCheck, err = decodeOpt[model.HealthCheck](hc); err != nil {
			return nil, fmt.Errorf("cluster %s health check: %w", id, err)
		}
		if c.SessionAffinity, err = decodeOpt[model.SessionAffinity](sa); err != nil {
			return nil, fmt.Errorf("cluster %s session affinity: %w", id, err)
		}
		if c.HTTPClient, err = decodeOpt[model.HTTPClientSettings](client); err != nil {
			return nil, fmt.Errorf("cluster %s http client: %w", id, err)
		}
		if c.HTTPRequest, err = decodeOpt[model.HTTPRequestSettings](req); err != nil {
			return nil, fmt.Errorf("cluster %s http request: %w", id, err)
		}
		if c.Metadata, err = decodeOpt[model.Metadata](meta); err != nil {
			return nil, fmt.Errorf("cluster %s metadata: %w", id, err)
		}
		out = append(out, c)
	}
	return out, rs.Err()
}

// PutCluster upserts the cluster row. A nil Destinations slice leaves the
// cluster's destinations untouched; otherwise they are replaced.
func (r *repository) PutCluster(ctx context.Context, c model.Cluster) error {
	if c.ID == "" {
		return fmt.Errorf("put cluster: empty id")
	}
	hc, err := encodeOpt(c.HealthCheck)
	if err != nil {
		return err
	}
	sa, err := encodeOpt(c.SessionAffinity)
	if err != nil {
		return err
	}
	client, err := encodeOpt(c.HTTPClient)
	if err != nil {
		return err
	}
	req, err := encodeOpt(c.HTTPRequest)
	if err != nil {
		return err
	}
	meta, err := encodeOpt(c.Metadata)
	if err != nil {
		return err
	}
	args := append([]any{c.ID, c.WebHostID, c.Name, c.LoadBalancingPolicy, hc, sa, client, req, meta}, baseArgs(c.Base)...)
	if err := r.exec(ctx, upsertSQL("clusters", clusterCols), args...); err != nil {
		return fmt.Errorf("put cluster %s: %w", c.ID, err)
	}
	if c.Destinations == nil {
		return nil
	}
	keep := make(map[string]bool, len(c.Destinations))
	for _, d := range c.Destinations {
		d.ClusterID = c.ID
		if err := r.PutDestination(ctx, d); err != nil {
			return err
		}
		keep[d.ID] = true
	}
	_, err = r.softDelete(ctx, "destinations", "cluster_id = ?", []any{c.ID}, c.UpdatedAt, keep)
	return err
}

// destinations

func (r *repository) ListDestinations(ctx context.Context, clusterID string) ([]model.Destination, error) {
	dests, err := r.selectDestinations(ctx, "WHERE cluster_id = ? AND "+active+" ORDER BY created_at, id", clusterID)
	if err != nil {
		return nil, err
	}
	if dests == nil {
		dests = []model.Destination{}
	}
	return dests, nil
}

func (r *repository) GetDestination(ctx context.Context, id string) (model.Destination, error) {
	dests, err := r.selectDestinations(ctx, "WHERE id = ? AND "+active, id)
	if err != nil {
		return model.Destination{}, err
	}
	if len(dests) == 0 {
		return model.Destination{}, fmt.Errorf("destination %s: %w", id, store.ErrNotFound)
	}
	return dests[0], nil
}

func (r *repository) selectDestinations(ctx context.Context, where string, args ...any) ([]model.Destination, error) {
	rs, err := r.query(ctx, "SELECT "+destinationCols+" FROM destinations "+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query destinations: %w", err)
	}
	defer rs.Close()
	var out []model.Destination
	for rs.Next() {
		var d model.Destination
		var id string
		var b baseRow
		if err := rs.Scan(append([]any{&id, &d.ClusterID, &d.Name, &d.Address, &d.Health}, b.dest()...)...); err != nil {
			return nil, fmt.Errorf("scan destination: %w", err)
		}
		d.Base = b.into(id)
		out = append(out, d)
	}
	return out, rs.Err()
}

func (r *repository) PutDestination(ctx context.Context, d model.Destination) error {
	if d.ID == "" {
		return fmt.Errorf("put destination: empty id")
	}
	args := append([]any{d.ID, d.ClusterID, d.Name, d.Address, d.Health}, baseArgs(d.Base)...)
	if err := r.exec(ctx, upsertSQL("destinations", destinationCols), args...); err != nil {
		return fmt.Errorf("put destination %s: %w", d.ID, err)
	}
	return nil
}

// routes

func (r *repository) ListRoutes(ctx context.Context) ([]model.Route, error) {
	routes, err := r.selectRoutes(ctx, "WHERE "+active+" ORDER BY created_at, id")
	if err != nil {
		return nil, err
	}
	transforms, err := r.selectTransforms(ctx,
		"WHERE "+active+" AND route_id IN (SELECT id FROM routes WHERE "+active+") ORDER BY route_id, position")
	if err != nil {
		return nil, err
	}
	attachTransforms(routes, transforms)
	return routes, nil
}

func (r *repository) GetRoute(ctx context.Context, id string) (model.Route, error) {
	routes, err := r.selectRoutes(ctx, "WHERE id = ? AND "+active, id)
	if err != nil {
		return model.Route{}, err
	}
	if len(routes) == 0 {
		return model.Route{}, fmt.Errorf("route %s: %w", id, store.ErrNotFound)
	}
	transforms, err := r.selectTransforms(ctx, "WHERE route_id = ? AND "+active+" ORDER BY position", id)
	if err != nil {
		return model.Route{}, err
	}
	attachTransforms(routes, transforms)
	return routes[0], nil
}

func attachTransforms(routes []model.Route, transforms []model.Transform) {
	byRoute := make(map[string][]model.Transform, len(routes))
	for _, t := range transforms {
		byRoute[t.RouteID] = append(byRoute[t.RouteID], t)
	}
	for i := range routes {
		routes[i].Transforms = byRoute[routes[i].ID]
		if routes[i].Transforms == nil {
			routes[i].Transforms = []model.Transform{}
		}
	}
}

func (r *repository) selectRoutes(ctx context.Context, where string, args ...any) ([]model.Route, error) {
	rs, err := r.query(ctx, "SELECT "+routeCols+" FROM routes "+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query routes: %w", err)
	}
	defer rs.Close()
	out := []model.Route{}
	for rs.Next() {
		var rt model.Route
		var id, match string
		var meta *string
		var b baseRow
		dest := append([]any{&id, &rt.WebHostID, &rt.ClusterID, &rt.Name, &rt.Order, &rt.MaxRequestBodySize,
			&rt.AuthorizationPolicy, &rt.CorsPolicy, &match, &meta}, b.dest()...)
		if err := rs.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan route: %w", err)
		}
		rt.Base = b.into(id)
		if err := json.Unmarshal([]byte(match), &rt.Match); err != nil {
			return nil, fmt.Errorf("route %s match: %w", id, err)
		}
		if rt.Metadata, err = decodeOpt[model.Metadata](meta); err != nil {
			return nil, fmt.Errorf("route %s metadata: %w", id, err)
		}
		out = append(out, rt)
	}
	return out, rs.Err()
}

// PutRoute upserts the route row. A nil Transforms slice leaves the route's
// transforms untouched; otherwise they are replaced and the previous ones
// tombstoned.
func (r *repository) PutRoute(ctx context.Context, rt model.Route) error {
	if rt.ID == "" {
		return fmt.Errorf("put route: empty id")
	}
	match, err := json.Marshal(rt.Match)
	if err != nil {
		return err
	}
	meta, err := encodeOpt(rt.Metadata)
	if err != nil {
		return err
	}
	args := append([]any{rt.ID, rt.WebHostID, rt.ClusterID, rt.Name, rt.Order, rt.MaxRequestBodySize,
		rt.AuthorizationPolicy, rt.CorsPolicy, string(match), meta}, baseArgs(rt.Base)...)
	if err := r.exec(ctx, upsertSQL("routes", routeCols), args...); err != nil {
		return fmt.Errorf("put route %s: %w", rt.ID, err)
	}
	if rt.Transforms == nil {
		return nil
	}
	keep := make(map[string]bool, len(rt.Transforms))
	for i, t := range rt.Transforms {
		if t.ID == "" {
			return fmt.Errorf("put route %s: transform %d has empty id", rt.ID, i)
		}
		targs := append([]any{t.ID, rt.ID, i, t.Kind, t.Value}, baseArgs(t.Base)...)
		if err := r.exec(ctx, upsertSQL("transforms", "id, route_id, position, kind, value, "+baseCols), targs...); err != nil {
			return fmt.Errorf("put transform %s: %w", t.ID, err)
		}
		keep[t.ID] = true
	}
	_, err = r.softDelete(ctx, "transforms", "route_id = ?", []any{rt.ID}, rt.UpdatedAt, keep)
	return err
}

func (r *repository) selectTransforms(ctx context.Context, where string, args ...any) ([]model.Transform, error) {
	rs, err := r.query(ctx, "SELECT "+transformCols+" FROM transforms "+where, args...)
	if err != nil {
		return nil, fmt.Errorf("query transforms: %w", err)
	}
	defer rs.Close()
	var out []model.Transform
	for rs.Next() {
		var t model.Transform
		var id string
		var b baseRow
		if err := rs.Scan(append([]any{&id, &t.RouteID, &t.Kind, &t.Value}, b.dest()...)...); err != nil {
			return nil, fmt.Errorf("scan transform: %w", err)
		}
		t.Base = b.into(id)
		out = append(out, t)
	}
	return out, rs.Err()
}

// soft delete

func (r *repository) SoftDeleteWebHost(ctx context.Context, id string, at time.Time) error {
	return r.softDeleteOne(ctx, "web_hosts", id, at)
}

func (r *repository) SoftDeleteCluster(ctx context.Context, id string, at time.Time) error {
	if err := r.softDeleteOne(ctx, "clusters", id, at); err != nil {
		return err
	}
	_, err := r.softDelete(ctx, "destinations", "cluster_id = ?", []any{id}, at, nil)
	return err
}

func (r *repository) SoftDeleteDestination(ctx context.Context, id string, at time.Time) error {
	return r.softDeleteOne(ctx, "destinations", id, at)
}

func (r *repository) SoftDeleteRoute(ctx context.Context, id string, at time.Time) error {
	if err := r.softDeleteOne(ctx, "routes", id, at); err != nil {
		return err
	}
	_, err := r.softDelete(ctx, "transforms", "route_id = ?", []any{id}, at, nil)
	return err
}

func (r *repository) SoftDeleteAll(ctx context.Context, at time.Time) error {
	for _, table := range []string{"transforms", "routes", "destinations", "clusters", "web_hosts"} {
		if _, err := r.softDelete(ctx, table, "1 = 1", nil, at, nil); err != nil {
			return err
		}
	}
	return nil
}

func (r *repository) softDeleteOne(ctx context.Context, table, id string, at time.Time) error {
	n, err := r.softDelete(ctx, table, "id = ?", []any{id}, at, nil)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s: %w", strings.TrimSuffix(table, "s"), id, store.ErrNotFound)
	}
	return nil
}

// softDelete tombstones the active rows of table matching cond, skipping
// ids in keep. Each row's updated_at moves strictly forward.
func (r *repository) softDelete(ctx context.Context, table, cond string, args []any, at time.Time, keep map[string]bool) (int, error) {
	rs, err := r.query(ctx, "SELECT id, updated_at FROM "+table+" WHERE "+active+" AND "+cond, args...)
	if err != nil {
		return 0, fmt.Errorf("select %s for delete: %w", table, err)
	}
	type victim struct {
		id      string
		updated int64
	}
	var victims []victim
	for rs.Next() {
		var v victim
		if err := rs.Scan(&v.id, &v.updated); err != nil {
			rs.Close()
			return 0, fmt.Errorf("scan %s: %w", table, err)
		}
		if !keep[v.id] {
			victims = append(victims, v)
		}
	}
	err = rs.Err()
	rs.Close()
	if err != nil {
		return 0, err
	}
	for _, v := range victims {
		ts := model.Later(fromMicros(v.updated), at).UnixMicro()
		if err := r.exec(ctx, "UPDATE "+table+" SET is_deleted = TRUE, deleted_at = ?, updated_at = ? WHERE id = ?", ts, ts, v.id); err != nil {
			return 0, fmt.Errorf("soft delete %s %s: %w", table, v.id, err)
		}
	}
	return len(victims), nil
}
