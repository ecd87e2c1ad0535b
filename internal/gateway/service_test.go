package gateway

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proxyplane/internal/backup"
	"proxyplane/internal/document"
	"proxyplane/internal/model"
	"proxyplane/internal/provider"
	"proxyplane/internal/store"
	"proxyplane/internal/store/memstore"
)

// flakyStore fails the next N route writes made inside transactions.
type flakyStore struct {
	*memstore.Store
	failures atomic.Int32
}

func (f *flakyStore) InTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return f.Store.InTx(ctx, func(tx store.Tx) error {
		return fn(flakyTx{Tx: tx, owner: f})
	})
}

type flakyTx struct {
	store.Tx
	owner *flakyStore
}

func (t flakyTx) PutRoute(ctx context.Context, r model.Route) error {
	if t.owner.failures.Add(-1) >= 0 {
		return errors.New("disk full")
	}
	return t.Tx.PutRoute(ctx, r)
}

type harness struct {
	svc      *Service
	provider *provider.Provider
	backups  *backup.Service
}

func newHarness(t *testing.T, st store.Store) harness {
	t.Helper()
	log := zerolog.Nop()
	storage, err := backup.OpenBlobStore(context.Background(), "mem://")
	require.NoError(t, err)
	t.Cleanup(func() { storage.Close() })

	p := provider.New(st, nil, log)
	b := backup.NewService(st, storage, backup.Options{}, nil, log)
	svc := NewService(Deps{Store: st, Provider: p, Backups: b, Log: log})
	return harness{svc: svc, provider: p, backups: b}
}

func scenarioDoc() document.Document {
	return document.Document{
		Hosts: []document.Host{{Name: "api", HostNames: []string{"api.example.com"}}},
		ProxyRules: []document.ProxyRule{{
			Name:       "r1",
			PathPrefix: "/v1",
			Hosts:      []string{"api.example.com"},
			Cluster: document.Cluster{
				Name:         "c1",
				Destinations: []document.Destination{{Name: "d1", Address: "http://10.0.0.1:8080"}},
			},
		}},
	}
}

func otherDoc() document.Document {
	doc := scenarioDoc()
	doc.ProxyRules[0].Name = "r2"
	doc.ProxyRules[0].PathPrefix = "/v2"
	doc.ProxyRules[0].Cluster.Name = "c2"
	doc.ProxyRules[0].Cluster.Destinations = append(doc.ProxyRules[0].Cluster.Destinations,
		document.Destination{Name: "d2", Address: "http://10.0.0.2:8080"})
	return doc
}

func TestImportScenario(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, memstore.New())

	res, err := h.svc.ImportConfiguration(ctx, scenarioDoc())
	require.NoError(t, err)
	require.True(t, res.Success)

	hosts, err := h.svc.GetWebHosts(ctx)
	require.NoError(t, err)
	require.Len(t, hosts, 1)

	clusters, err := h.svc.GetClusters(ctx)
	require.NoError(t, err)
	require.Len(t, clusters, 1)
	assert.Len(t, clusters[0].Destinations, 1)

	routes, err := h.svc.GetRoutes(ctx)
	require.NoError(t, err)
	require.Len(t, routes, 1)
	assert.Equal(t, "/v1", routes[0].Match.Path)
	assert.Equal(t, []string{"api.example.com"}, routes[0].Match.Hosts)

	snap := h.svc.ProxyConfiguration()
	assert.Len(t, snap.Routes, 1)
	assert.Len(t, snap.Clusters, 1)
}

func TestImportIsAdditive(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, memstore.New())

	_, err := h.svc.ImportConfiguration(ctx, scenarioDoc())
	require.NoError(t, err)
	_, err = h.svc.ImportConfiguration(ctx, otherDoc())
	require.NoError(t, err)

	st, err := h.svc.GetConfigurationStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.RouteCount)
	assert.Equal(t, 2, st.ClusterCount)
	assert.Equal(t, 3, st.DestinationCount)
	assert.True(t, st.IsValid)
}

func TestExportConfiguration(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, memstore.New())
	_, err := h.svc.ImportConfiguration(ctx, scenarioDoc())
	require.NoError(t, err)

	doc, err := h.svc.ExportConfiguration(ctx)
	require.NoError(t, err)
	require.Len(t, doc.ProxyRules, 1)
	assert.Equal(t, "r1", doc.ProxyRules[0].Name)
	assert.Equal(t, "/v1", doc.ProxyRules[0].PathPrefix)
	assert.Equal(t, "c1", doc.ProxyRules[0].Cluster.Name)
	require.Len(t, doc.Hosts, 1)
	assert.Equal(t, []string{"api.example.com"}, doc.Hosts[0].HostNames)
}

func TestRouteCRUD(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, memstore.New())

	_, err := h.svc.CreateRoute(ctx, model.Route{Name: "orphan", ClusterID: "missing"})
	assert.ErrorIs(t, err, ErrInvalidReference)

	cluster, err := h.svc.CreateCluster(ctx, model.Cluster{
		Name:         "c1",
		Destinations: []model.Destination{{Name: "d1", Address: "http://10.0.0.1"}},
	})
	require.NoError(t, err)
	assert.Equal(t, model.PolicyRoundRobin, cluster.LoadBalancingPolicy)

	route, err := h.svc.CreateRoute(ctx, model.Route{
		Name:       "r1",
		ClusterID:  cluster.ID,
		Match:      model.Match{Path: "/v1"},
		Transforms: []model.Transform{{Kind: model.TransformPathSet, Value: "/"}},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, route.ID)
	assert.Len(t, h.provider.GetConfig().Routes, 1)

	id := route.ID
	change := route
	change.Name = "renamed"
	change.ID = "ignored"
	change.CreatedAt = time.Time{}
	updated, err := h.svc.UpdateRoute(ctx, id, change)
	require.NoError(t, err)
	assert.Equal(t, id, updated.ID)
	assert.True(t, route.CreatedAt.Equal(updated.CreatedAt))
	assert.True(t, updated.UpdatedAt.After(route.UpdatedAt))

	got, err := h.svc.GetRoute(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
	assert.Len(t, got.Transforms, 1)

	require.NoError(t, h.svc.DeleteRoute(ctx, id))
	_, err = h.svc.GetRoute(ctx, id)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Empty(t, h.provider.GetConfig().Routes)

	err = h.svc.DeleteRoute(ctx, id)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRouteToDeletedCluster(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, memstore.New())
	cluster, err := h.svc.CreateCluster(ctx, model.Cluster{Name: "c1"})
	require.NoError(t, err)
	require.NoError(t, h.svc.DeleteCluster(ctx, cluster.ID))

	_, err = h.svc.CreateRoute(ctx, model.Route{Name: "r1", ClusterID: cluster.ID})
	assert.ErrorIs(t, err, ErrInvalidReference)
}

func TestDestinationCRUD(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, memstore.New())
	cluster, err := h.svc.CreateCluster(ctx, model.Cluster{Name: "c1"})
	require.NoError(t, err)

	valid, err := h.svc.ValidateConfiguration(ctx)
	require.NoError(t, err)
	assert.False(t, valid, "cluster without destinations")

	_, err = h.svc.CreateDestination(ctx, model.Destination{ClusterID: "nope", Address: "http://x"})
	assert.ErrorIs(t, err, ErrInvalidReference)

	d, err := h.svc.CreateDestination(ctx, model.Destination{ClusterID: cluster.ID, Name: "d1", Address: "http://10.0.0.1"})
	require.NoError(t, err)

	valid, err = h.svc.ValidateConfiguration(ctx)
	require.NoError(t, err)
	assert.True(t, valid)

	d.Address = "http://10.0.0.9"
	d.ClusterID = ""
	updated, err := h.svc.UpdateDestination(ctx, d.ID, d)
	require.NoError(t, err)
	assert.Equal(t, cluster.ID, updated.ClusterID)

	dests, err := h.svc.GetDestinations(ctx, cluster.ID)
	require.NoError(t, err)
	require.Len(t, dests, 1)
	assert.Equal(t, "http://10.0.0.9", dests[0].Address)

	require.NoError(t, h.svc.DeleteDestination(ctx, d.ID))
	dests, err = h.svc.GetDestinations(ctx, cluster.ID)
	require.NoError(t, err)
	assert.Empty(t, dests)
}

func TestUpdateClusterKeepsDestinationsWhenOmitted(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, memstore.New())
	cluster, err := h.svc.CreateCluster(ctx, model.Cluster{
		Name:         "c1",
		Destinations: []model.Destination{{Name: "d1", Address: "http://10.0.0.1"}},
	})
	require.NoError(t, err)

	updated, err := h.svc.UpdateCluster(ctx, cluster.ID, model.Cluster{Name: "c1", LoadBalancingPolicy: model.PolicyRandom})
	require.NoError(t, err)
	assert.Len(t, updated.Destinations, 1)

	got, err := h.svc.GetCluster(ctx, cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PolicyRandom, got.LoadBalancingPolicy)
	assert.Len(t, got.Destinations, 1)
}

func TestWebHostCRUD(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, memstore.New())
	host, err := h.svc.CreateWebHost(ctx, model.WebHost{Name: "api", HostName: "api.example.com"})
	require.NoError(t, err)

	host.HostName = "api2.example.com"
	_, err = h.svc.UpdateWebHost(ctx, host.ID, host)
	require.NoError(t, err)
	got, err := h.svc.GetWebHost(ctx, host.ID)
	require.NoError(t, err)
	assert.Equal(t, "api2.example.com", got.HostName)

	require.NoError(t, h.svc.DeleteWebHost(ctx, host.ID))
	_, err = h.svc.UpdateWebHost(ctx, host.ID, host)
	assert.ErrorIs(t, err, store.ErrNotFound)
}
