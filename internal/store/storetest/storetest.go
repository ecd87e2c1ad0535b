// Package storetest holds the behaviour every store adapter must share.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proxyplane/internal/model"
	"proxyplane/internal/store"
)

// Fixture builds one host, one cluster with two destinations and one route
// with two transforms, all stamped at now.
func Fixture(now time.Time) (model.WebHost, model.Cluster, model.Route) {
	host := model.WebHost{Base: model.NewBase(now), Name: "api", HostName: "api.example.com"}
	cluster := model.Cluster{
		Base:                model.NewBase(now),
		WebHostID:           host.ID,
		Name:                "c1",
		LoadBalancingPolicy: model.PolicyRoundRobin,
		HealthCheck: &model.HealthCheck{
			Base:    model.NewBase(now),
			Active:  &model.ActiveHealthCheck{Enabled: true, Interval: 10 * time.Second, Timeout: 2 * time.Second, Policy: "ConsecutiveFailures", Path: "/health"},
			Passive: &model.PassiveHealthCheck{Enabled: true, Policy: "TransportFailureRate", ReactivationPeriod: time.Minute},
		},
		Metadata: &model.Metadata{Base: model.NewBase(now), Values: map[string]string{"destination.d1.zone": "a"}},
	}
	for _, name := range []string{"d1", "d2"} {
		cluster.Destinations = append(cluster.Destinations, model.Destination{
			Base:      model.NewBase(now),
			ClusterID: cluster.ID,
			Name:      name,
			Address:   "http://10.0.0.1:8080",
		})
	}
	order := 5
	route := model.Route{
		Base:      model.NewBase(now),
		WebHostID: host.ID,
		ClusterID: cluster.ID,
		Name:      "r1",
		Order:     &order,
		Match:     model.Match{Base: model.NewBase(now), Path: "/v1", Hosts: []string{"api.example.com"}},
		Transforms: []model.Transform{
			{Base: model.NewBase(now), Kind: "X-Forwarded-Prefix", Value: "/v1"},
			{Base: model.NewBase(now), Kind: model.TransformPathSet, Value: "/v1"},
		},
	}
	return host, cluster, route
}

func seed(t *testing.T, s store.Store, now time.Time) (model.WebHost, model.Cluster, model.Route) {
	t.Helper()
	ctx := context.Background()
	host, cluster, route := Fixture(now)
	require.NoError(t, s.PutWebHost(ctx, host))
	require.NoError(t, s.PutCluster(ctx, cluster))
	require.NoError(t, s.PutRoute(ctx, route))
	return host, cluster, route
}

// Run exercises an adapter. newStore must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) store.Store) {
	t.Run("RoundTrip", func(t *testing.T) { testRoundTrip(t, newStore(t)) })
	t.Run("SoftDeleteExcludes", func(t *testing.T) { testSoftDelete(t, newStore(t)) })
	t.Run("PutResurrects", func(t *testing.T) { testResurrect(t, newStore(t)) })
	t.Run("ReplaceChildren", func(t *testing.T) { testReplaceChildren(t, newStore(t)) })
	t.Run("TxRollback", func(t *testing.T) { testTxRollback(t, newStore(t)) })
	t.Run("TxSeesOwnWrites", func(t *testing.T) { testTxVisibility(t, newStore(t)) })
	t.Run("Count", func(t *testing.T) { testCount(t, newStore(t)) })
}

func testRoundTrip(t *testing.T, s store.Store) {
	ctx := context.Background()
	host, cluster, route := seed(t, s, time.Now())

	gotHost, err := s.GetWebHost(ctx, host.ID)
	require.NoError(t, err)
	assert.Equal(t, "api.example.com", gotHost.HostName)

	gotCluster, err := s.GetCluster(ctx, cluster.ID)
	require.NoError(t, err)
	assert.Equal(t, model.PolicyRoundRobin, gotCluster.LoadBalancingPolicy)
	require.Len(t, gotCluster.Destinations, 2)
	require.NotNil(t, gotCluster.HealthCheck)
	require.NotNil(t, gotCluster.HealthCheck.Active)
	assert.Equal(t, 10*time.Second, gotCluster.HealthCheck.Active.Interval)
	assert.Nil(t, gotCluster.SessionAffinity)
	assert.Nil(t, gotCluster.HTTPClient)
	require.NotNil(t, gotCluster.Metadata)
	assert.Equal(t, "a", gotCluster.Metadata.Values["destination.d1.zone"])

	gotRoute, err := s.GetRoute(ctx, route.ID)
	require.NoError(t, err)
	assert.Equal(t, "/v1", gotRoute.Match.Path)
	assert.Equal(t, []string{"api.example.com"}, gotRoute.Match.Hosts)
	assert.Nil(t, gotRoute.Match.Methods)
	require.NotNil(t, gotRoute.Order)
	assert.Equal(t, 5, *gotRoute.Order)
	assert.Nil(t, gotRoute.MaxRequestBodySize)
	require.Len(t, gotRoute.Transforms, 2)
	assert.Equal(t, model.TransformPathSet, gotRoute.Transforms[1].Kind)

	routes, err := s.ListRoutes(ctx)
	require.NoError(t, err)
	require.Len(t, routes, 1)
	assert.Len(t, routes[0].Transforms, 2)

	clusters, err := s.ListClusters(ctx)
	require.NoError(t, err)
	require.Len(t, clusters, 1)
	assert.Len(t, clusters[0].Destinations, 2)

	_, err = s.GetRoute(ctx, "missing")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func testSoftDelete(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Now()
	host, cluster, route := seed(t, s, now)

	require.NoError(t, s.SoftDeleteRoute(ctx, route.ID, now))
	_, err := s.GetRoute(ctx, route.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	routes, err := s.ListRoutes(ctx)
	require.NoError(t, err)
	assert.Empty(t, routes)
	assert.ErrorIs(t, s.SoftDeleteRoute(ctx, route.ID, now), store.ErrNotFound)

	require.NoError(t, s.SoftDeleteDestination(ctx, cluster.Destinations[0].ID, now))
	dests, err := s.ListDestinations(ctx, cluster.ID)
	require.NoError(t, err)
	require.Len(t, dests, 1)
	assert.Equal(t, "d2", dests[0].Name)

	require.NoError(t, s.SoftDeleteCluster(ctx, cluster.ID, now))
	clusters, err := s.ListClusters(ctx)
	require.NoError(t, err)
	assert.Empty(t, clusters)
	dests, err = s.ListDestinations(ctx, cluster.ID)
	require.NoError(t, err)
	assert.Empty(t, dests)

	require.NoError(t, s.SoftDeleteWebHost(ctx, host.ID, now))
	hosts, err := s.ListWebHosts(ctx)
	require.NoError(t, err)
	assert.Empty(t, hosts)
}

func testResurrect(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Now()
	host, cluster, route := seed(t, s, now)
	require.NoError(t, s.SoftDeleteAll(ctx, now))

	c, err := store.Count(ctx, s)
	require.NoError(t, err)
	assert.Zero(t, c.Routes+c.Clusters+c.WebHosts+c.Destinations)

	later := now.Add(time.Second)
	host.Revive(later)
	cluster.Revive(later)
	for i := range cluster.Destinations {
		cluster.Destinations[i].Revive(later)
	}
	route.Revive(later)
	for i := range route.Transforms {
		route.Transforms[i].Revive(later)
	}
	require.NoError(t, s.PutWebHost(ctx, host))
	require.NoError(t, s.PutCluster(ctx, cluster))
	require.NoError(t, s.PutRoute(ctx, route))

	got, err := s.GetRoute(ctx, route.ID)
	require.NoError(t, err)
	assert.False(t, got.IsDeleted)
	assert.Nil(t, got.DeletedAt)
	assert.Len(t, got.Transforms, 2)
	gotCluster, err := s.GetCluster(ctx, cluster.ID)
	require.NoError(t, err)
	assert.Len(t, gotCluster.Destinations, 2)
}

func testReplaceChildren(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Now()
	_, cluster, route := seed(t, s, now)

	route.Transforms = []model.Transform{{Base: model.NewBase(now), Kind: model.TransformPathRemovePrefix, Value: "/v1"}}
	route.Touch(now)
	require.NoError(t, s.PutRoute(ctx, route))
	got, err := s.GetRoute(ctx, route.ID)
	require.NoError(t, err)
	require.Len(t, got.Transforms, 1)
	assert.Equal(t, model.TransformPathRemovePrefix, got.Transforms[0].Kind)

	route.Transforms = nil
	require.NoError(t, s.PutRoute(ctx, route))
	got, err = s.GetRoute(ctx, route.ID)
	require.NoError(t, err)
	assert.Len(t, got.Transforms, 1)

	cluster.Destinations = cluster.Destinations[:1]
	require.NoError(t, s.PutCluster(ctx, cluster))
	dests, err := s.ListDestinations(ctx, cluster.ID)
	require.NoError(t, err)
	require.Len(t, dests, 1)
	assert.Equal(t, "d1", dests[0].Name)
}

func testTxRollback(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Now()
	seed(t, s, now)
	before, err := store.Count(ctx, s)
	require.NoError(t, err)

	boom := errors.New("boom")
	err = s.InTx(ctx, func(tx store.Tx) error {
		if err := tx.SoftDeleteAll(ctx, now); err != nil {
			return err
		}
		h, c, r := Fixture(now)
		if err := tx.PutWebHost(ctx, h); err != nil {
			return err
		}
		if err := tx.PutCluster(ctx, c); err != nil {
			return err
		}
		if err := tx.PutRoute(ctx, r); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	after, err := store.Count(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, before.Routes, after.Routes)
	assert.Equal(t, before.Clusters, after.Clusters)
	assert.Equal(t, before.WebHosts, after.WebHosts)
	assert.Equal(t, before.Destinations, after.Destinations)
}

func testTxVisibility(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Now()
	_, _, old := seed(t, s, now)

	var inside []model.Route
	err := s.InTx(ctx, func(tx store.Tx) error {
		if err := tx.SoftDeleteAll(ctx, now); err != nil {
			return err
		}
		h, c, r := Fixture(now)
		r.Name = "r2"
		for _, put := range []func() error{
			func() error { return tx.PutWebHost(ctx, h) },
			func() error { return tx.PutCluster(ctx, c) },
			func() error { return tx.PutRoute(ctx, r) },
		} {
			if err := put(); err != nil {
				return err
			}
		}
		var err error
		inside, err = tx.ListRoutes(ctx)
		return err
	})
	require.NoError(t, err)
	require.Len(t, inside, 1)
	assert.Equal(t, "r2", inside[0].Name)

	routes, err := s.ListRoutes(ctx)
	require.NoError(t, err)
	require.Len(t, routes, 1)
	assert.NotEqual(t, old.ID, routes[0].ID)
}

func testCount(t *testing.T, s store.Store) {
	ctx := context.Background()
	now := time.Now()
	seed(t, s, now)
	c, err := store.Count(ctx, s)
	require.NoError(t, err)
	assert.Equal(t, 1, c.Routes)
	assert.Equal(t, 1, c.Clusters)
	assert.Equal(t, 2, c.Destinations)
	assert.Equal(t, 1, c.WebHosts)
	assert.False(t, c.LastUpdated.IsZero())
}
