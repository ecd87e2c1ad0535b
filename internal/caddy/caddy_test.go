package caddy

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proxyplane/internal/model"
	"proxyplane/internal/provider"
	"proxyplane/internal/store/storetest"
)

func fixtureSnapshot() *provider.Snapshot {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	_, cluster, route := storetest.Fixture(now)
	cluster.Destinations[1].Address = "http://10.0.0.2:8080/"
	return &provider.Snapshot{
		Routes:     []provider.RouteConfig{provider.ConvertRoute(route)},
		Clusters:   []provider.ClusterConfig{provider.ConvertCluster(cluster)},
		Generation: 1,
	}
}

func TestRender(t *testing.T) {
	out := Render(fixtureSnapshot())
	for _, want := range []string{
		"api.example.com {\n",
		"  handle /v1* {\n",
		"    rewrite * /v1\n",
		"      to http://10.0.0.1:8080\n",
		"      to http://10.0.0.2:8080\n",
		"      lb_policy round_robin\n",
		"      health_uri /health\n",
		"      health_interval 10s\n",
		"      health_timeout 2s\n",
		"      header_up X-Forwarded-Prefix \"/v1\"\n",
	} {
		assert.Contains(t, out, want)
	}
	assert.Equal(t, out, Render(fixtureSnapshot()), "rendering must be stable")
}

func TestRenderSkipsUnhealthyUpstreams(t *testing.T) {
	snap := fixtureSnapshot()
	snap.Clusters[0].Destinations[0].Health = model.HealthUnhealthy
	out := Render(snap)
	assert.NotContains(t, out, "to http://10.0.0.1:8080")
	assert.Contains(t, out, "to http://10.0.0.2:8080")

	// all unhealthy keeps every upstream
	snap.Clusters[0].Destinations[1].Health = model.HealthUnhealthy
	out = Render(snap)
	assert.Contains(t, out, "to http://10.0.0.1:8080")
	assert.Contains(t, out, "to http://10.0.0.2:8080")
}

func TestRenderCatchAllAndOrder(t *testing.T) {
	first, second := 1, 2
	snap := &provider.Snapshot{
		Routes: []provider.RouteConfig{
			{Name: "b", ClusterID: "c", Order: &second, Match: provider.RouteMatch{Path: "/b"}},
			{Name: "a", ClusterID: "c", Order: &first, Match: provider.RouteMatch{Path: "/a/{**catch-all}"}},
			{Name: "orphan", ClusterID: "missing", Match: provider.RouteMatch{Path: "/x"}},
		},
		Clusters: []provider.ClusterConfig{{
			ClusterID:    "c",
			Destinations: []provider.DestinationConfig{{Name: "d", Address: "http://10.0.0.9:80"}},
		}},
	}
	out := Render(snap)
	assert.True(t, strings.HasPrefix(out, ":80 {\n"))
	a := strings.Index(out, "handle /a* {")
	b := strings.Index(out, "handle /b* {")
	require.True(t, a > 0 && b > 0)
	assert.Less(t, a, b)
	assert.NotContains(t, out, "orphan")
}

func TestApplyWritesAndReloads(t *testing.T) {
	var loads atomic.Int32
	var body atomic.Value
	admin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/load" || r.Header.Get("Content-Type") != "text/caddyfile" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		b, _ := io.ReadAll(r.Body)
		body.Store(string(b))
		loads.Add(1)
	}))
	defer admin.Close()

	file := filepath.Join(t.TempDir(), "Caddyfile")
	s := NewSyncer(Options{File: file, AdminURL: admin.URL}, nil, zerolog.Nop())

	snap := fixtureSnapshot()
	require.NoError(t, s.Apply(context.Background(), snap))
	require.NoError(t, s.Apply(context.Background(), snap))
	assert.Equal(t, int32(1), loads.Load(), "unchanged config is not pushed twice")

	written, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Equal(t, Render(snap), string(written))
	assert.Equal(t, string(written), body.Load())
}

func TestApplyReportsAdminFailure(t *testing.T) {
	admin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad config", http.StatusBadRequest)
	}))
	defer admin.Close()

	s := NewSyncer(Options{AdminURL: admin.URL}, nil, zerolog.Nop())
	err := s.Apply(context.Background(), fixtureSnapshot())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad config")

	// a failed push is retried on the next snapshot
	err = s.Apply(context.Background(), fixtureSnapshot())
	assert.Error(t, err)
}
