package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proxyplane/internal/document"
	"proxyplane/internal/store/memstore"
	"proxyplane/internal/validate"
)

func TestUpdateReplacesConfiguration(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, memstore.New())
	_, err := h.svc.ImportConfiguration(ctx, scenarioDoc())
	require.NoError(t, err)

	res, err := h.svc.UpdateConfiguration(ctx, otherDoc(), DefaultOptions())
	require.NoError(t, err)
	require.True(t, res.Success, res.Errors)
	assert.Equal(t, StepDone, res.Step)
	assert.NotEmpty(t, res.BackupID)
	require.NotNil(t, res.Status)
	assert.Equal(t, 1, res.Status.RouteCount)
	assert.Equal(t, 2, res.Status.DestinationCount)

	routes, err := h.svc.GetRoutes(ctx)
	require.NoError(t, err)
	require.Len(t, routes, 1)
	assert.Equal(t, "r2", routes[0].Name)

	snap := h.provider.GetConfig()
	require.Len(t, snap.Routes, 1)
	assert.Equal(t, "r2", snap.Routes[0].Name)
}

func TestUpdateWithoutBackup(t *testing.T) {
	h := newHarness(t, memstore.New())
	opts := DefaultOptions()
	opts.CreateBackup = false
	res, err := h.svc.UpdateConfiguration(context.Background(), scenarioDoc(), opts)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Empty(t, res.BackupID)

	backups, err := h.backups.GetBackups(context.Background())
	require.NoError(t, err)
	assert.Empty(t, backups)
}

func TestDryRunChangesNothing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, memstore.New())
	_, err := h.svc.ImportConfiguration(ctx, scenarioDoc())
	require.NoError(t, err)

	invalid := otherDoc()
	invalid.ProxyRules[0].Cluster.Destinations = nil

	for name, doc := range map[string]document.Document{"valid": otherDoc(), "invalid": invalid} {
		t.Run(name, func(t *testing.T) {
			before, err := h.svc.GetConfigurationStatus(ctx)
			require.NoError(t, err)
			gen := h.provider.GetConfig().Generation

			opts := DefaultOptions()
			opts.DryRun = true
			_, err = h.svc.UpdateConfiguration(ctx, doc, opts)
			require.NoError(t, err)

			after, err := h.svc.GetConfigurationStatus(ctx)
			require.NoError(t, err)
			assert.Equal(t, before.RouteCount, after.RouteCount)
			assert.Equal(t, before.ClusterCount, after.ClusterCount)
			assert.Equal(t, before.DestinationCount, after.DestinationCount)
			assert.Equal(t, before.WebHostCount, after.WebHostCount)
			assert.True(t, before.LastUpdated.Equal(after.LastUpdated))
			assert.Equal(t, gen, h.provider.GetConfig().Generation)
		})
	}

	backups, err := h.backups.GetBackups(ctx)
	require.NoError(t, err)
	assert.Empty(t, backups)
}

func TestDryRunReportsSuccess(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, memstore.New())
	_, err := h.svc.ImportConfiguration(ctx, scenarioDoc())
	require.NoError(t, err)

	opts := DefaultOptions()
	opts.DryRun = true
	res, err := h.svc.UpdateConfiguration(ctx, otherDoc(), opts)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, StepDryRun, res.Step)
	require.NotNil(t, res.Status)
	assert.Equal(t, 1, res.Status.RouteCount)
	assert.Equal(t, 1, res.Status.DestinationCount)
}

// newHealthHarness wires a health validator whose destinations all point at
// a counting test server.
func newHealthHarness(t *testing.T) (harness, *atomic.Int32, string) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)

	h := newHarness(t, memstore.New())
	opts := validate.DefaultHealthOptions()
	opts.RetryCount = 1
	health := validate.NewHealthValidator(opts, srv.Client(), nil, zerolog.Nop())
	h.svc = NewService(Deps{Store: h.svc.store, Provider: h.provider, Backups: h.backups, Health: health, Log: zerolog.Nop()})
	return h, &hits, srv.URL
}

func TestInvalidDocumentSkipsHealthCheck(t *testing.T) {
	h, hits, addr := newHealthHarness(t)
	doc := scenarioDoc()
	doc.ProxyRules[0].PathPrefix = "v1"
	doc.ProxyRules[0].Cluster.Destinations[0].Address = addr

	opts := DefaultOptions()
	opts.ValidateHealth = true
	res, err := h.svc.UpdateConfiguration(context.Background(), doc, opts)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, StepInvalid, res.Step)
	assert.NotEmpty(t, res.Errors)
	assert.Zero(t, hits.Load())
}

func TestHealthCheckRunsForValidDocument(t *testing.T) {
	h, hits, addr := newHealthHarness(t)
	doc := scenarioDoc()
	doc.ProxyRules[0].Cluster.Destinations[0].Address = addr

	opts := DefaultOptions()
	opts.ValidateHealth = true
	res, err := h.svc.UpdateConfiguration(context.Background(), doc, opts)
	require.NoError(t, err)
	assert.True(t, res.Success, res.Errors)
	assert.Equal(t, int32(1), hits.Load())
}

func TestForceSkipsValidation(t *testing.T) {
	h, hits, addr := newHealthHarness(t)
	doc := scenarioDoc()
	doc.ProxyRules[0].PathPrefix = "v1"
	doc.ProxyRules[0].Cluster.Destinations[0].Address = addr

	opts := DefaultOptions()
	opts.ValidateHealth = true
	opts.Force = true
	res, err := h.svc.UpdateConfiguration(context.Background(), doc, opts)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Contains(t, res.Warnings, "validation skipped with force")
	assert.Zero(t, hits.Load())
}

func TestInvalidDocumentIsRejected(t *testing.T) {
	h := newHarness(t, memstore.New())
	doc := scenarioDoc()
	doc.ProxyRules[0].Cluster.Destinations = nil

	res, err := h.svc.UpdateConfiguration(context.Background(), doc, DefaultOptions())
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, StepInvalid, res.Step)
	assert.NotEmpty(t, res.Errors)

	st, err := h.svc.GetConfigurationStatus(context.Background())
	require.NoError(t, err)
	assert.Zero(t, st.RouteCount)
}

func TestForceAppliesInvalidDocument(t *testing.T) {
	h := newHarness(t, memstore.New())
	doc := scenarioDoc()
	doc.ProxyRules[0].Cluster.Destinations = nil

	opts := DefaultOptions()
	opts.Force = true
	res, err := h.svc.UpdateConfiguration(context.Background(), doc, opts)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Empty(t, res.Errors)
	assert.NotEmpty(t, res.Warnings)
	require.NotNil(t, res.Status)
	assert.False(t, res.Status.IsValid)
}

func TestRollbackOnTransactionFailure(t *testing.T) {
	ctx := context.Background()
	st := &flakyStore{Store: memstore.New()}
	h := newHarness(t, st)
	_, err := h.svc.ImportConfiguration(ctx, scenarioDoc())
	require.NoError(t, err)
	before, err := h.svc.GetConfigurationStatus(ctx)
	require.NoError(t, err)
	gen := h.provider.GetConfig().Generation

	st.failures.Store(1)
	res, err := h.svc.UpdateConfiguration(ctx, otherDoc(), DefaultOptions())
	require.Error(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, StepTransaction, res.Step)
	assert.NotEmpty(t, res.BackupID)
	require.NotEmpty(t, res.Errors)
	assert.Contains(t, res.Errors[0], "disk full")

	after, err := h.svc.GetConfigurationStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, before.RouteCount, after.RouteCount)
	assert.Equal(t, before.ClusterCount, after.ClusterCount)
	assert.Equal(t, before.WebHostCount, after.WebHostCount)

	routes, err := h.svc.GetRoutes(ctx)
	require.NoError(t, err)
	require.Len(t, routes, 1)
	assert.Equal(t, "r1", routes[0].Name)
	assert.GreaterOrEqual(t, h.provider.GetConfig().Generation, gen)
}

func TestFailedRestoreBecomesWarning(t *testing.T) {
	ctx := context.Background()
	st := &flakyStore{Store: memstore.New()}
	h := newHarness(t, st)
	_, err := h.svc.ImportConfiguration(ctx, scenarioDoc())
	require.NoError(t, err)

	// fails the update and the restore that follows it
	st.failures.Store(2)
	res, err := h.svc.UpdateConfiguration(ctx, otherDoc(), DefaultOptions())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	require.Len(t, res.Errors, 1)
	require.NotEmpty(t, res.Warnings)
	assert.Contains(t, res.Warnings[len(res.Warnings)-1], "restore of backup")
}

func TestUpdateTimeoutIsEnforced(t *testing.T) {
	h := newHarness(t, memstore.New())
	opts := DefaultOptions()
	opts.Timeout = time.Nanosecond

	res, err := h.svc.UpdateConfiguration(context.Background(), scenarioDoc(), opts)
	require.Error(t, err)
	assert.False(t, res.Success)
}

func TestRollbackConfiguration(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, memstore.New())

	_, err := h.svc.RollbackConfiguration(ctx)
	assert.ErrorIs(t, err, ErrNoBackup)

	_, err = h.svc.UpdateConfiguration(ctx, scenarioDoc(), DefaultOptions())
	require.NoError(t, err)
	_, err = h.svc.UpdateConfiguration(ctx, otherDoc(), DefaultOptions())
	require.NoError(t, err)

	// the latest backup was taken just before otherDoc was applied
	status, err := h.svc.RollbackConfiguration(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, status.RouteCount)
	assert.Equal(t, 1, status.DestinationCount)

	snap := h.provider.GetConfig()
	require.Len(t, snap.Routes, 1)
	assert.Equal(t, "r1", snap.Routes[0].Name)
}
