package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	c.RecordReload(true, time.Second)
	c.SetSnapshot(1, 2, 3)
	c.RecordUpdate("success", time.Second)
	c.RecordProbe(false)
	c.RecordBackup("create", true)
	c.RecordBackupsDeleted(3)
	c.RecordDocumentReload(true)
	assert.Nil(t, c.Registry())
}

func TestCollectorRecords(t *testing.T) {
	c := New(prometheus.NewRegistry())
	c.RecordReload(true, 10*time.Millisecond)
	c.RecordReload(false, 10*time.Millisecond)
	c.RecordProbe(true)
	c.RecordProbe(true)
	c.RecordBackupsDeleted(2)
	c.SetSnapshot(7, 3, 2)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.reloads.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.reloads.WithLabelValues("failure")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.probes.WithLabelValues("healthy")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.backupsDeleted))
	assert.Equal(t, 7.0, testutil.ToFloat64(c.generation))
}

func TestHandlerServesRegistry(t *testing.T) {
	c := New(nil)
	c.RecordUpdate("success", time.Second)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "proxyplane_update_total"))
}
