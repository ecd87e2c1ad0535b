package document

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
hosts:
  - name: api
    hostNames: [api.example.com]
proxyRules:
  - name: r1
    pathPrefix: /v1
    hosts: [api.example.com]
    stripPrefix: true
    cluster:
      name: c1
      loadBalancingPolicy: LeastRequests
      destinations:
        - name: d1
          address: http://10.0.0.1:8080
          metadata:
            zone: a
      healthCheck:
        enabled: true
        interval: 30s
        timeout: "00:00:05"
        threshold: 3
        path: /health
`

func TestParseYAML(t *testing.T) {
	doc, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)
	require.Len(t, doc.Hosts, 1)
	require.Len(t, doc.ProxyRules, 1)

	r := doc.ProxyRules[0]
	assert.Equal(t, "/v1", r.PathPrefix)
	assert.True(t, r.StripPrefix)
	assert.Equal(t, "LeastRequests", r.Cluster.LoadBalancingPolicy)
	require.NotNil(t, r.Cluster.HealthCheck)
	assert.Equal(t, 30*time.Second, r.Cluster.HealthCheck.Interval.Std())
	assert.Equal(t, 5*time.Second, r.Cluster.HealthCheck.Timeout.Std())
	assert.Equal(t, "a", r.Cluster.Destinations[0].Metadata["zone"])
}

func TestParseJSON(t *testing.T) {
	raw := `{"hosts":[{"name":"api","hostNames":["api.example.com"]}],
	"proxyRules":[{"name":"r1","pathPrefix":"/v1","cluster":{"name":"c1",
	"destinations":[{"name":"d1","address":"http://10.0.0.1:8080"}],
	"healthCheck":{"enabled":true,"interval":10,"timeout":"2s","threshold":1,"path":"/h"}}}]}`
	doc, err := Parse([]byte(raw))
	require.NoError(t, err)
	hc := doc.ProxyRules[0].Cluster.HealthCheck
	require.NotNil(t, hc)
	assert.Equal(t, 10*time.Second, hc.Interval.Std())
	assert.Equal(t, 2*time.Second, hc.Timeout.Std())
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse(nil)
	assert.Error(t, err)

	_, err = Parse([]byte(`{"hosts": [`))
	assert.Error(t, err)

	_, err = Parse([]byte("proxyRules:\n  - cluster:\n      healthCheck:\n        interval: soon\n"))
	assert.Error(t, err)
}

func TestMarshalRoundTripsThroughYAML(t *testing.T) {
	doc, err := Parse([]byte(sampleYAML))
	require.NoError(t, err)

	out, err := Marshal(doc, "yaml")
	require.NoError(t, err)
	again, err := Parse(out)
	require.NoError(t, err)
	assert.Equal(t, doc, again)
}

func TestLoadAndDestinations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))

	doc, err := Load(path)
	require.NoError(t, err)
	dests := doc.Destinations()
	require.Len(t, dests, 1)
	assert.Equal(t, "d1", dests[0].Name)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
