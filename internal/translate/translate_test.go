package translate

import (
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proxyplane/internal/document"
	"proxyplane/internal/model"
)

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

func newTranslator() *Translator {
	return New(zerolog.Nop())
}

func TestTranslateScenario(t *testing.T) {
	res := newTranslator().Translate(scenarioDoc())
	require.True(t, res.Success)
	assert.Empty(t, res.Errors)

	require.Len(t, res.WebHosts, 1)
	require.Len(t, res.Clusters, 1)
	require.Len(t, res.Clusters[0].Destinations, 1)
	require.Len(t, res.Routes, 1)

	r := res.Routes[0]
	assert.Equal(t, "/v1", r.Match.Path)
	assert.Equal(t, []string{"api.example.com"}, r.Match.Hosts)
	assert.Nil(t, r.Match.Methods)
	assert.Equal(t, res.Clusters[0].ID, r.ClusterID)
	assert.Equal(t, res.WebHosts[0].ID, r.WebHostID)
	assert.Equal(t, res.WebHosts[0].ID, res.Clusters[0].WebHostID)
	assert.Equal(t, res.Clusters[0].ID, res.Clusters[0].Destinations[0].ClusterID)
	assert.Equal(t, model.PolicyRoundRobin, res.Clusters[0].LoadBalancingPolicy)
	assert.Nil(t, res.Clusters[0].HealthCheck)
	assert.Nil(t, res.Clusters[0].Metadata)
}

func TestTranslateStripPrefix(t *testing.T) {
	doc := scenarioDoc()
	doc.ProxyRules[0].StripPrefix = true

	res := newTranslator().Translate(doc)
	require.True(t, res.Success)
	tr := res.Routes[0].Transforms
	require.Len(t, tr, 2)
	assert.Equal(t, model.TransformPathSet, tr[1].Kind)
	assert.Equal(t, "/v1", tr[1].Value)
	for _, x := range tr {
		assert.Equal(t, res.Routes[0].ID, x.RouteID)
		assert.NotEmpty(t, x.ID)
	}
}

func TestTranslateExplicitTransformsKeepOrder(t *testing.T) {
	doc := scenarioDoc()
	doc.ProxyRules[0].StripPrefix = true
	doc.ProxyRules[0].Cluster.Transforms = []document.Transform{{Kind: "X-Tenant", Value: "acme"}}

	tr := newTranslator().Translate(doc).Routes[0].Transforms
	require.Len(t, tr, 3)
	assert.Equal(t, ForwardedPrefixHeader, tr[0].Kind)
	assert.Equal(t, "X-Tenant", tr[1].Kind)
	assert.Equal(t, model.TransformPathSet, tr[2].Kind)
}

func TestTranslateDefaultHost(t *testing.T) {
	doc := scenarioDoc()
	doc.Hosts = nil
	doc.ProxyRules[0].Hosts = nil

	res := newTranslator().Translate(doc)
	require.True(t, res.Success)
	require.Len(t, res.WebHosts, 1)
	h := res.WebHosts[0]
	assert.Equal(t, "default-r1", h.Name)
	assert.Equal(t, "localhost", h.HostName)
	assert.True(t, h.IsDefault)
	assert.Equal(t, h.ID, res.Routes[0].WebHostID)
}

func TestTranslateHostLookupIsCaseInsensitive(t *testing.T) {
	doc := scenarioDoc()
	doc.ProxyRules[0].Hosts = []string{"API.Example.COM"}

	res := newTranslator().Translate(doc)
	require.Len(t, res.WebHosts, 1)
	assert.Equal(t, res.WebHosts[0].ID, res.Routes[0].WebHostID)
}

func TestTranslateHostnameCollisionWarns(t *testing.T) {
	doc := scenarioDoc()
	doc.Hosts = append(doc.Hosts, document.Host{Name: "api2", HostNames: []string{"API.example.com"}})

	res := newTranslator().Translate(doc)
	require.True(t, res.Success)
	assert.Empty(t, res.Errors)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "api2")
	assert.Equal(t, res.WebHosts[0].ID, res.Routes[0].WebHostID)
}

func TestTranslateHealthCheckPolicy(t *testing.T) {
	doc := scenarioDoc()
	doc.ProxyRules[0].Cluster.HealthCheck = &document.HealthCheck{
		Enabled:   true,
		Interval:  document.Duration(10 * time.Second),
		Timeout:   document.Duration(2 * time.Second),
		Threshold: 3,
		Path:      "/health",
	}

	c := newTranslator().Translate(doc).Clusters[0]
	require.NotNil(t, c.HealthCheck)
	require.NotNil(t, c.HealthCheck.Active)
	require.NotNil(t, c.HealthCheck.Passive)
	assert.Equal(t, "ConsecutiveFailures", c.HealthCheck.Active.Policy)
	assert.Equal(t, 10*time.Second, c.HealthCheck.Active.Interval)
	assert.Equal(t, "/health", c.HealthCheck.Active.Path)
	assert.True(t, c.HealthCheck.Passive.Enabled)
	assert.Equal(t, "TransportFailureRate", c.HealthCheck.Passive.Policy)
	assert.Equal(t, time.Minute, c.HealthCheck.Passive.ReactivationPeriod)
	require.NotNil(t, c.Metadata)
	assert.Equal(t, "3", c.Metadata.Values[ThresholdMetadataKey])
}

func TestTranslateFlattensDestinationMetadata(t *testing.T) {
	doc := scenarioDoc()
	doc.ProxyRules[0].Cluster.Destinations[0].Metadata = map[string]string{"zone": "a"}
	doc.ProxyRules[0].Cluster.Destinations = append(doc.ProxyRules[0].Cluster.Destinations,
		document.Destination{Name: "d1", Address: "http://10.0.0.2:8080", Metadata: map[string]string{"zone": "b"}})

	res := newTranslator().Translate(doc)
	require.True(t, res.Success)
	c := res.Clusters[0]
	require.NotNil(t, c.Metadata)
	assert.Contains(t, c.Metadata.Values, "destination.d1.zone")
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], `"d1"`)
	assert.Contains(t, res.Warnings[0], `"c1"`)
}

func TestTranslateUnknownPolicyFallsBack(t *testing.T) {
	doc := scenarioDoc()
	doc.ProxyRules[0].Cluster.LoadBalancingPolicy = "Fastest"
	res := newTranslator().Translate(doc)
	assert.Equal(t, model.PolicyRoundRobin, res.Clusters[0].LoadBalancingPolicy)
	assert.Len(t, res.Warnings, 1)

	doc.ProxyRules[0].Cluster.LoadBalancingPolicy = "leastrequests"
	res = newTranslator().Translate(doc)
	assert.Equal(t, model.PolicyLeastRequests, res.Clusters[0].LoadBalancingPolicy)
	assert.Empty(t, res.Warnings)
}

func TestTranslatePanicYieldsNoPartialResult(t *testing.T) {
	tr := newTranslator()
	calls := 0
	tr.newID = func() string {
		calls++
		if calls > 3 {
			panic("id source exhausted")
		}
		return model.NewID()
	}

	res := tr.Translate(scenarioDoc())
	assert.False(t, res.Success)
	require.Len(t, res.Errors, 1)
	assert.True(t, strings.Contains(res.Errors[0], "id source exhausted"))
	assert.Empty(t, res.WebHosts)
	assert.Empty(t, res.Routes)
	assert.Empty(t, res.Clusters)
}

func TestToDocumentRoundTrip(t *testing.T) {
	doc := scenarioDoc()
	doc.ProxyRules[0].StripPrefix = true
	doc.ProxyRules[0].Methods = []string{"GET"}
	doc.ProxyRules[0].Cluster.Transforms = []document.Transform{{Kind: "X-Tenant", Value: "acme"}}
	doc.ProxyRules[0].Cluster.Destinations[0].Metadata = map[string]string{"zone": "a"}
	doc.ProxyRules[0].Cluster.HealthCheck = &document.HealthCheck{
		Enabled: true, Interval: document.Duration(10 * time.Second), Timeout: document.Duration(time.Second), Threshold: 2, Path: "/h",
	}

	res := newTranslator().Translate(doc)
	require.True(t, res.Success)

	out := ToDocument(res.WebHosts, res.Routes, res.Clusters)
	require.Len(t, out.Hosts, 1)
	assert.Equal(t, doc.Hosts[0], out.Hosts[0])
	require.Len(t, out.ProxyRules, 1)
	rule := out.ProxyRules[0]
	assert.True(t, rule.StripPrefix)
	assert.Equal(t, []string{"GET"}, rule.Methods)
	assert.Equal(t, doc.ProxyRules[0].Cluster.Transforms, rule.Cluster.Transforms)
	assert.Equal(t, "a", rule.Cluster.Destinations[0].Metadata["zone"])
	require.NotNil(t, rule.Cluster.HealthCheck)
	assert.Equal(t, 2, rule.Cluster.HealthCheck.Threshold)

	again := newTranslator().Translate(out)
	require.True(t, again.Success)
	assert.Len(t, again.Routes[0].Transforms, len(res.Routes[0].Transforms))
}

func TestToDocumentSkipsDefaultHosts(t *testing.T) {
	doc := scenarioDoc()
	doc.Hosts = nil
	res := newTranslator().Translate(doc)
	out := ToDocument(res.WebHosts, res.Routes, res.Clusters)
	assert.Empty(t, out.Hosts)
	assert.Len(t, out.ProxyRules, 1)
}

func TestToDocumentKeepsHostNamesUsedByRoutes(t *testing.T) {
	doc := scenarioDoc()
	doc.Hosts[0].HostNames = []string{"api.example.com", "api.example.org", "unused.example.net"}
	doc.ProxyRules = append(doc.ProxyRules, document.ProxyRule{
		Name:       "r2",
		PathPrefix: "/v2",
		Hosts:      []string{"api.example.org"},
		Cluster: document.Cluster{
			Name:         "c2",
			Destinations: []document.Destination{{Name: "d2", Address: "http://10.0.0.2:8080"}},
		},
	})

	res := newTranslator().Translate(doc)
	require.True(t, res.Success)
	out := ToDocument(res.WebHosts, res.Routes, res.Clusters)
	require.Len(t, out.Hosts, 1)
	assert.Equal(t, []string{"api.example.com", "api.example.org"}, out.Hosts[0].HostNames)

	again := newTranslator().Translate(out)
	require.True(t, again.Success)
	assert.Len(t, again.WebHosts, 1)
	for _, h := range again.WebHosts {
		assert.False(t, h.IsDefault)
	}
}

func TestTranslateUndeclaredHostBecomesDefault(t *testing.T) {
	doc := scenarioDoc()
	doc.Hosts = nil

	res := newTranslator().Translate(doc)
	require.True(t, res.Success)
	require.Len(t, res.WebHosts, 1)
	assert.True(t, res.WebHosts[0].IsDefault)
	assert.Equal(t, "api.example.com", res.WebHosts[0].HostName)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "is not declared")
}
