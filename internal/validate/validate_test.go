package validate

import (
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proxyplane/internal/document"
)

func validDoc() document.Document {
	return document.Document{
		Hosts: []document.Host{{Name: "api", HostNames: []string{"api.example.com"}}},
		ProxyRules: []document.ProxyRule{{
			Name:       "r1",
			PathPrefix: "/v1",
			Hosts:      []string{"api.example.com"},
			Cluster: document.Cluster{
				Name:                "c1",
				LoadBalancingPolicy: "RoundRobin",
				Destinations:        []document.Destination{{Name: "d1", Address: "http://10.0.0.1:8080"}},
			},
		}},
	}
}

func newValidator() *Validator { return New(zerolog.Nop()) }

func TestValidDocument(t *testing.T) {
	res := newValidator().ValidateConfiguration(validDoc())
	assert.True(t, res.IsValid)
	assert.Empty(t, res.Errors)
	assert.Empty(t, res.Warnings)
}

func TestValidateClusterWithoutDestinations(t *testing.T) {
	res := newValidator().ValidateCluster(document.Cluster{Name: "c-empty", LoadBalancingPolicy: "LeastRequests"})
	assert.False(t, res.IsValid)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "c-empty")
	assert.Empty(t, res.Warnings)
}

func TestOverlapScenario(t *testing.T) {
	doc := validDoc()
	second := doc.ProxyRules[0]
	second.Name = "r2"
	second.PathPrefix = "/v1/users"
	doc.ProxyRules = append(doc.ProxyRules, second)

	res := newValidator().ValidateConfiguration(doc)
	assert.True(t, res.IsValid)
	var overlaps []string
	for _, w := range res.Warnings {
		if strings.Contains(w, "overlap") {
			overlaps = append(overlaps, w)
		}
	}
	require.Len(t, overlaps, 1)
	assert.Contains(t, overlaps[0], `"r1"`)
	assert.Contains(t, overlaps[0], `"r2"`)
	assert.Contains(t, overlaps[0], "api.example.com")
}

func TestOverlapNeedsSharedHost(t *testing.T) {
	rules := []document.ProxyRule{
		{Name: "a", PathPrefix: "/v1", Hosts: []string{"a.example.com"}},
		{Name: "b", PathPrefix: "/v1/", Hosts: []string{"B.example.com"}},
		{Name: "c", PathPrefix: "/V1/x", Hosts: []string{"A.EXAMPLE.com"}},
		{Name: "d", PathPrefix: "/v2", Hosts: []string{"a.example.com"}},
	}
	out := Overlaps(rules)
	require.Len(t, out, 1)
	assert.Contains(t, out[0], `"a"`)
	assert.Contains(t, out[0], `"c"`)
}

func TestErrorsAccumulate(t *testing.T) {
	doc := document.Document{
		Hosts: []document.Host{
			{Name: "", HostNames: []string{"bad_host!"}},
			{Name: "dup", HostNames: []string{"x.example.com"}},
			{Name: "dup2", HostNames: []string{"X.example.com"}},
		},
		ProxyRules: []document.ProxyRule{{
			Name:       "",
			PathPrefix: "v1",
			Methods:    []string{"FETCH"},
			Cluster: document.Cluster{
				Name:                "c1",
				LoadBalancingPolicy: "Fastest",
				Destinations:        []document.Destination{{Name: "d1", Address: "ftp://x"}, {Name: "d2", Address: "/relative"}},
				HealthCheck: &document.HealthCheck{
					Interval:  document.Duration(time.Second),
					Timeout:   document.Duration(5 * time.Second),
					Threshold: 0,
					Path:      "health",
				},
				HTTPRequest: &document.HTTPRequest{Version: "4", VersionPolicy: "Whatever"},
			},
		}},
	}

	res := newValidator().ValidateConfiguration(doc)
	assert.False(t, res.IsValid)
	// name, hostname, duplicate, rule name, path, two addresses, threshold,
	// probe path, version, version policy
	assert.GreaterOrEqual(t, len(res.Errors), 11)
	// no hosts, unknown method, policy fallback, timeout >= interval
	assert.GreaterOrEqual(t, len(res.Warnings), 4)

	var dup int
	for _, e := range res.Errors {
		if strings.HasPrefix(e, "duplicate hostname") {
			dup++
		}
	}
	assert.Equal(t, 1, dup)
}

func TestWarnWhenRulesButNoHosts(t *testing.T) {
	doc := validDoc()
	doc.Hosts = nil
	res := newValidator().ValidateConfiguration(doc)
	assert.True(t, res.IsValid)
	require.NotEmpty(t, res.Warnings)
	assert.Contains(t, res.Warnings[0], "no hosts")
}

func TestValidHostname(t *testing.T) {
	longLabel := strings.Repeat("a", 64)
	tooLong := strings.Repeat("a.", 127) + "a"
	cases := map[string]bool{
		"example.com":   true,
		"*.example.com": true,
		"a":             true,
		"a-b.c":         true,
		"-a.com":        false,
		"a-.com":        false,
		"a..com":        false,
		"":              false,
		"*.":            false,
		longLabel:       false,
		tooLong:         false,
	}
	for in, want := range cases {
		assert.Equal(t, want, ValidHostname(in), in)
	}
}
