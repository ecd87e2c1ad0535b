// Package translate turns a configuration document into the entity graph
// the store persists, and back again for export.
package translate

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"proxyplane/internal/document"
	"proxyplane/internal/model"
)

const (
	activeHealthPolicy  = "ConsecutiveFailures"
	passiveHealthPolicy = "TransportFailureRate"
	reactivationPeriod  = time.Minute

	// ThresholdMetadataKey carries the active health check threshold on the
	// cluster metadata, where the proxy's consecutive-failures policy reads it.
	ThresholdMetadataKey = "ConsecutiveFailuresHealthPolicy.Threshold"

	// ForwardedPrefixHeader is set on every route that has a path prefix.
	ForwardedPrefixHeader = "X-Forwarded-Prefix"

	defaultHostName = "localhost"
)

type Result struct {
	Success  bool            `json:"success"`
	WebHosts []model.WebHost `json:"webHosts"`
	Routes   []model.Route   `json:"routes"`
	Clusters []model.Cluster `json:"clusters"`
	Errors   []string        `json:"errors"`
	Warnings []string        `json:"warnings"`
}

func (r *Result) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

type Translator struct {
	log   zerolog.Logger
	now   func() time.Time
	newID func() string
}

func New(log zerolog.Logger) *Translator {
	return &Translator{
		log:   log.With().Str("component", "translate").Logger(),
		now:   time.Now,
		newID: model.NewID,
	}
}

func (t *Translator) base(now time.Time) model.Base {
	return model.Base{ID: t.newID(), CreatedAt: now, UpdatedAt: now}
}

// Translate never returns a partial graph: any panic while building is
// reported as the single error of a failed result.
func (t *Translator) Translate(doc document.Document) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			t.log.Error().Interface("panic", p).Msg("translation aborted")
			res = Result{
				Success:  false,
				Errors:   []string{fmt.Sprintf("translation failed: %v", p)},
				Warnings: []string{},
			}
		}
	}()

	now := t.now().UTC()
	res = Result{
		WebHosts: []model.WebHost{},
		Routes:   []model.Route{},
		Clusters: []model.Cluster{},
		Errors:   []string{},
		Warnings: []string{},
	}

	lookup := make(map[string]int)
	for _, decl := range doc.Hosts {
		host := model.WebHost{Base: t.base(now), Name: decl.Name}
		if len(decl.HostNames) > 0 {
			host.HostName = decl.HostNames[0]
		}
		res.WebHosts = append(res.WebHosts, host)
		idx := len(res.WebHosts) - 1
		for _, hn := range decl.HostNames {
			key := strings.ToLower(strings.TrimSpace(hn))
			if prev, ok := lookup[key]; ok {
				res.warnf("hostname %q is declared by both %q and %q; using %q", hn, res.WebHosts[prev].Name, decl.Name, res.WebHosts[prev].Name)
				continue
			}
			lookup[key] = idx
		}
	}

	for _, rule := range doc.ProxyRules {
		hostID := t.resolveHost(&res, lookup, rule, now)
		cluster := t.cluster(&res, rule, hostID, now)
		res.Clusters = append(res.Clusters, cluster)
		res.Routes = append(res.Routes, t.route(rule, hostID, cluster.ID, now))
	}

	res.Success = true
	t.log.Debug().
		Int("web_hosts", len(res.WebHosts)).
		Int("clusters", len(res.Clusters)).
		Int("routes", len(res.Routes)).
		Int("warnings", len(res.Warnings)).
		Msg("translated")
	return res
}

func (t *Translator) resolveHost(res *Result, lookup map[string]int, rule document.ProxyRule, now time.Time) string {
	if len(rule.Hosts) > 0 {
		if idx, ok := lookup[strings.ToLower(strings.TrimSpace(rule.Hosts[0]))]; ok {
			return res.WebHosts[idx].ID
		}
	}
	host := model.WebHost{
		Base:      t.base(now),
		Name:      "default-" + rule.Name,
		HostName:  defaultHostName,
		IsDefault: true,
	}
	if len(rule.Hosts) > 0 && strings.TrimSpace(rule.Hosts[0]) != "" {
		host.HostName = strings.TrimSpace(rule.Hosts[0])
		res.warnf("rule %q: host %q is not declared; created default host %q", rule.Name, rule.Hosts[0], host.Name)
	}
	res.WebHosts = append(res.WebHosts, host)
	return host.ID
}

func normalizePolicy(p string) (string, bool) {
	if p == "" {
		return model.PolicyRoundRobin, true
	}
	for _, known := range model.LoadBalancingPolicies {
		if strings.EqualFold(p, known) {
			return known, true
		}
	}
	return model.PolicyRoundRobin, false
}

func (t *Translator) cluster(res *Result, rule document.ProxyRule, hostID string, now time.Time) model.Cluster {
	cs := rule.Cluster
	policy, ok := normalizePolicy(cs.LoadBalancingPolicy)
	if !ok {
		res.warnf("cluster %q: unknown load balancing policy %q, using %s", cs.Name, cs.LoadBalancingPolicy, policy)
	}
	c := model.Cluster{
		Base:                t.base(now),
		WebHostID:           hostID,
		Name:                cs.Name,
		LoadBalancingPolicy: policy,
		Destinations:        make([]model.Destination, 0, len(cs.Destinations)),
	}

	meta := map[string]string{}
	seen := map[string]bool{}
	for _, d := range cs.Destinations {
		c.Destinations = append(c.Destinations, model.Destination{
			Base:      t.base(now),
			ClusterID: c.ID,
			Name:      d.Name,
			Address:   d.Address,
			Health:    d.Health,
		})
		if seen[d.Name] {
			res.warnf("cluster %q: destination name %q is used more than once; its metadata keys collide", cs.Name, d.Name)
		}
		seen[d.Name] = true
		for k, v := range d.Metadata {
			meta["destination."+d.Name+"."+k] = v
		}
	}

	if hc := cs.HealthCheck; hc != nil {
		c.HealthCheck = &model.HealthCheck{
			Base: t.base(now),
			Active: &model.ActiveHealthCheck{
				Enabled:  hc.Enabled,
				Interval: hc.Interval.Std(),
				Timeout:  hc.Timeout.Std(),
				Policy:   activeHealthPolicy,
				Path:     hc.Path,
				Query:    hc.Query,
			},
			Passive: &model.PassiveHealthCheck{
				Enabled:            true,
				Policy:             passiveHealthPolicy,
				ReactivationPeriod: reactivationPeriod,
			},
		}
		if hc.Threshold > 0 {
			meta[ThresholdMetadataKey] = strconv.Itoa(hc.Threshold)
		}
	}
	if sa := cs.SessionAffinity; sa != nil {
		c.SessionAffinity = &model.SessionAffinity{
			Base:          t.base(now),
			Enabled:       sa.Enabled,
			Policy:        sa.Policy,
			FailurePolicy: sa.FailurePolicy,
			Settings:      copyStrings(sa.Settings),
		}
	}
	if hc := cs.HTTPClient; hc != nil {
		c.HTTPClient = &model.HTTPClientSettings{
			Base:                                t.base(now),
			SSLProtocols:                        append([]string(nil), hc.SSLProtocols...),
			DangerousAcceptAnyServerCertificate: hc.DangerousAcceptAnyServerCertificate,
			MaxConnectionsPerServer:             hc.MaxConnectionsPerServer,
			EnableMultipleHTTP2Connections:      hc.EnableMultipleHTTP2Connections,
		}
	}
	if hr := cs.HTTPRequest; hr != nil {
		c.HTTPRequest = &model.HTTPRequestSettings{
			Base:                   t.base(now),
			ActivityTimeout:        hr.ActivityTimeout.Std(),
			Version:                hr.Version,
			VersionPolicy:          hr.VersionPolicy,
			AllowResponseBuffering: hr.AllowResponseBuffering,
		}
	}
	if len(meta) > 0 {
		c.Metadata = &model.Metadata{Base: t.base(now), Values: meta}
	}
	return c
}

func (t *Translator) route(rule document.ProxyRule, hostID, clusterID string, now time.Time) model.Route {
	r := model.Route{
		Base:                t.base(now),
		WebHostID:           hostID,
		ClusterID:           clusterID,
		Name:                rule.Name,
		Order:               rule.Order,
		MaxRequestBodySize:  rule.MaxRequestBodySize,
		AuthorizationPolicy: rule.AuthorizationPolicy,
		CorsPolicy:          rule.CorsPolicy,
		Match: model.Match{
			Base:  t.base(now),
			Path:  rule.PathPrefix,
			Hosts: append([]string(nil), rule.Hosts...),
		},
		Transforms: []model.Transform{},
	}
	if len(rule.Methods) > 0 {
		r.Match.Methods = append([]string(nil), rule.Methods...)
	}
	if len(rule.Metadata) > 0 {
		r.Metadata = &model.Metadata{Base: t.base(now), Values: copyStrings(rule.Metadata)}
	}

	add := func(kind, value string) {
		r.Transforms = append(r.Transforms, model.Transform{Base: t.base(now), RouteID: r.ID, Kind: kind, Value: value})
	}
	if rule.PathPrefix != "" {
		add(ForwardedPrefixHeader, rule.PathPrefix)
	}
	for _, tr := range rule.Cluster.Transforms {
		add(tr.Kind, tr.Value)
	}
	if rule.StripPrefix && rule.PathPrefix != "" {
		add(model.TransformPathSet, rule.PathPrefix)
	}
	return r
}

func copyStrings(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
