package translate

import (
	"strconv"
	"strings"

	"proxyplane/internal/document"
	"proxyplane/internal/model"
)

// ToDocument rebuilds a document from active entities. Synthesized default
// hosts are left out since translating the result recreates them. Clusters
// shared by several routes are repeated under each rule.
//
// A web host keeps only its first hostname, so the other names of a host are
// recovered from the routes that resolved to it. Names no route used are
// lost.
func ToDocument(hosts []model.WebHost, routes []model.Route, clusters []model.Cluster) document.Document {
	doc := document.Document{Hosts: []document.Host{}, ProxyRules: []document.ProxyRule{}}

	byName := map[string]int{}
	byID := map[string]int{}
	for _, h := range hosts {
		if h.IsDeleted || h.IsDefault {
			continue
		}
		if idx, ok := byName[h.Name]; ok {
			addHostName(&doc.Hosts[idx], h.HostName)
			byID[h.ID] = idx
			continue
		}
		decl := document.Host{Name: h.Name, HostNames: []string{}}
		addHostName(&decl, h.HostName)
		doc.Hosts = append(doc.Hosts, decl)
		byName[h.Name] = len(doc.Hosts) - 1
		byID[h.ID] = len(doc.Hosts) - 1
	}
	for _, r := range routes {
		if idx, ok := byID[r.WebHostID]; ok && !r.IsDeleted && len(r.Match.Hosts) > 0 {
			addHostName(&doc.Hosts[idx], r.Match.Hosts[0])
		}
	}

	clusterByID := make(map[string]model.Cluster, len(clusters))
	for _, c := range clusters {
		clusterByID[c.ID] = c
	}
	for _, r := range routes {
		if r.IsDeleted {
			continue
		}
		doc.ProxyRules = append(doc.ProxyRules, toRule(r, clusterByID[r.ClusterID]))
	}
	return doc
}

func toRule(r model.Route, c model.Cluster) document.ProxyRule {
	rule := document.ProxyRule{
		Name:                r.Name,
		PathPrefix:          r.Match.Path,
		Hosts:               append([]string(nil), r.Match.Hosts...),
		Methods:             append([]string(nil), r.Match.Methods...),
		Order:               r.Order,
		MaxRequestBodySize:  r.MaxRequestBodySize,
		AuthorizationPolicy: r.AuthorizationPolicy,
		CorsPolicy:          r.CorsPolicy,
		Cluster:             toCluster(c),
	}
	if r.Metadata != nil {
		rule.Metadata = copyStrings(r.Metadata.Values)
	}

	transforms := activeTransforms(r.Transforms)
	if n := len(transforms); n > 0 && r.Match.Path != "" &&
		transforms[n-1].Kind == model.TransformPathSet && transforms[n-1].Value == r.Match.Path {
		rule.StripPrefix = true
		transforms = transforms[:n-1]
	}
	if len(transforms) > 0 && transforms[0].Kind == ForwardedPrefixHeader && transforms[0].Value == r.Match.Path {
		transforms = transforms[1:]
	}
	for _, t := range transforms {
		rule.Cluster.Transforms = append(rule.Cluster.Transforms, document.Transform{Kind: t.Kind, Value: t.Value})
	}
	return rule
}

func activeTransforms(in []model.Transform) []model.Transform {
	out := make([]model.Transform, 0, len(in))
	for _, t := range in {
		if !t.IsDeleted {
			out = append(out, t)
		}
	}
	return out
}

func toCluster(c model.Cluster) document.Cluster {
	out := document.Cluster{
		Name:                c.Name,
		LoadBalancingPolicy: c.LoadBalancingPolicy,
		Destinations:        []document.Destination{},
	}

	var meta map[string]string
	if c.Metadata != nil {
		meta = c.Metadata.Values
	}
	for _, d := range c.ActiveDestinations() {
		dd := document.Destination{Name: d.Name, Address: d.Address, Health: d.Health}
		prefix := "destination." + d.Name + "."
		for _, k := range sortedKeys(meta) {
			if strings.HasPrefix(k, prefix) {
				if dd.Metadata == nil {
					dd.Metadata = map[string]string{}
				}
				dd.Metadata[strings.TrimPrefix(k, prefix)] = meta[k]
			}
		}
		out.Destinations = append(out.Destinations, dd)
	}

	if hc := c.HealthCheck; hc != nil && hc.Active != nil {
		out.HealthCheck = &document.HealthCheck{
			Enabled:  hc.Active.Enabled,
			Interval: document.Duration(hc.Active.Interval),
			Timeout:  document.Duration(hc.Active.Timeout),
			Path:     hc.Active.Path,
			Query:    hc.Active.Query,
		}
		if n, err := strconv.Atoi(meta[ThresholdMetadataKey]); err == nil {
			out.HealthCheck.Threshold = n
		}
	}
	if sa := c.SessionAffinity; sa != nil {
		out.SessionAffinity = &document.SessionAffinity{
			Enabled:       sa.Enabled,
			Policy:        sa.Policy,
			FailurePolicy: sa.FailurePolicy,
			Settings:      copyStrings(sa.Settings),
		}
	}
	if hc := c.HTTPClient; hc != nil {
		out.HTTPClient = &document.HTTPClient{
			SSLProtocols:                        append([]string(nil), hc.SSLProtocols...),
			DangerousAcceptAnyServerCertificate: hc.DangerousAcceptAnyServerCertificate,
			MaxConnectionsPerServer:             hc.MaxConnectionsPerServer,
			EnableMultipleHTTP2Connections:      hc.EnableMultipleHTTP2Connections,
		}
	}
	if hr := c.HTTPRequest; hr != nil {
		out.HTTPRequest = &document.HTTPRequest{
			ActivityTimeout:        document.Duration(hr.ActivityTimeout),
			Version:                hr.Version,
			VersionPolicy:          hr.VersionPolicy,
			AllowResponseBuffering: hr.AllowResponseBuffering,
		}
	}
	return out
}

func addHostName(decl *document.Host, name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	for _, hn := range decl.HostNames {
		if strings.EqualFold(hn, name) {
			return
		}
	}
	decl.HostNames = append(decl.HostNames, name)
}
