// Package caddy renders proxy snapshots as a Caddyfile and pushes them to a
// Caddy instance.
package caddy

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"proxyplane/internal/model"
	"proxyplane/internal/provider"
)

// catchAllSite serves routes that do not name a host.
const catchAllSite = ":80"

var lbPolicies = map[string]string{
	model.PolicyRoundRobin:    "round_robin",
	model.PolicyLeastRequests: "least_conn",
	model.PolicyRandom:        "random",
	model.PolicyPowerOfTwo:    "random_choose 2",
}

// Render builds a Caddyfile with one site block per host. Routes are
// emitted in Order, then by name, so the output is stable for a snapshot.
func Render(s *provider.Snapshot) string {
	clusters := make(map[string]provider.ClusterConfig, len(s.Clusters))
	for _, c := range s.Clusters {
		clusters[c.ClusterID] = c
	}

	sites := map[string][]provider.RouteConfig{}
	for _, r := range s.Routes {
		hosts := r.Match.Hosts
		if len(hosts) == 0 {
			hosts = []string{catchAllSite}
		}
		for _, h := range hosts {
			sites[h] = append(sites[h], r)
		}
	}
	names := make([]string, 0, len(sites))
	for h := range sites {
		names = append(names, h)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, host := range names {
		routes := sites[host]
		sort.SliceStable(routes, func(i, j int) bool {
			oi, oj := order(routes[i]), order(routes[j])
			if oi != oj {
				return oi < oj
			}
			return routes[i].Name < routes[j].Name
		})
		b.WriteString(host + " {\n")
		b.WriteString("  encode gzip\n")
		b.WriteString("  log\n")
		for _, r := range routes {
			c, ok := clusters[r.ClusterID]
			if !ok {
				continue
			}
			writeRoute(&b, r, c)
		}
		b.WriteString("}\n\n")
	}
	return b.String()
}

func order(r provider.RouteConfig) int {
	if r.Order == nil {
		return 0
	}
	return *r.Order
}

func pathMatcher(p string) string {
	if i := strings.Index(p, "{"); i >= 0 {
		p = p[:i]
	}
	if p == "" || p == "/" {
		return "/*"
	}
	return strings.TrimRight(p, "/") + "*"
}

func writeRoute(b *strings.Builder, r provider.RouteConfig, c provider.ClusterConfig) {
	fmt.Fprintf(b, "  # route %s\n", r.Name)
	fmt.Fprintf(b, "  handle %s {\n", pathMatcher(r.Match.Path))
	if len(r.Match.Methods) > 0 {
		fmt.Fprintf(b, "    @method not method %s\n", strings.Join(r.Match.Methods, " "))
		b.WriteString("    respond @method 405\n")
	}
	if r.MaxRequestBodySize != nil && *r.MaxRequestBodySize > 0 {
		fmt.Fprintf(b, "    request_body {\n      max_size %d\n    }\n", *r.MaxRequestBodySize)
	}
	var headers []string
	for _, t := range r.Transforms {
		switch {
		case t[provider.KeyPathRemovePrefix] != "":
			fmt.Fprintf(b, "    uri strip_prefix %s\n", t[provider.KeyPathRemovePrefix])
		case t[provider.KeyPathSet] != "":
			fmt.Fprintf(b, "    rewrite * %s\n", t[provider.KeyPathSet])
		case t[provider.KeyRequestHeader] != "":
			headers = append(headers, fmt.Sprintf("header_up %s %q", t[provider.KeyRequestHeader], t[provider.KeySet]))
		}
	}

	b.WriteString("    reverse_proxy {\n")
	for _, up := range upstreams(c.Destinations) {
		fmt.Fprintf(b, "      to %s\n", up)
	}
	if p, ok := lbPolicies[c.LoadBalancingPolicy]; ok {
		fmt.Fprintf(b, "      lb_policy %s\n", p)
	}
	if hc := c.HealthCheck; hc != nil && hc.Active != nil && hc.Active.Enabled {
		if hc.Active.Path != "" {
			fmt.Fprintf(b, "      health_uri %s\n", hc.Active.Path)
		}
		if hc.Active.Interval > 0 {
			fmt.Fprintf(b, "      health_interval %s\n", hc.Active.Interval)
		}
		if hc.Active.Timeout > 0 {
			fmt.Fprintf(b, "      health_timeout %s\n", hc.Active.Timeout)
		}
	}
	for _, h := range headers {
		fmt.Fprintf(b, "      %s\n", h)
	}
	b.WriteString("    }\n")
	b.WriteString("  }\n")
}

// upstreams drops destinations last seen unhealthy, unless that would leave
// none.
func upstreams(dests []provider.DestinationConfig) []string {
	var healthy, all []string
	for _, d := range dests {
		addr := upstreamAddress(d.Address)
		all = append(all, addr)
		if d.Health != model.HealthUnhealthy {
			healthy = append(healthy, addr)
		}
	}
	if len(healthy) == 0 {
		return all
	}
	return healthy
}

func upstreamAddress(addr string) string {
	u, err := url.Parse(addr)
	if err != nil || u.Host == "" {
		return addr
	}
	return u.Scheme + "://" + u.Host
}
