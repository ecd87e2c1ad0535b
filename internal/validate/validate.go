// Package validate checks configuration documents before they are applied:
// structural rules over the document and, optionally, live health probes of
// every destination.
package validate

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"proxyplane/internal/document"
	"proxyplane/internal/model"
)

type Result struct {
	IsValid  bool     `json:"isValid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

func newResult() Result {
	return Result{IsValid: true, Errors: []string{}, Warnings: []string{}}
}

func (r *Result) errorf(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
	r.IsValid = false
}

func (r *Result) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Merge appends o's findings to r.
func (r *Result) Merge(o Result) {
	r.Errors = append(r.Errors, o.Errors...)
	r.Warnings = append(r.Warnings, o.Warnings...)
	r.IsValid = len(r.Errors) == 0
}

var (
	dnsLabel = `[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?`
	hostRe   = regexp.MustCompile(`^` + dnsLabel + `(\.` + dnsLabel + `)*$`)

	httpMethods     = []string{"GET", "POST", "PUT", "DELETE", "PATCH", "HEAD", "OPTIONS"}
	httpVersions    = []string{"1.0", "1.1", "2", "2.0", "3", "3.0"}
	versionPolicies = []string{"RequestVersionOrLower", "RequestVersionOrHigher", "RequestVersionExact"}
)

const maxHostnameLen = 253

type Validator struct {
	log zerolog.Logger
}

func New(log zerolog.Logger) *Validator {
	return &Validator{log: log.With().Str("component", "validate").Logger()}
}

// ValidateConfiguration applies every structural rule and accumulates the
// findings; it never stops at the first problem.
func (v *Validator) ValidateConfiguration(doc document.Document) Result {
	res := newResult()
	if len(doc.ProxyRules) > 0 && len(doc.Hosts) == 0 {
		res.warnf("configuration has proxy rules but no hosts")
	}

	for i, h := range doc.Hosts {
		res.Merge(v.validateHost(i, h))
	}

	seen := map[string]bool{}
	reported := map[string]bool{}
	for _, h := range doc.Hosts {
		for _, hn := range h.HostNames {
			key := strings.ToLower(strings.TrimSpace(hn))
			if key == "" {
				continue
			}
			if seen[key] && !reported[key] {
				res.errorf("duplicate hostname %q", hn)
				reported[key] = true
			}
			seen[key] = true
		}
	}

	for i, r := range doc.ProxyRules {
		res.Merge(v.validateRule(i, r))
	}
	res.Warnings = append(res.Warnings, Overlaps(doc.ProxyRules)...)
	res.IsValid = len(res.Errors) == 0

	v.log.Debug().
		Bool("valid", res.IsValid).
		Int("errors", len(res.Errors)).
		Int("warnings", len(res.Warnings)).
		Msg("validated configuration")
	return res
}

func (v *Validator) ValidateHost(h document.Host) Result {
	return v.validateHost(-1, h)
}

func label(kind string, idx int, name string) string {
	if name != "" {
		return fmt.Sprintf("%s %q", kind, name)
	}
	if idx >= 0 {
		return fmt.Sprintf("%s #%d", kind, idx+1)
	}
	return kind
}

func (v *Validator) validateHost(idx int, h document.Host) Result {
	res := newResult()
	who := label("host", idx, h.Name)
	if strings.TrimSpace(h.Name) == "" {
		res.errorf("%s: name is required", who)
	}
	if len(h.HostNames) == 0 {
		res.errorf("%s: at least one hostname is required", who)
	}
	for _, hn := range h.HostNames {
		if !ValidHostname(hn) {
			res.errorf("%s: invalid hostname %q", who, hn)
		}
	}
	return res
}

// ValidHostname accepts dot-separated DNS labels up to 253 characters, with
// an optional leading "*." wildcard.
func ValidHostname(hn string) bool {
	hn = strings.TrimPrefix(strings.TrimSpace(hn), "*.")
	if hn == "" || len(hn) > maxHostnameLen {
		return false
	}
	return hostRe.MatchString(hn)
}

func (v *Validator) ValidateRule(r document.ProxyRule) Result {
	return v.validateRule(-1, r)
}

func (v *Validator) validateRule(idx int, r document.ProxyRule) Result {
	res := newResult()
	who := label("rule", idx, r.Name)
	if strings.TrimSpace(r.Name) == "" {
		res.errorf("%s: name is required", who)
	}
	switch {
	case r.PathPrefix == "":
		res.errorf("%s: path prefix is required", who)
	case !strings.HasPrefix(r.PathPrefix, "/"):
		res.errorf("%s: path prefix %q must start with '/'", who, r.PathPrefix)
	}
	if len(r.Hosts) == 0 {
		res.warnf("%s: no hosts attached, the rule matches any host", who)
	}
	for _, m := range r.Methods {
		if !containsFold(httpMethods, m) {
			res.warnf("%s: non-standard HTTP method %q", who, m)
		}
	}
	if r.MaxRequestBodySize != nil && *r.MaxRequestBodySize < 0 {
		res.errorf("%s: max request body size must not be negative", who)
	}
	res.Merge(v.ValidateCluster(r.Cluster))
	return res
}

func (v *Validator) ValidateCluster(c document.Cluster) Result {
	res := newResult()
	who := label("cluster", -1, c.Name)
	if strings.TrimSpace(c.Name) == "" {
		res.errorf("cluster: name is required")
	}
	if len(c.Destinations) == 0 {
		res.errorf("%s: at least one destination is required", who)
	}
	if c.LoadBalancingPolicy != "" && !containsFold(model.LoadBalancingPolicies, c.LoadBalancingPolicy) {
		res.warnf("%s: unknown load balancing policy %q, %s will be used", who, c.LoadBalancingPolicy, model.PolicyRoundRobin)
	}
	for i, d := range c.Destinations {
		dwho := label("destination", i, d.Name)
		if err := checkAddress(d.Address); err != nil {
			res.errorf("%s %s: %v", who, dwho, err)
		}
	}
	if hc := c.HealthCheck; hc != nil {
		if hc.Interval <= 0 {
			res.errorf("%s: health check interval must be positive", who)
		}
		if hc.Timeout <= 0 {
			res.errorf("%s: health check timeout must be positive", who)
		}
		if hc.Threshold <= 0 {
			res.errorf("%s: health check threshold must be positive", who)
		}
		if hc.Interval > 0 && hc.Timeout > 0 && hc.Timeout >= hc.Interval {
			res.warnf("%s: health check timeout %s should be shorter than interval %s", who, hc.Timeout, hc.Interval)
		}
		if !strings.HasPrefix(hc.Path, "/") {
			res.errorf("%s: health check path %q must start with '/'", who, hc.Path)
		}
	}
	if hr := c.HTTPRequest; hr != nil {
		if hr.Version != "" && !containsFold(httpVersions, hr.Version) {
			res.errorf("%s: unsupported HTTP version %q", who, hr.Version)
		}
		if hr.VersionPolicy != "" && !containsFold(versionPolicies, hr.VersionPolicy) {
			res.errorf("%s: unsupported HTTP version policy %q", who, hr.VersionPolicy)
		}
	}
	return res
}

func checkAddress(addr string) error {
	if strings.TrimSpace(addr) == "" {
		return fmt.Errorf("address is required")
	}
	u, err := url.Parse(addr)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("address %q is not an absolute URI", addr)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("address %q must use http or https", addr)
	}
	return nil
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}

// Overlaps reports every pair of rules that share a hostname and whose path
// prefixes nest. Quadratic in the rule count.
func Overlaps(rules []document.ProxyRule) []string {
	var out []string
	for i := 0; i < len(rules); i++ {
		for j := i + 1; j < len(rules); j++ {
			a, b := rules[i], rules[j]
			shared := sharedHosts(a.Hosts, b.Hosts)
			if len(shared) == 0 {
				continue
			}
			pa := strings.ToLower(strings.TrimRight(a.PathPrefix, "/"))
			pb := strings.ToLower(strings.TrimRight(b.PathPrefix, "/"))
			if !strings.HasPrefix(pa, pb) && !strings.HasPrefix(pb, pa) {
				continue
			}
			out = append(out, fmt.Sprintf("rules %q and %q may overlap: shared hosts [%s], paths %q and %q",
				a.Name, b.Name, strings.Join(shared, ", "), a.PathPrefix, b.PathPrefix))
		}
	}
	return out
}

func sharedHosts(a, b []string) []string {
	set := make(map[string]bool, len(a))
	for _, h := range a {
		set[strings.ToLower(strings.TrimSpace(h))] = true
	}
	var out []string
	for _, h := range b {
		key := strings.ToLower(strings.TrimSpace(h))
		if set[key] {
			out = append(out, key)
			delete(set, key)
		}
	}
	return out
}
