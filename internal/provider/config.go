package provider

import (
	"time"

	"proxyplane/internal/model"
)

// RouteConfig is the proxy engine's view of a route.
type RouteConfig struct {
	RouteID             string              `json:"routeId"`
	Name                string              `json:"name"`
	ClusterID           string              `json:"clusterId"`
	Order               *int                `json:"order,omitempty"`
	MaxRequestBodySize  *int64              `json:"maxRequestBodySize,omitempty"`
	AuthorizationPolicy string              `json:"authorizationPolicy,omitempty"`
	CorsPolicy          string              `json:"corsPolicy,omitempty"`
	Match               RouteMatch          `json:"match"`
	Transforms          []map[string]string `json:"transforms,omitempty"`
	Metadata            map[string]string   `json:"metadata,omitempty"`
}

type RouteMatch struct {
	Path            string                      `json:"path"`
	Hosts           []string                    `json:"hosts,omitempty"`
	Methods         []string                    `json:"methods,omitempty"`
	Headers         []model.HeaderMatch         `json:"headers,omitempty"`
	QueryParameters []model.QueryParameterMatch `json:"queryParameters,omitempty"`
}

// ClusterConfig is the proxy engine's view of a cluster. Optional sections
// are nil when the cluster has no such settings.
type ClusterConfig struct {
	ClusterID           string                 `json:"clusterId"`
	Name                string                 `json:"name"`
	LoadBalancingPolicy string                 `json:"loadBalancingPolicy"`
	Destinations        []DestinationConfig    `json:"destinations"`
	HealthCheck         *HealthCheckConfig     `json:"healthCheck,omitempty"`
	SessionAffinity     *SessionAffinityConfig `json:"sessionAffinity,omitempty"`
	HTTPClient          *HTTPClientConfig      `json:"httpClient,omitempty"`
	HTTPRequest         *HTTPRequestConfig     `json:"httpRequest,omitempty"`
	Metadata            map[string]string      `json:"metadata,omitempty"`
}

type DestinationConfig struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Address string `json:"address"`
	Health  string `json:"health,omitempty"`
}

type HealthCheckConfig struct {
	Active  *model.ActiveHealthCheck  `json:"active,omitempty"`
	Passive *model.PassiveHealthCheck `json:"passive,omitempty"`
}

type SessionAffinityConfig struct {
	Enabled       bool              `json:"enabled"`
	Policy        string            `json:"policy"`
	FailurePolicy string            `json:"failurePolicy"`
	Settings      map[string]string `json:"settings,omitempty"`
}

type HTTPClientConfig struct {
	SSLProtocols                        []string `json:"sslProtocols,omitempty"`
	DangerousAcceptAnyServerCertificate bool     `json:"dangerousAcceptAnyServerCertificate"`
	MaxConnectionsPerServer             *int     `json:"maxConnectionsPerServer,omitempty"`
	EnableMultipleHTTP2Connections      *bool    `json:"enableMultipleHttp2Connections,omitempty"`
}

type HTTPRequestConfig struct {
	ActivityTimeout        time.Duration `json:"activityTimeout,omitempty"`
	Version                string        `json:"version,omitempty"`
	VersionPolicy          string        `json:"versionPolicy,omitempty"`
	AllowResponseBuffering *bool         `json:"allowResponseBuffering,omitempty"`
}

// Transform directive keys understood by the proxy engine.
const (
	KeyPathRemovePrefix = "PathRemovePrefix"
	KeyPathSet          = "PathSet"
	KeyPathPattern      = "PathPattern"
	KeyRequestHeader    = "RequestHeader"
	KeySet              = "Set"
)

// TransformDirective maps a stored transform to its directive. Unknown kinds
// become a request header set.
func TransformDirective(t model.Transform) map[string]string {
	switch t.Kind {
	case model.TransformPathRemovePrefix:
		return map[string]string{KeyPathRemovePrefix: t.Value}
	case model.TransformPathSet:
		return map[string]string{KeyPathSet: t.Value}
	case model.TransformPathPattern:
		return map[string]string{KeyPathPattern: t.Value}
	default:
		return map[string]string{KeyRequestHeader: t.Kind, KeySet: t.Value}
	}
}

func ConvertRoute(r model.Route) RouteConfig {
	out := RouteConfig{
		RouteID:             r.ID,
		Name:                r.Name,
		ClusterID:           r.ClusterID,
		Order:               r.Order,
		MaxRequestBodySize:  r.MaxRequestBodySize,
		AuthorizationPolicy: r.AuthorizationPolicy,
		CorsPolicy:          r.CorsPolicy,
		Match: RouteMatch{
			Path:            r.Match.Path,
			Hosts:           r.Match.Hosts,
			Methods:         r.Match.Methods,
			Headers:         r.Match.Headers,
			QueryParameters: r.Match.QueryParameters,
		},
	}
	for _, t := range r.Transforms {
		if t.IsDeleted {
			continue
		}
		out.Transforms = append(out.Transforms, TransformDirective(t))
	}
	if r.Metadata != nil && !r.Metadata.IsDeleted {
		out.Metadata = r.Metadata.Values
	}
	return out
}

func ConvertCluster(c model.Cluster) ClusterConfig {
	out := ClusterConfig{
		ClusterID:           c.ID,
		Name:                c.Name,
		LoadBalancingPolicy: c.LoadBalancingPolicy,
		Destinations:        []DestinationConfig{},
	}
	for _, d := range c.ActiveDestinations() {
		out.Destinations = append(out.Destinations, DestinationConfig{
			ID:      d.ID,
			Name:    d.Name,
			Address: d.Address,
			Health:  d.Health,
		})
	}
	if hc := c.HealthCheck; hc != nil && !hc.IsDeleted {
		out.HealthCheck = &HealthCheckConfig{Active: hc.Active, Passive: hc.Passive}
	}
	if sa := c.SessionAffinity; sa != nil && !sa.IsDeleted {
		out.SessionAffinity = &SessionAffinityConfig{
			Enabled:       sa.Enabled,
			Policy:        sa.Policy,
			FailurePolicy: sa.FailurePolicy,
			Settings:      sa.Settings,
		}
	}
	if hc := c.HTTPClient; hc != nil && !hc.IsDeleted {
		out.HTTPClient = &HTTPClientConfig{
			SSLProtocols:                        hc.SSLProtocols,
			DangerousAcceptAnyServerCertificate: hc.DangerousAcceptAnyServerCertificate,
			MaxConnectionsPerServer:             hc.MaxConnectionsPerServer,
			EnableMultipleHTTP2Connections:      hc.EnableMultipleHTTP2Connections,
		}
	}
	if hr := c.HTTPRequest; hr != nil && !hr.IsDeleted {
		out.HTTPRequest = &HTTPRequestConfig{
			ActivityTimeout:        hr.ActivityTimeout,
			Version:                hr.Version,
			VersionPolicy:          hr.VersionPolicy,
			AllowResponseBuffering: hr.AllowResponseBuffering,
		}
	}
	if c.Metadata != nil && !c.Metadata.IsDeleted {
		out.Metadata = c.Metadata.Values
	}
	return out
}
