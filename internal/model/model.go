package model

import (
	"time"

	"github.com/google/uuid"
)

// Base carries identity, audit timestamps and the soft-delete flag shared by
// every persisted entity.
type Base struct {
	ID        string     `json:"id"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	IsDeleted bool       `json:"isDeleted"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
}

// NewBase returns a Base with a fresh ID stamped at now.
func NewBase(now time.Time) Base {
	return Base{ID: NewID(), CreatedAt: now, UpdatedAt: now}
}

func NewID() string {
	return uuid.NewString()
}

// Touch moves UpdatedAt forward to now, or one microsecond past its previous
// value when the clock has not advanced.
func (b *Base) Touch(now time.Time) {
	b.UpdatedAt = Later(b.UpdatedAt, now)
}

// MarkDeleted tombstones the entity.
func (b *Base) MarkDeleted(now time.Time) {
	b.Touch(now)
	at := b.UpdatedAt
	b.IsDeleted = true
	b.DeletedAt = &at
}

// Revive clears the tombstone, as done when a backup is restored.
func (b *Base) Revive(now time.Time) {
	b.Touch(now)
	b.IsDeleted = false
	b.DeletedAt = nil
}

// Later returns now when it is strictly after prev, otherwise prev plus one
// microsecond.
func Later(prev, now time.Time) time.Time {
	if now.After(prev) {
		return now
	}
	return prev.Add(time.Microsecond)
}

type WebHost struct {
	Base
	Name      string `json:"name"`
	HostName  string `json:"hostName"`
	IsDefault bool   `json:"isDefault"`
}

const (
	PolicyRoundRobin    = "RoundRobin"
	PolicyLeastRequests = "LeastRequests"
	PolicyRandom        = "Random"
	PolicyPowerOfTwo    = "PowerOfTwo"
)

// LoadBalancingPolicies lists the accepted cluster policies.
var LoadBalancingPolicies = []string{PolicyRoundRobin, PolicyLeastRequests, PolicyRandom, PolicyPowerOfTwo}

type Cluster struct {
	Base
	WebHostID           string               `json:"webHostId"`
	Name                string               `json:"name"`
	LoadBalancingPolicy string               `json:"loadBalancingPolicy"`
	Destinations        []Destination        `json:"destinations,omitempty"`
	HealthCheck         *HealthCheck         `json:"healthCheck,omitempty"`
	SessionAffinity     *SessionAffinity     `json:"sessionAffinity,omitempty"`
	HTTPClient          *HTTPClientSettings  `json:"httpClient,omitempty"`
	HTTPRequest         *HTTPRequestSettings `json:"httpRequest,omitempty"`
	Metadata            *Metadata            `json:"metadata,omitempty"`
}

// ActiveDestinations returns the destinations that are not tombstoned.
func (c Cluster) ActiveDestinations() []Destination {
	out := make([]Destination, 0, len(c.Destinations))
	for _, d := range c.Destinations {
		if !d.IsDeleted {
			out = append(out, d)
		}
	}
	return out
}

// Destination health as last observed by the health monitor.
const (
	HealthUnknown   = "Unknown"
	HealthHealthy   = "Healthy"
	HealthUnhealthy = "Unhealthy"
)

type Destination struct {
	Base
	ClusterID string `json:"clusterId"`
	Name      string `json:"name"`
	Address   string `json:"address"`
	Health    string `json:"health,omitempty"`
}

type Route struct {
	Base
	WebHostID           string      `json:"webHostId"`
	ClusterID           string      `json:"clusterId"`
	Name                string      `json:"name"`
	Order               *int        `json:"order,omitempty"`
	MaxRequestBodySize  *int64      `json:"maxRequestBodySize,omitempty"`
	AuthorizationPolicy string      `json:"authorizationPolicy,omitempty"`
	CorsPolicy          string      `json:"corsPolicy,omitempty"`
	Match               Match       `json:"match"`
	Transforms          []Transform `json:"transforms,omitempty"`
	Metadata            *Metadata   `json:"metadata,omitempty"`
}

// Match holds the request criteria of a route. A nil Methods slice matches
// any method.
type Match struct {
	Base
	Path            string                `json:"path"`
	Hosts           []string              `json:"hosts,omitempty"`
	Methods         []string              `json:"methods,omitempty"`
	Headers         []HeaderMatch         `json:"headers,omitempty"`
	QueryParameters []QueryParameterMatch `json:"queryParameters,omitempty"`
}

type HeaderMatch struct {
	Name            string   `json:"name"`
	Values          []string `json:"values,omitempty"`
	Mode            string   `json:"mode,omitempty"`
	IsCaseSensitive bool     `json:"isCaseSensitive"`
}

type QueryParameterMatch struct {
	Name            string   `json:"name"`
	Values          []string `json:"values,omitempty"`
	Mode            string   `json:"mode,omitempty"`
	IsCaseSensitive bool     `json:"isCaseSensitive"`
}

const (
	TransformPathRemovePrefix = "path-remove-prefix"
	TransformPathSet          = "path-set"
	TransformPathPattern      = "path-pattern"
)

// Transform is a single request rewrite. Kinds other than the path kinds
// name a request header to set.
type Transform struct {
	Base
	RouteID string `json:"routeId"`
	Kind    string `json:"kind"`
	Value   string `json:"value"`
}

type HealthCheck struct {
	Base
	Active  *ActiveHealthCheck  `json:"active,omitempty"`
	Passive *PassiveHealthCheck `json:"passive,omitempty"`
}

type ActiveHealthCheck struct {
	Enabled  bool          `json:"enabled"`
	Interval time.Duration `json:"interval"`
	Timeout  time.Duration `json:"timeout"`
	Policy   string        `json:"policy"`
	Path     string        `json:"path"`
	Query    string        `json:"query,omitempty"`
}

type PassiveHealthCheck struct {
	Enabled            bool          `json:"enabled"`
	Policy             string        `json:"policy"`
	ReactivationPeriod time.Duration `json:"reactivationPeriod"`
}

type SessionAffinity struct {
	Base
	Enabled       bool              `json:"enabled"`
	Policy        string            `json:"policy"`
	FailurePolicy string            `json:"failurePolicy"`
	Settings      map[string]string `json:"settings,omitempty"`
}

type HTTPClientSettings struct {
	Base
	SSLProtocols                        []string `json:"sslProtocols,omitempty"`
	DangerousAcceptAnyServerCertificate bool     `json:"dangerousAcceptAnyServerCertificate"`
	MaxConnectionsPerServer             *int     `json:"maxConnectionsPerServer,omitempty"`
	EnableMultipleHTTP2Connections      *bool    `json:"enableMultipleHttp2Connections,omitempty"`
}

type HTTPRequestSettings struct {
	Base
	ActivityTimeout        time.Duration `json:"activityTimeout,omitempty"`
	Version                string        `json:"version,omitempty"`
	VersionPolicy          string        `json:"versionPolicy,omitempty"`
	AllowResponseBuffering *bool         `json:"allowResponseBuffering,omitempty"`
}

// Metadata is an opaque key/value blob attached to a cluster or route.
type Metadata struct {
	Base
	Values map[string]string `json:"values"`
}
