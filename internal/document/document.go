// Package document defines the external configuration document operators
// submit: host declarations plus proxy rules with embedded cluster specs.
package document

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type Document struct {
	Hosts      []Host      `json:"hosts" yaml:"hosts"`
	ProxyRules []ProxyRule `json:"proxyRules" yaml:"proxyRules"`
}

type Host struct {
	Name      string   `json:"name" yaml:"name"`
	HostNames []string `json:"hostNames" yaml:"hostNames"`
}

type ProxyRule struct {
	Name                string            `json:"name" yaml:"name"`
	PathPrefix          string            `json:"pathPrefix" yaml:"pathPrefix"`
	Hosts               []string          `json:"hosts,omitempty" yaml:"hosts,omitempty"`
	Methods             []string          `json:"methods,omitempty" yaml:"methods,omitempty"`
	StripPrefix         bool              `json:"stripPrefix,omitempty" yaml:"stripPrefix,omitempty"`
	Order               *int              `json:"order,omitempty" yaml:"order,omitempty"`
	MaxRequestBodySize  *int64            `json:"maxRequestBodySize,omitempty" yaml:"maxRequestBodySize,omitempty"`
	AuthorizationPolicy string            `json:"authorizationPolicy,omitempty" yaml:"authorizationPolicy,omitempty"`
	CorsPolicy          string            `json:"corsPolicy,omitempty" yaml:"corsPolicy,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Cluster             Cluster           `json:"cluster" yaml:"cluster"`
}

type Cluster struct {
	Name                string           `json:"name" yaml:"name"`
	LoadBalancingPolicy string           `json:"loadBalancingPolicy,omitempty" yaml:"loadBalancingPolicy,omitempty"`
	Destinations        []Destination    `json:"destinations" yaml:"destinations"`
	HealthCheck         *HealthCheck     `json:"healthCheck,omitempty" yaml:"healthCheck,omitempty"`
	SessionAffinity     *SessionAffinity `json:"sessionAffinity,omitempty" yaml:"sessionAffinity,omitempty"`
	HTTPClient          *HTTPClient      `json:"httpClient,omitempty" yaml:"httpClient,omitempty"`
	HTTPRequest         *HTTPRequest     `json:"httpRequest,omitempty" yaml:"httpRequest,omitempty"`
	Transforms          []Transform      `json:"transforms,omitempty" yaml:"transforms,omitempty"`
}

type Destination struct {
	Name     string            `json:"name" yaml:"name"`
	Address  string            `json:"address" yaml:"address"`
	Health   string            `json:"health,omitempty" yaml:"health,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

type HealthCheck struct {
	Enabled   bool     `json:"enabled" yaml:"enabled"`
	Interval  Duration `json:"interval" yaml:"interval"`
	Timeout   Duration `json:"timeout" yaml:"timeout"`
	Threshold int      `json:"threshold" yaml:"threshold"`
	Path      string   `json:"path" yaml:"path"`
	Query     string   `json:"query,omitempty" yaml:"query,omitempty"`
}

type SessionAffinity struct {
	Enabled       bool              `json:"enabled" yaml:"enabled"`
	Policy        string            `json:"policy,omitempty" yaml:"policy,omitempty"`
	FailurePolicy string            `json:"failurePolicy,omitempty" yaml:"failurePolicy,omitempty"`
	Settings      map[string]string `json:"settings,omitempty" yaml:"settings,omitempty"`
}

type HTTPClient struct {
	SSLProtocols                        []string `json:"sslProtocols,omitempty" yaml:"sslProtocols,omitempty"`
	DangerousAcceptAnyServerCertificate bool     `json:"dangerousAcceptAnyServerCertificate,omitempty" yaml:"dangerousAcceptAnyServerCertificate,omitempty"`
	MaxConnectionsPerServer             *int     `json:"maxConnectionsPerServer,omitempty" yaml:"maxConnectionsPerServer,omitempty"`
	EnableMultipleHTTP2Connections      *bool    `json:"enableMultipleHttp2Connections,omitempty" yaml:"enableMultipleHttp2Connections,omitempty"`
}

type HTTPRequest struct {
	ActivityTimeout        Duration `json:"activityTimeout,omitempty" yaml:"activityTimeout,omitempty"`
	Version                string   `json:"version,omitempty" yaml:"version,omitempty"`
	VersionPolicy          string   `json:"versionPolicy,omitempty" yaml:"versionPolicy,omitempty"`
	AllowResponseBuffering *bool    `json:"allowResponseBuffering,omitempty" yaml:"allowResponseBuffering,omitempty"`
}

type Transform struct {
	Kind  string `json:"kind" yaml:"kind"`
	Value string `json:"value" yaml:"value"`
}

// Destinations returns every destination across all rules, in rule order.
func (d Document) Destinations() []Destination {
	var out []Destination
	for _, r := range d.ProxyRules {
		out = append(out, r.Cluster.Destinations...)
	}
	return out
}

// Parse decodes a document. JSON is detected by a leading '{', anything else
// is read as YAML.
func Parse(data []byte) (Document, error) {
	var doc Document
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return doc, fmt.Errorf("empty document")
	}
	if trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, &doc); err != nil {
			return Document{}, fmt.Errorf("json: %w", err)
		}
		return doc, nil
	}
	if err := yaml.Unmarshal(trimmed, &doc); err != nil {
		return Document{}, fmt.Errorf("yaml: %w", err)
	}
	return doc, nil
}

func Load(path string) (Document, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Document{}, fmt.Errorf("read document: %w", err)
	}
	doc, err := Parse(b)
	if err != nil {
		return Document{}, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return doc, nil
}

// Marshal encodes the document as YAML when format is "yaml" or "yml",
// indented JSON otherwise.
func Marshal(doc Document, format string) ([]byte, error) {
	switch strings.ToLower(format) {
	case "yaml", "yml":
		return yaml.Marshal(doc)
	default:
		return json.MarshalIndent(doc, "", "  ")
	}
}
