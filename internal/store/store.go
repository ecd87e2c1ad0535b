// Package store defines the persistence port for the routing model. Adapters
// live in sub-packages and are selected at startup; nothing above this
// package knows which engine is active.
package store

import (
	"context"
	"errors"
	"time"

	"proxyplane/internal/model"
)

// ErrNotFound is returned by Get* calls when the entity does not exist or
// has been soft-deleted.
var ErrNotFound = errors.New("not found")

// Reader queries only return rows that are not soft-deleted.
type Reader interface {
	ListWebHosts(ctx context.Context) ([]model.WebHost, error)
	GetWebHost(ctx context.Context, id string) (model.WebHost, error)
	ListClusters(ctx context.Context) ([]model.Cluster, error)
	GetCluster(ctx context.Context, id string) (model.Cluster, error)
	ListDestinations(ctx context.Context, clusterID string) ([]model.Destination, error)
	GetDestination(ctx context.Context, id string) (model.Destination, error)
	ListRoutes(ctx context.Context) ([]model.Route, error)
	GetRoute(ctx context.Context, id string) (model.Route, error)
}

// Writer mutations. Put* upserts by ID: an existing row (tombstoned or not)
// is overwritten with the given state. PutCluster persists the cluster's
// destinations and PutRoute its transforms; children that are no longer
// present are tombstoned.
type Writer interface {
	PutWebHost(ctx context.Context, h model.WebHost) error
	PutCluster(ctx context.Context, c model.Cluster) error
	PutDestination(ctx context.Context, d model.Destination) error
	PutRoute(ctx context.Context, r model.Route) error

	SoftDeleteWebHost(ctx context.Context, id string, at time.Time) error
	SoftDeleteCluster(ctx context.Context, id string, at time.Time) error
	SoftDeleteDestination(ctx context.Context, id string, at time.Time) error
	SoftDeleteRoute(ctx context.Context, id string, at time.Time) error

	// SoftDeleteAll tombstones every active route, cluster, destination and
	// web host.
	SoftDeleteAll(ctx context.Context, at time.Time) error
}

// Tx is the view handed to InTx callbacks. Reads observe the transaction's
// own uncommitted writes.
type Tx interface {
	Reader
	Writer
}

type Store interface {
	Reader
	Writer
	// InTx runs fn inside a transaction. The transaction commits when fn
	// returns nil and rolls back otherwise.
	InTx(ctx context.Context, fn func(tx Tx) error) error
	Close() error
}

// Counts is a cheap summary of the active configuration.
type Counts struct {
	Routes       int
	Clusters     int
	Destinations int
	WebHosts     int
	LastUpdated  time.Time
}

// Count tallies the active configuration visible to r.
func Count(ctx context.Context, r Reader) (Counts, error) {
	var c Counts
	routes, err := r.ListRoutes(ctx)
	if err != nil {
		return c, err
	}
	clusters, err := r.ListClusters(ctx)
	if err != nil {
		return c, err
	}
	hosts, err := r.ListWebHosts(ctx)
	if err != nil {
		return c, err
	}
	c.Routes, c.Clusters, c.WebHosts = len(routes), len(clusters), len(hosts)
	for _, rt := range routes {
		c.LastUpdated = latest(c.LastUpdated, rt.UpdatedAt)
	}
	for _, cl := range clusters {
		c.LastUpdated = latest(c.LastUpdated, cl.UpdatedAt)
		for _, d := range cl.Destinations {
			c.Destinations++
			c.LastUpdated = latest(c.LastUpdated, d.UpdatedAt)
		}
	}
	for _, h := range hosts {
		c.LastUpdated = latest(c.LastUpdated, h.UpdatedAt)
	}
	return c, nil
}

func latest(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
