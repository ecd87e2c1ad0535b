// Package gateway implements the configuration management operations of the
// control plane: entity CRUD, import/export, whole-document updates and
// rollback.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"proxyplane/internal/backup"
	"proxyplane/internal/document"
	"proxyplane/internal/metrics"
	"proxyplane/internal/model"
	"proxyplane/internal/provider"
	"proxyplane/internal/store"
	"proxyplane/internal/translate"
	"proxyplane/internal/validate"
)

var (
	// ErrInvalidReference is returned when an entity points at a cluster or
	// web host that does not exist or is deleted.
	ErrInvalidReference = errors.New("invalid reference")
	ErrNoBackup         = errors.New("no backup available")
)

type Deps struct {
	Store      store.Store
	Provider   *provider.Provider
	Backups    *backup.Service
	Validator  *validate.Validator
	Health     *validate.HealthValidator
	Translator *translate.Translator
	Metrics    *metrics.Collector
	Log        zerolog.Logger
}

type Service struct {
	store      store.Store
	provider   *provider.Provider
	backups    *backup.Service
	validator  *validate.Validator
	health     *validate.HealthValidator
	translator *translate.Translator
	metrics    *metrics.Collector
	log        zerolog.Logger
	now        func() time.Time
}

func NewService(d Deps) *Service {
	log := d.Log.With().Str("component", "gateway").Logger()
	s := &Service{
		store:      d.Store,
		provider:   d.Provider,
		backups:    d.Backups,
		validator:  d.Validator,
		health:     d.Health,
		translator: d.Translator,
		metrics:    d.Metrics,
		log:        log,
		now:        time.Now,
	}
	if s.validator == nil {
		s.validator = validate.New(d.Log)
	}
	if s.translator == nil {
		s.translator = translate.New(d.Log)
	}
	return s
}

// Status summarizes the active configuration.
type Status struct {
	IsValid          bool      `json:"isValid"`
	RouteCount       int       `json:"routeCount"`
	ClusterCount     int       `json:"clusterCount"`
	DestinationCount int       `json:"destinationCount"`
	WebHostCount     int       `json:"webHostCount"`
	LastUpdated      time.Time `json:"lastUpdated"`
}

// afterWrite rebuilds the proxy configuration. The write itself has already
// been committed, so a failed reload is logged and not returned.
func (s *Service) afterWrite(ctx context.Context, what string) {
	if err := s.provider.Reload(ctx); err != nil {
		s.log.Warn().Err(err).Str("after", what).Msg("proxy reload failed")
	}
}

func ensureBase(b *model.Base, now time.Time) {
	if b.ID == "" {
		*b = model.NewBase(now)
	}
}

// stamp keeps identity and creation time from the stored row and moves
// UpdatedAt forward.
func stamp(b *model.Base, existing model.Base, now time.Time) {
	b.ID = existing.ID
	b.CreatedAt = existing.CreatedAt
	b.UpdatedAt = existing.UpdatedAt
	b.IsDeleted = false
	b.DeletedAt = nil
	b.Touch(now)
}

func activeCluster(ctx context.Context, r store.Reader, id string) error {
	if _, err := r.GetCluster(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("cluster %s: %w", id, ErrInvalidReference)
		}
		return err
	}
	return nil
}

func activeWebHost(ctx context.Context, r store.Reader, id string) error {
	if id == "" {
		return nil
	}
	if _, err := r.GetWebHost(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("web host %s: %w", id, ErrInvalidReference)
		}
		return err
	}
	return nil
}

// Routes

func (s *Service) GetRoutes(ctx context.Context) ([]model.Route, error) {
	return s.store.ListRoutes(ctx)
}

func (s *Service) GetRoute(ctx context.Context, id string) (model.Route, error) {
	return s.store.GetRoute(ctx, id)
}

func (s *Service) prepareRoute(r *model.Route, now time.Time) {
	ensureBase(&r.Match.Base, now)
	for i := range r.Transforms {
		ensureBase(&r.Transforms[i].Base, now)
		r.Transforms[i].RouteID = r.ID
	}
	if r.Transforms == nil {
		r.Transforms = []model.Transform{}
	}
	if r.Metadata != nil {
		ensureBase(&r.Metadata.Base, now)
	}
}

func (s *Service) CreateRoute(ctx context.Context, r model.Route) (model.Route, error) {
	now := s.now()
	r.Base = model.NewBase(now)
	s.prepareRoute(&r, now)
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		if err := activeCluster(ctx, tx, r.ClusterID); err != nil {
			return err
		}
		if err := activeWebHost(ctx, tx, r.WebHostID); err != nil {
			return err
		}
		return tx.PutRoute(ctx, r)
	})
	if err != nil {
		return model.Route{}, err
	}
	s.log.Info().Str("route", r.ID).Str("name", r.Name).Msg("route created")
	s.afterWrite(ctx, "create route")
	return r, nil
}

func (s *Service) UpdateRoute(ctx context.Context, id string, r model.Route) (model.Route, error) {
	now := s.now()
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		existing, err := tx.GetRoute(ctx, id)
		if err != nil {
			return err
		}
		stamp(&r.Base, existing.Base, now)
		s.prepareRoute(&r, now)
		if err := activeCluster(ctx, tx, r.ClusterID); err != nil {
			return err
		}
		if err := activeWebHost(ctx, tx, r.WebHostID); err != nil {
			return err
		}
		return tx.PutRoute(ctx, r)
	})
	if err != nil {
		return model.Route{}, err
	}
	s.log.Info().Str("route", r.ID).Msg("route updated")
	s.afterWrite(ctx, "update route")
	return r, nil
}

func (s *Service) DeleteRoute(ctx context.Context, id string) error {
	if err := s.store.SoftDeleteRoute(ctx, id, s.now()); err != nil {
		return err
	}
	s.log.Info().Str("route", id).Msg("route deleted")
	s.afterWrite(ctx, "delete route")
	return nil
}

// Clusters

func (s *Service) GetClusters(ctx context.Context) ([]model.Cluster, error) {
	return s.store.ListClusters(ctx)
}

func (s *Service) GetCluster(ctx context.Context, id string) (model.Cluster, error) {
	return s.store.GetCluster(ctx, id)
}

func (s *Service) prepareCluster(c *model.Cluster, now time.Time) {
	if c.LoadBalancingPolicy == "" {
		c.LoadBalancingPolicy = model.PolicyRoundRobin
	}
	for i := range c.Destinations {
		ensureBase(&c.Destinations[i].Base, now)
		c.Destinations[i].ClusterID = c.ID
	}
	if c.HealthCheck != nil {
		ensureBase(&c.HealthCheck.Base, now)
	}
	if c.SessionAffinity != nil {
		ensureBase(&c.SessionAffinity.Base, now)
	}
	if c.HTTPClient != nil {
		ensureBase(&c.HTTPClient.Base, now)
	}
	if c.HTTPRequest != nil {
		ensureBase(&c.HTTPRequest.Base, now)
	}
	if c.Metadata != nil {
		ensureBase(&c.Metadata.Base, now)
	}
}

// CreateCluster stores c with its destinations. A nil destination list
// creates an empty cluster.
func (s *Service) CreateCluster(ctx context.Context, c model.Cluster) (model.Cluster, error) {
	now := s.now()
	c.Base = model.NewBase(now)
	s.prepareCluster(&c, now)
	if c.Destinations == nil {
		c.Destinations = []model.Destination{}
	}
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		if err := activeWebHost(ctx, tx, c.WebHostID); err != nil {
			return err
		}
		return tx.PutCluster(ctx, c)
	})
	if err != nil {
		return model.Cluster{}, err
	}
	s.log.Info().Str("cluster", c.ID).Str("name", c.Name).Msg("cluster created")
	s.afterWrite(ctx, "create cluster")
	return c, nil
}

// UpdateCluster replaces the cluster's settings. A nil destination list
// keeps the stored destinations; a non-nil one replaces them.
func (s *Service) UpdateCluster(ctx context.Context, id string, c model.Cluster) (model.Cluster, error) {
	now := s.now()
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		existing, err := tx.GetCluster(ctx, id)
		if err != nil {
			return err
		}
		stamp(&c.Base, existing.Base, now)
		s.prepareCluster(&c, now)
		if err := activeWebHost(ctx, tx, c.WebHostID); err != nil {
			return err
		}
		if err := tx.PutCluster(ctx, c); err != nil {
			return err
		}
		if c.Destinations == nil {
			c.Destinations = existing.Destinations
		}
		return nil
	})
	if err != nil {
		return model.Cluster{}, err
	}
	s.log.Info().Str("cluster", c.ID).Msg("cluster updated")
	s.afterWrite(ctx, "update cluster")
	return c, nil
}

func (s *Service) DeleteCluster(ctx context.Context, id string) error {
	if err := s.store.SoftDeleteCluster(ctx, id, s.now()); err != nil {
		return err
	}
	s.log.Info().Str("cluster", id).Msg("cluster deleted")
	s.afterWrite(ctx, "delete cluster")
	return nil
}

// Destinations

// GetDestinations lists the active destinations of one cluster.
func (s *Service) GetDestinations(ctx context.Context, clusterID string) ([]model.Destination, error) {
	if _, err := s.store.GetCluster(ctx, clusterID); err != nil {
		return nil, err
	}
	return s.store.ListDestinations(ctx, clusterID)
}

func (s *Service) GetDestination(ctx context.Context, id string) (model.Destination, error) {
	return s.store.GetDestination(ctx, id)
}

func (s *Service) CreateDestination(ctx context.Context, d model.Destination) (model.Destination, error) {
	d.Base = model.NewBase(s.now())
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		if err := activeCluster(ctx, tx, d.ClusterID); err != nil {
			return err
		}
		return tx.PutDestination(ctx, d)
	})
	if err != nil {
		return model.Destination{}, err
	}
	s.log.Info().Str("destination", d.ID).Str("cluster", d.ClusterID).Msg("destination created")
	s.afterWrite(ctx, "create destination")
	return d, nil
}

func (s *Service) UpdateDestination(ctx context.Context, id string, d model.Destination) (model.Destination, error) {
	now := s.now()
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		existing, err := tx.GetDestination(ctx, id)
		if err != nil {
			return err
		}
		stamp(&d.Base, existing.Base, now)
		if d.ClusterID == "" {
			d.ClusterID = existing.ClusterID
		}
		if err := activeCluster(ctx, tx, d.ClusterID); err != nil {
			return err
		}
		return tx.PutDestination(ctx, d)
	})
	if err != nil {
		return model.Destination{}, err
	}
	s.log.Info().Str("destination", d.ID).Msg("destination updated")
	s.afterWrite(ctx, "update destination")
	return d, nil
}

func (s *Service) DeleteDestination(ctx context.Context, id string) error {
	if err := s.store.SoftDeleteDestination(ctx, id, s.now()); err != nil {
		return err
	}
	s.log.Info().Str("destination", id).Msg("destination deleted")
	s.afterWrite(ctx, "delete destination")
	return nil
}

// Web hosts

func (s *Service) GetWebHosts(ctx context.Context) ([]model.WebHost, error) {
	return s.store.ListWebHosts(ctx)
}

func (s *Service) GetWebHost(ctx context.Context, id string) (model.WebHost, error) {
	return s.store.GetWebHost(ctx, id)
}

func (s *Service) CreateWebHost(ctx context.Context, h model.WebHost) (model.WebHost, error) {
	h.Base = model.NewBase(s.now())
	if err := s.store.PutWebHost(ctx, h); err != nil {
		return model.WebHost{}, err
	}
	s.log.Info().Str("web_host", h.ID).Str("host", h.HostName).Msg("web host created")
	s.afterWrite(ctx, "create web host")
	return h, nil
}

func (s *Service) UpdateWebHost(ctx context.Context, id string, h model.WebHost) (model.WebHost, error) {
	now := s.now()
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		existing, err := tx.GetWebHost(ctx, id)
		if err != nil {
			return err
		}
		stamp(&h.Base, existing.Base, now)
		return tx.PutWebHost(ctx, h)
	})
	if err != nil {
		return model.WebHost{}, err
	}
	s.log.Info().Str("web_host", h.ID).Msg("web host updated")
	s.afterWrite(ctx, "update web host")
	return h, nil
}

func (s *Service) DeleteWebHost(ctx context.Context, id string) error {
	if err := s.store.SoftDeleteWebHost(ctx, id, s.now()); err != nil {
		return err
	}
	s.log.Info().Str("web_host", id).Msg("web host deleted")
	s.afterWrite(ctx, "delete web host")
	return nil
}

// Configuration

func (s *Service) ReloadProxyConfiguration(ctx context.Context) error {
	return s.provider.Reload(ctx)
}

// ProxyConfiguration returns the snapshot the proxy engine currently sees.
func (s *Service) ProxyConfiguration() *provider.Snapshot {
	return s.provider.GetConfig()
}

// ValidateConfiguration reports whether every route points at an active
// cluster and every cluster has at least one destination.
func (s *Service) ValidateConfiguration(ctx context.Context) (bool, error) {
	return checkStored(ctx, s.store)
}

// ValidateDocument checks doc without touching the store. Destination probes
// run only when withHealth is set and a health validator is configured.
func (s *Service) ValidateDocument(ctx context.Context, doc document.Document, withHealth bool) validate.Result {
	res := s.validator.ValidateConfiguration(doc)
	if withHealth && s.health != nil {
		res.Merge(s.health.ValidateDestinationHealth(ctx, doc.Destinations()))
	}
	return res
}

func checkStored(ctx context.Context, r store.Reader) (bool, error) {
	routes, err := r.ListRoutes(ctx)
	if err != nil {
		return false, err
	}
	clusters, err := r.ListClusters(ctx)
	if err != nil {
		return false, err
	}
	active := make(map[string]bool, len(clusters))
	for _, c := range clusters {
		if len(c.ActiveDestinations()) == 0 {
			return false, nil
		}
		active[c.ID] = true
	}
	for _, rt := range routes {
		if !active[rt.ClusterID] {
			return false, nil
		}
	}
	return true, nil
}

// ImportConfiguration translates doc and adds its entities to the existing
// configuration in one transaction.
func (s *Service) ImportConfiguration(ctx context.Context, doc document.Document) (translate.Result, error) {
	res := s.translator.Translate(doc)
	if !res.Success {
		return res, nil
	}
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		return insertEntities(ctx, tx, res)
	})
	if err != nil {
		return res, fmt.Errorf("import: %w", err)
	}
	s.log.Info().
		Int("routes", len(res.Routes)).
		Int("clusters", len(res.Clusters)).
		Int("web_hosts", len(res.WebHosts)).
		Msg("configuration imported")
	s.afterWrite(ctx, "import")
	return res, nil
}

func insertEntities(ctx context.Context, tx store.Tx, res translate.Result) error {
	for _, h := range res.WebHosts {
		if err := tx.PutWebHost(ctx, h); err != nil {
			return err
		}
	}
	for _, c := range res.Clusters {
		if err := tx.PutCluster(ctx, c); err != nil {
			return err
		}
	}
	for _, r := range res.Routes {
		if err := tx.PutRoute(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

// ExportConfiguration renders the active configuration as a document.
func (s *Service) ExportConfiguration(ctx context.Context) (document.Document, error) {
	hosts, err := s.store.ListWebHosts(ctx)
	if err != nil {
		return document.Document{}, err
	}
	routes, err := s.store.ListRoutes(ctx)
	if err != nil {
		return document.Document{}, err
	}
	clusters, err := s.store.ListClusters(ctx)
	if err != nil {
		return document.Document{}, err
	}
	return translate.ToDocument(hosts, routes, clusters), nil
}

func (s *Service) GetConfigurationStatus(ctx context.Context) (Status, error) {
	c, err := store.Count(ctx, s.store)
	if err != nil {
		return Status{}, err
	}
	valid, err := s.ValidateConfiguration(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{
		IsValid:          valid,
		RouteCount:       c.Routes,
		ClusterCount:     c.Clusters,
		DestinationCount: c.Destinations,
		WebHostCount:     c.WebHosts,
		LastUpdated:      c.LastUpdated,
	}, nil
}
