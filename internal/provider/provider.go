// Package provider holds the proxy engine's live configuration and rebuilds
// it from the entity store.
package provider

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"proxyplane/internal/metrics"
	"proxyplane/internal/store"
)

const defaultLoadTimeout = 30 * time.Second

// ChangeToken fires once, after the snapshot that carries it has been
// replaced.
type ChangeToken struct {
	ctx context.Context
}

func (t ChangeToken) Done() <-chan struct{} { return t.ctx.Done() }

func (t ChangeToken) HasChanged() bool { return t.ctx.Err() != nil }

// Snapshot is an immutable configuration generation. Callers must not modify
// its slices.
type Snapshot struct {
	Routes     []RouteConfig   `json:"routes"`
	Clusters   []ClusterConfig `json:"clusters"`
	Generation uint64          `json:"generation"`
	BuiltAt    time.Time       `json:"builtAt"`

	token  ChangeToken
	cancel context.CancelFunc
}

func (s *Snapshot) ChangeToken() ChangeToken { return s.token }

func newSnapshot(routes []RouteConfig, clusters []ClusterConfig, at time.Time) *Snapshot {
	if routes == nil {
		routes = []RouteConfig{}
	}
	if clusters == nil {
		clusters = []ClusterConfig{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Snapshot{
		Routes:   routes,
		Clusters: clusters,
		BuiltAt:  at,
		token:    ChangeToken{ctx: ctx},
		cancel:   cancel,
	}
}

type reloadCall struct {
	done chan struct{}
	err  error
}

type Provider struct {
	store       store.Reader
	log         zerolog.Logger
	metrics     *metrics.Collector
	now         func() time.Time
	loadTimeout time.Duration

	current atomic.Pointer[Snapshot]
	tickets atomic.Uint64

	mu      sync.Mutex
	running bool
	pending *reloadCall
}

func New(r store.Reader, m *metrics.Collector, log zerolog.Logger) *Provider {
	return &Provider{
		store:       r,
		log:         log.With().Str("component", "provider").Logger(),
		metrics:     m,
		now:         time.Now,
		loadTimeout: defaultLoadTimeout,
	}
}

// GetConfig returns the current snapshot. The first call blocks until the
// initial load has finished. The result is never nil.
func (p *Provider) GetConfig() *Snapshot {
	if s := p.current.Load(); s != nil {
		return s
	}
	_ = p.Reload(context.Background())
	return p.current.Load()
}

// Reload rebuilds the snapshot from the store. Concurrent callers share
// builds: a caller joins the next build to start, never one already running,
// so the snapshot it waits for reflects every write made before the call.
// A store failure installs an empty snapshot and is returned.
func (p *Provider) Reload(ctx context.Context) error {
	p.mu.Lock()
	if p.pending == nil {
		p.pending = &reloadCall{done: make(chan struct{})}
	}
	call := p.pending
	if !p.running {
		p.running = true
		go p.runReloads()
	}
	p.mu.Unlock()

	select {
	case <-call.done:
		return call.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Provider) runReloads() {
	for {
		p.mu.Lock()
		call := p.pending
		if call == nil {
			p.running = false
			p.mu.Unlock()
			return
		}
		p.pending = nil
		p.mu.Unlock()

		call.err = p.reloadOnce()
		close(call.done)
	}
}

func (p *Provider) reloadOnce() error {
	ctx, cancel := context.WithTimeout(context.Background(), p.loadTimeout)
	defer cancel()

	start := time.Now()
	ticket := p.tickets.Add(1)
	snap, err := p.Prepare(ctx, p.store)
	if err != nil {
		p.log.Error().Err(err).Msg("reload failed, installing empty configuration")
		snap = newSnapshot(nil, nil, p.now())
	}
	snap.Generation = ticket
	installed := p.install(snap)
	p.metrics.RecordReload(err == nil, time.Since(start))
	if installed {
		p.log.Info().
			Uint64("generation", snap.Generation).
			Int("routes", len(snap.Routes)).
			Int("clusters", len(snap.Clusters)).
			Msg("configuration reloaded")
	}
	return err
}

// Prepare builds a candidate snapshot from r without installing it. The
// orchestrator passes its transaction so the candidate reflects uncommitted
// writes.
func (p *Provider) Prepare(ctx context.Context, r store.Reader) (*Snapshot, error) {
	routes, err := r.ListRoutes(ctx)
	if err != nil {
		return nil, fmt.Errorf("load routes: %w", err)
	}
	clusters, err := r.ListClusters(ctx)
	if err != nil {
		return nil, fmt.Errorf("load clusters: %w", err)
	}
	rc := make([]RouteConfig, 0, len(routes))
	for _, route := range routes {
		rc = append(rc, ConvertRoute(route))
	}
	cc := make([]ClusterConfig, 0, len(clusters))
	for _, c := range clusters {
		cc = append(cc, ConvertCluster(c))
	}
	return newSnapshot(rc, cc, p.now()), nil
}

// Install publishes a prepared snapshot. Its generation is taken now, so a
// reload that read the store earlier cannot replace it afterwards.
func (p *Provider) Install(s *Snapshot) bool {
	s.Generation = p.tickets.Add(1)
	ok := p.install(s)
	if ok {
		p.log.Info().
			Uint64("generation", s.Generation).
			Int("routes", len(s.Routes)).
			Int("clusters", len(s.Clusters)).
			Msg("configuration installed")
	}
	return ok
}

// install swaps s in when it is newer than the current snapshot, then fires
// the previous snapshot's change token.
func (p *Provider) install(s *Snapshot) bool {
	for {
		old := p.current.Load()
		if old != nil && old.Generation >= s.Generation {
			s.cancel()
			return false
		}
		if p.current.CompareAndSwap(old, s) {
			if old != nil {
				old.cancel()
			}
			p.metrics.SetSnapshot(s.Generation, len(s.Routes), len(s.Clusters))
			return true
		}
	}
}

// Watch calls fn with the current snapshot and again with every newer one
// until ctx is done.
func (p *Provider) Watch(ctx context.Context, fn func(*Snapshot)) {
	for {
		s := p.GetConfig()
		fn(s)
		select {
		case <-ctx.Done():
			return
		case <-s.ChangeToken().Done():
		}
	}
}
