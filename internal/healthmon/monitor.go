// Package healthmon probes active destinations on an interval and records
// what it sees on each destination row.
package healthmon

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"proxyplane/internal/document"
	"proxyplane/internal/model"
	"proxyplane/internal/provider"
	"proxyplane/internal/store"
	"proxyplane/internal/validate"
)

type Monitor struct {
	store    store.Store
	probes   *validate.HealthValidator
	provider *provider.Provider
	interval time.Duration
	log      zerolog.Logger
	now      func() time.Time
}

func New(st store.Store, probes *validate.HealthValidator, p *provider.Provider, interval time.Duration, log zerolog.Logger) *Monitor {
	return &Monitor{
		store:    st,
		probes:   probes,
		provider: p,
		interval: interval,
		log:      log.With().Str("component", "healthmon").Logger(),
		now:      time.Now,
	}
}

// Run checks once immediately and then every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		if _, err := m.RunOnce(ctx); err != nil && ctx.Err() == nil {
			m.log.Error().Err(err).Msg("health check round failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce probes every active destination and stores status changes in one
// transaction. It returns how many destinations changed.
func (m *Monitor) RunOnce(ctx context.Context) (int, error) {
	clusters, err := m.store.ListClusters(ctx)
	if err != nil {
		return 0, err
	}
	var dests []model.Destination
	for _, c := range clusters {
		dests = append(dests, c.ActiveDestinations()...)
	}
	if len(dests) == 0 {
		return 0, nil
	}

	targets := make([]document.Destination, len(dests))
	for i, d := range dests {
		targets[i] = document.Destination{Name: d.Name, Address: d.Address}
	}
	results := m.probes.Probe(ctx, targets)

	changed := 0
	now := m.now()
	err = m.store.InTx(ctx, func(tx store.Tx) error {
		for i, d := range dests {
			status := model.HealthUnhealthy
			if results[i].Healthy {
				status = model.HealthHealthy
			}
			if d.Health == status {
				continue
			}
			// re-read inside the transaction; the row may have changed while probing
			cur, err := tx.GetDestination(ctx, d.ID)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if cur.Health == status {
				continue
			}
			cur.Health = status
			cur.Touch(now)
			if err := tx.PutDestination(ctx, cur); err != nil {
				return err
			}
			m.log.Info().Str("destination", cur.ID).Str("address", cur.Address).Str("health", status).Msg("destination health changed")
			changed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if changed > 0 && m.provider != nil {
		if err := m.provider.Reload(ctx); err != nil {
			m.log.Warn().Err(err).Msg("proxy reload after health change failed")
		}
	}
	return changed, nil
}
