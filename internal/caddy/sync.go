package caddy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"proxyplane/internal/provider"
)

type Options struct {
	// File is where the rendered Caddyfile is written. Empty skips the write.
	File string
	// AdminURL is Caddy's admin endpoint, e.g. http://localhost:2019. Empty
	// skips the live reload.
	AdminURL string
}

// Syncer keeps a Caddy instance in step with the provider's snapshots.
type Syncer struct {
	opts   Options
	client *http.Client
	log    zerolog.Logger

	mu   sync.Mutex
	last string
}

func NewSyncer(opts Options, client *http.Client, log zerolog.Logger) *Syncer {
	if client == nil {
		client = http.DefaultClient
	}
	return &Syncer{opts: opts, client: client, log: log.With().Str("component", "caddy").Logger()}
}

// Run applies every snapshot the provider publishes until ctx is done.
func (s *Syncer) Run(ctx context.Context, p *provider.Provider) {
	p.Watch(ctx, func(snap *provider.Snapshot) {
		if err := s.Apply(ctx, snap); err != nil {
			s.log.Error().Err(err).Uint64("generation", snap.Generation).Msg("caddy sync failed")
		}
	})
}

// Apply renders snap and pushes it. An unchanged rendering is skipped.
func (s *Syncer) Apply(ctx context.Context, snap *provider.Snapshot) error {
	body := Render(snap)

	s.mu.Lock()
	defer s.mu.Unlock()
	if body == s.last {
		return nil
	}
	if s.opts.File != "" {
		if err := writeFile(s.opts.File, body); err != nil {
			return fmt.Errorf("write caddyfile: %w", err)
		}
	}
	if s.opts.AdminURL != "" {
		if err := s.reload(ctx, body); err != nil {
			return fmt.Errorf("reload caddy: %w", err)
		}
	}
	s.last = body
	s.log.Info().Uint64("generation", snap.Generation).Int("routes", len(snap.Routes)).Msg("caddy config applied")
	return nil
}

// writeFile replaces path through a rename so readers never see a partial
// file.
func writeFile(path, body string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".caddyfile-*")
	if err != nil {
		return err
	}
	if _, err := tmp.WriteString(body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (s *Syncer) reload(ctx context.Context, body string) error {
	endpoint := strings.TrimRight(s.opts.AdminURL, "/") + "/load"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBufferString(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "text/caddyfile")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		out, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("reload status %d: %s", resp.StatusCode, strings.TrimSpace(string(out)))
	}
	return nil
}
