package validate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"proxyplane/internal/document"
	"proxyplane/internal/metrics"
)

type HealthOptions struct {
	// Timeout bounds the whole batch, retries included.
	Timeout        time.Duration
	MaxConcurrency int
	// RetryCount is the number of attempts per destination.
	RetryCount         int
	RetryDelay         time.Duration
	AllowedStatusCodes []int
	// FailuresAsErrors reports unhealthy destinations as errors instead of
	// warnings.
	FailuresAsErrors bool
	UserAgent        string
}

func DefaultHealthOptions() HealthOptions {
	return HealthOptions{
		Timeout:            30 * time.Second,
		MaxConcurrency:     10,
		RetryCount:         3,
		RetryDelay:         time.Second,
		AllowedStatusCodes: []int{http.StatusOK, http.StatusNoContent},
		UserAgent:          "proxyplane-health-validator/1.0",
	}
}

func (o HealthOptions) normalize() HealthOptions {
	def := DefaultHealthOptions()
	if o.Timeout <= 0 {
		o.Timeout = def.Timeout
	}
	if o.MaxConcurrency <= 0 {
		o.MaxConcurrency = def.MaxConcurrency
	}
	if o.RetryCount <= 0 {
		o.RetryCount = 1
	}
	if o.RetryDelay < 0 {
		o.RetryDelay = 0
	}
	if len(o.AllowedStatusCodes) == 0 {
		o.AllowedStatusCodes = def.AllowedStatusCodes
	}
	if o.UserAgent == "" {
		o.UserAgent = def.UserAgent
	}
	return o
}

type HealthValidator struct {
	opts    HealthOptions
	client  *http.Client
	log     zerolog.Logger
	metrics *metrics.Collector
}

func NewHealthValidator(opts HealthOptions, client *http.Client, m *metrics.Collector, log zerolog.Logger) *HealthValidator {
	if client == nil {
		client = &http.Client{}
	}
	return &HealthValidator{
		opts:    opts.normalize(),
		client:  client,
		log:     log.With().Str("component", "health").Logger(),
		metrics: m,
	}
}

// ProbeResult is the outcome of probing one destination.
type ProbeResult struct {
	Name     string
	Address  string
	Healthy  bool
	Attempts int
	Err      error
}

// Probe checks every destination concurrently under one shared deadline and
// returns one result per destination, in input order.
func (h *HealthValidator) Probe(ctx context.Context, dests []document.Destination) []ProbeResult {
	out := make([]ProbeResult, len(dests))
	if len(dests) == 0 {
		return out
	}
	ctx, cancel := context.WithTimeout(ctx, h.opts.Timeout)
	defer cancel()

	sem := semaphore.NewWeighted(int64(h.opts.MaxConcurrency))
	var wg sync.WaitGroup
	for i, d := range dests {
		out[i] = ProbeResult{Name: d.Name, Address: d.Address}
		if err := sem.Acquire(ctx, 1); err != nil {
			for j := i; j < len(dests); j++ {
				out[j] = ProbeResult{Name: dests[j].Name, Address: dests[j].Address, Err: fmt.Errorf("not probed: %w", err)}
			}
			break
		}
		wg.Add(1)
		go func(i int, d document.Destination) {
			defer wg.Done()
			defer sem.Release(1)
			h.probe(ctx, &out[i])
		}(i, d)
	}
	wg.Wait()

	for _, r := range out {
		h.metrics.RecordProbe(r.Healthy)
	}
	return out
}

// ValidateDestinationHealth probes dests and yields one message per
// unhealthy destination.
func (h *HealthValidator) ValidateDestinationHealth(ctx context.Context, dests []document.Destination) Result {
	res := newResult()
	for _, r := range h.Probe(ctx, dests) {
		if r.Healthy {
			continue
		}
		msg := fmt.Sprintf("destination %q (%s) failed health check after %d attempt(s): %v", r.Name, r.Address, r.Attempts, r.Err)
		h.log.Warn().Str("destination", r.Name).Int("attempts", r.Attempts).Err(r.Err).Msg("destination unhealthy")
		if h.opts.FailuresAsErrors {
			res.errorf("%s", msg)
		} else {
			res.warnf("%s", msg)
		}
	}
	return res
}

func (h *HealthValidator) probe(ctx context.Context, r *ProbeResult) {
	var lastErr error
	op := func() error {
		r.Attempts++
		lastErr = h.probeOnce(ctx, r.Address)
		return lastErr
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(h.opts.RetryDelay), uint64(h.opts.RetryCount-1)),
		ctx,
	)
	if err := backoff.Retry(op, policy); err != nil {
		if lastErr == nil {
			lastErr = err
		}
		r.Err = lastErr
		return
	}
	r.Healthy = true
}

func (h *HealthValidator) probeOnce(ctx context.Context, address string) error {
	url := strings.TrimRight(address, "/") + "/health"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("User-Agent", h.opts.UserAgent)
	resp, err := h.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return backoff.Permanent(fmt.Errorf("deadline exceeded: %w", err))
		}
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	for _, code := range h.opts.AllowedStatusCodes {
		if resp.StatusCode == code {
			return nil
		}
	}
	return fmt.Errorf("unexpected status %d", resp.StatusCode)
}
