package backup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Scheduler runs CleanupOldBackups on a cron schedule.
type Scheduler struct {
	svc      *Service
	schedule string
	cron     *cron.Cron
	log      zerolog.Logger

	mu      sync.Mutex
	running bool
}

func NewScheduler(svc *Service, schedule string, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		svc:      svc,
		schedule: schedule,
		cron:     cron.New(),
		log:      log.With().Str("component", "backup.scheduler").Logger(),
	}
}

// Start registers the cleanup job and starts the cron loop. An empty
// schedule leaves the scheduler idle. The loop stops when ctx is done.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.schedule == "" {
		s.log.Info().Msg("cleanup schedule not configured")
		return nil
	}
	if _, err := cron.ParseStandard(s.schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", s.schedule, err)
	}
	if _, err := s.cron.AddFunc(s.schedule, func() { s.runCleanup(ctx) }); err != nil {
		return fmt.Errorf("schedule cleanup: %w", err)
	}
	s.cron.Start()
	s.running = true
	s.log.Info().
		Str("schedule", s.schedule).
		Int("max_count", s.svc.opts.MaxCount).
		Dur("max_age", s.svc.opts.MaxAge).
		Msg("backup cleanup scheduled")

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

func (s *Scheduler) runCleanup(ctx context.Context) {
	deleted, err := s.svc.CleanupOldBackups(ctx)
	if err != nil {
		s.log.Error().Err(err).Int("deleted", deleted).Msg("scheduled cleanup failed")
		return
	}
	s.log.Debug().Int("deleted", deleted).Msg("scheduled cleanup done")
}

// Stop halts the cron loop and waits for a running job.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.log.Info().Msg("backup cleanup stopped")
}

func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun returns the next scheduled cleanup, or nil when idle.
func (s *Scheduler) NextRun() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}
