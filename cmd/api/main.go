package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"proxyplane/internal/api"
	"proxyplane/internal/auth"
	"proxyplane/internal/backup"
	"proxyplane/internal/caddy"
	"proxyplane/internal/config"
	"proxyplane/internal/document"
	"proxyplane/internal/gateway"
	"proxyplane/internal/healthmon"
	"proxyplane/internal/metrics"
	"proxyplane/internal/provider"
	"proxyplane/internal/store"
	"proxyplane/internal/store/memstore"
	"proxyplane/internal/store/sqlstore"
	"proxyplane/internal/validate"
	"proxyplane/internal/watch"
	"proxyplane/pkg/db"
	"proxyplane/pkg/logger"
)

const (
	scyllaRetries    = 20
	scyllaRetryDelay = 5 * time.Second
	dbReadyTimeout   = 2 * time.Minute
	shutdownTimeout  = 15 * time.Second
)

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}
	log := logger.New(cfg.LogLevel, cfg.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("proxyplane stopped")
	}
}

func run(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	storage, err := openBackupStorage(ctx, cfg.Backup, log)
	if err != nil {
		return err
	}
	defer storage.Close()

	p := provider.New(st, m, log)
	backups := backup.NewService(st, storage, backup.Options{
		MaxCount: cfg.Backup.MaxCount,
		MaxAge:   cfg.Backup.MaxAge,
	}, m, log)
	health := validate.NewHealthValidator(validate.HealthOptions{
		Timeout:            cfg.Health.Timeout,
		MaxConcurrency:     cfg.Health.MaxConcurrency,
		RetryCount:         cfg.Health.RetryCount,
		RetryDelay:         cfg.Health.RetryDelay,
		AllowedStatusCodes: cfg.Health.StatusCodes,
		FailuresAsErrors:   cfg.Health.FailuresAsErrors,
		UserAgent:          cfg.Health.UserAgent,
	}, nil, m, log)
	gw := gateway.NewService(gateway.Deps{
		Store:    st,
		Provider: p,
		Backups:  backups,
		Health:   health,
		Metrics:  m,
		Log:      log,
	})

	if err := p.Reload(ctx); err != nil {
		log.Warn().Err(err).Msg("initial proxy configuration load failed")
	}

	scheduler := backup.NewScheduler(backups, cfg.Backup.CleanupSchedule, log)
	if err := scheduler.Start(ctx); err != nil {
		return err
	}
	defer scheduler.Stop()

	if cfg.WatchFile != "" {
		w, err := watch.New(cfg.WatchFile, applyDocument(gw, cfg.UpdateTimeout), m, log)
		if err != nil {
			return err
		}
		if err := w.Load(ctx); err != nil {
			log.Warn().Err(err).Msg("initial document not applied")
		}
		go func() {
			if err := w.Run(ctx); err != nil {
				log.Error().Err(err).Msg("document watcher stopped")
			}
		}()
	}

	if cfg.Health.MonitorInterval > 0 {
		go healthmon.New(st, health, p, cfg.Health.MonitorInterval, log).Run(ctx)
	}
	if cfg.CaddyFile != "" || cfg.CaddyAdminURL != "" {
		syncer := caddy.NewSyncer(caddy.Options{File: cfg.CaddyFile, AdminURL: cfg.CaddyAdminURL}, nil, log)
		go syncer.Run(ctx, p)
	}

	srv := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: api.New(api.Deps{
			Gateway:       gw,
			Backups:       backups,
			Auth:          auth.NewService(cfg.AppSecret, cfg.APITokenHash),
			Metrics:       m,
			UpdateTimeout: cfg.UpdateTimeout,
			Log:           log,
		}).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Str("store", cfg.StoreDriver).Str("backup", cfg.Backup.Driver).Msg("api listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Info().Msg("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(sctx)
}

// applyDocument turns a watched file into a full configuration update.
func applyDocument(gw *gateway.Service, timeout time.Duration) watch.ApplyFunc {
	return func(ctx context.Context, doc document.Document) error {
		opts := gateway.DefaultOptions()
		opts.Timeout = timeout
		res, err := gw.UpdateConfiguration(ctx, doc, opts)
		if err != nil {
			return err
		}
		if !res.Success {
			return fmt.Errorf("update rejected at %s: %v", res.Step, res.Errors)
		}
		return nil
	}
}

func openStore(ctx context.Context, cfg config.Config, log zerolog.Logger) (store.Store, error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := db.Connect(ctx, cfg.DBURL, dbReadyTimeout, log)
		if err != nil {
			return nil, err
		}
		st, err := sqlstore.NewPostgres(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, err
		}
		return st, nil
	case config.DriverSQLite:
		st, err := sqlstore.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		log.Warn().Msg("using in-memory store, configuration is lost on restart")
		return memstore.New(), nil
	}
}

func openBackupStorage(ctx context.Context, cfg config.BackupConfig, log zerolog.Logger) (backup.Storage, error) {
	if cfg.Driver == config.BackupBlob {
		b, err := backup.OpenBlobStore(ctx, cfg.URL)
		if err != nil {
			return nil, err
		}
		return b, nil
	}
	scfg := backup.ScyllaConfig{
		Hosts:             cfg.ScyllaHosts,
		Port:              cfg.ScyllaPort,
		Keyspace:          cfg.ScyllaKeyspace,
		Consistency:       cfg.ScyllaConsistency,
		ReplicationFactor: cfg.ScyllaRF,
		Timeout:           5 * time.Second,
	}
	for i := 0; i < scyllaRetries; i++ {
		s, err := backup.OpenScylla(scfg)
		if err == nil {
			return s, nil
		}
		log.Warn().Err(err).Msgf("scylla connect retry %d/%d", i+1, scyllaRetries)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(scyllaRetryDelay):
		}
	}
	return nil, fmt.Errorf("scylla not ready after %d retries", scyllaRetries)
}
