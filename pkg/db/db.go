package db

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Connect opens a pgx pool with sane defaults and waits until the server
// answers a ping, retrying with exponential backoff for up to maxWait.
func Connect(ctx context.Context, url string, maxWait time.Duration, log zerolog.Logger) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse db url: %w", err)
	}
	cfg.MinConns = 0
	cfg.MaxConns = 10
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.MaxConnLifetime = 60 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = maxWait
	attempt := 0
	err = backoff.Retry(func() error {
		attempt++
		if err := pool.Ping(ctx); err != nil {
			log.Warn().Err(err).Int("attempt", attempt).Msg("db not ready")
			return err
		}
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("db not ready after %d attempt(s): %w", attempt, err)
	}
	return pool, nil
}
