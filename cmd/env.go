package main

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"github.com/shopspring/decimal"

	"github.com/tariffdesk/rates-cli/internal/config"
	"github.com/tariffdesk/rates-cli/internal/db"
	"github.com/tariffdesk/rates-cli/internal/fetcher"
	"github.com/tariffdesk/rates-cli/internal/idempotency"
	"github.com/tariffdesk/rates-cli/internal/reconcile"
	"github.com/tariffdesk/rates-cli/internal/trust"
)

func connectPool(ctx context.Context) (*pgxpool.Pool, error) {
	if cfg.Store.DatabaseURL == "" {
		return nil, eris.New("database URL is required (RATES_STORE_DATABASE_URL)")
	}
	return db.Connect(ctx, cfg.Store.DatabaseURL, &cfg.Store.Pool)
}

func newDispatcher() *fetcher.Dispatcher {
	return fetcher.NewDispatcher(fetcher.HTTPOptions{
		UserAgent:  cfg.Fetch.UserAgent,
		Timeout:    time.Duration(cfg.Fetch.TimeoutSecs) * time.Second,
		MaxRetries: cfg.Fetch.Retries,
		RatePerSec: cfg.Fetch.RatePerSec,
	}, fetcher.FTPOptions{
		Timeout: time.Duration(cfg.Fetch.TimeoutSecs) * time.Second,
	})
}

// idemStore selects the guard backend. The postgres backend shares the
// rate database pool; sqlite runs standalone for single-node deploys.
func idemStore(pool db.Pool) (idempotency.Store, func(), error) {
	switch cfg.Idempotency.Backend {
	case "postgres", "":
		return idempotency.NewPostgresStore(pool), func() {}, nil
	case "sqlite":
		s, err := idempotency.OpenSQLite(cfg.Idempotency.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		return nil, nil, eris.Errorf("unsupported idempotency backend: %s", cfg.Idempotency.Backend)
	}
}

// reconcileOptions parses the configured tolerances and official-domain
// list into reconciliation options.
func reconcileOptions(rc config.ReconcileConfig) (reconcile.Options, error) {
	var opts reconcile.Options
	var err error

	if rc.AbsTolerance != "" {
		opts.AbsTolerance, err = decimal.NewFromString(rc.AbsTolerance)
		if err != nil {
			return opts, eris.Errorf("bad abs_tolerance %q", rc.AbsTolerance)
		}
	}
	if rc.RelTolerance != "" {
		opts.RelTolerance, err = decimal.NewFromString(rc.RelTolerance)
		if err != nil {
			return opts, eris.Errorf("bad rel_tolerance %q", rc.RelTolerance)
		}
	}
	opts.Classifier = trust.New(rc.OfficialDomains)
	return opts, nil
}
