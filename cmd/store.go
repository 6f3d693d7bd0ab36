package main

import (
	"context"
	"time"

	"github.com/facebookgo/clock"
	"github.com/rotisserie/eris"

	"github.com/sells-group/jobly/internal/prefill"
	"github.com/sells-group/jobly/internal/resilience"
	"github.com/sells-group/jobly/internal/store"
)

func initStore(ctx context.Context) (store.Store, error) {
	if err := cfg.Validate("store"); err != nil {
		return nil, err
	}
	switch cfg.Store.Driver {
	case "sqlite":
		return store.NewSQLite(cfg.Store.DatabaseURL)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// openService opens and migrates the store and builds the intent service on
// top of it. The caller closes the store.
func openService(ctx context.Context) (*prefill.Service, store.Store, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	if err := waitForStore(ctx, st, storeRetryConfig()); err != nil {
		_ = st.Close()
		return nil, nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, nil, err
	}
	return prefill.NewService(st, clock.New(), policyFromConfig()), st, nil
}

func storeRetryConfig() resilience.RetryConfig {
	rc := resilience.DefaultRetryConfig()
	rc.MaxAttempts = 5
	rc.InitialBackoff = time.Second
	rc.MaxBackoff = 10 * time.Second
	return rc
}

// waitForStore pings st until it answers, retrying transient failures.
func waitForStore(ctx context.Context, st store.Store, rc resilience.RetryConfig) error {
	rc.OnRetry = resilience.RetryLogger("store", "ping")
	err := resilience.Do(ctx, rc, st.Ping)
	return eris.Wrap(err, "store: not reachable")
}

func policyFromConfig() prefill.Policy {
	p := prefill.DefaultPolicy()
	p.RequireStopBeforeSubmit = cfg.Prefill.RequireStopBeforeSubmit
	p.FetchedGrace = cfg.Prefill.FetchedGrace()
	return p
}
