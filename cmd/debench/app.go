package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/debench/debench/core/infra/bus"
	"github.com/debench/debench/core/infra/config"
	"github.com/debench/debench/core/infra/locks"
	"github.com/debench/debench/core/infra/logging"
	"github.com/debench/debench/core/infra/metrics"
	"github.com/debench/debench/core/pool"
	"github.com/debench/debench/core/provider"
)

// app holds the shared coordination clients one command needs.
type app struct {
	cfg     *config.Config
	holder  string
	metrics metrics.Metrics
	events  bus.Publisher
	backend locks.Backend
	lock    *locks.Lock
	store   pool.Store
	pool    *pool.Manager

	provider *provider.CLI // set once a fixture needs the deployment CLI
	closers  []func() error
}

func openApp(ctx context.Context, cfg *config.Config, m metrics.Metrics) (*app, error) {
	a := &app{cfg: cfg, metrics: metrics.OrNoop(m), events: bus.Noop{}}
	a.holder = cfg.HolderID
	if a.holder == "" {
		a.holder = locks.NewHolderID()
	}
	logging.SetDefaultFields("holder", a.holder)

	if err := a.openLocks(ctx); err != nil {
		a.close()
		return nil, err
	}
	if err := a.openPool(ctx); err != nil {
		a.close()
		return nil, err
	}
	if cfg.NatsURL != "" {
		nb, err := bus.NewNatsBus(cfg.NatsURL)
		if err != nil {
			logging.Warn("debench", "events disabled: nats unavailable", "url", cfg.NatsURL, "error", err)
		} else {
			a.events = nb
			a.closers = append(a.closers, func() error { nb.Close(); return nil })
		}
	}

	a.lock = locks.New(a.backend, a.holder, locks.WithTTL(cfg.LockTimeout), locks.WithMetrics(a.metrics))
	a.pool = pool.NewManager(a.store, a.lock,
		pool.WithPrefix(cfg.DeploymentPrefix),
		pool.WithInitWait(cfg.PoolInitTimeout),
		pool.WithMetrics(a.metrics),
		pool.WithEvents(a.events),
	)
	a.closers = append(a.closers, func() error { a.pool.Close(); return nil })
	return a, nil
}

func (a *app) openLocks(ctx context.Context) error {
	switch a.cfg.LockBackend {
	case config.BackendRedis:
		s, err := locks.NewRedisStore(a.cfg.LockURL)
		if err != nil {
			return fmt.Errorf("lock backend: %w", err)
		}
		a.backend = s
		a.closers = append(a.closers, s.Close)
	case config.BackendPostgres, config.BackendSQLite:
		s, err := locks.OpenSQLStore(ctx, locks.Dialect(a.cfg.LockBackend), a.cfg.LockURL)
		if err != nil {
			return fmt.Errorf("lock backend: %w", err)
		}
		a.backend = s
		a.closers = append(a.closers, s.Close)
	default:
		return fmt.Errorf("unsupported lock backend %q", a.cfg.LockBackend)
	}
	return nil
}

// openPool prefers a Redis pool at PoolURL and otherwise shares the SQL lock
// database.
func (a *app) openPool(ctx context.Context) error {
	if a.cfg.PoolURL != "" {
		s, err := pool.NewRedisStore(a.cfg.PoolURL, "")
		if err != nil {
			return fmt.Errorf("pool store: %w", err)
		}
		a.store = s
		a.closers = append(a.closers, s.Close)
		return nil
	}
	sqlBackend, ok := a.backend.(*locks.SQLStore)
	if !ok {
		return errors.New("pool store: set DEBENCH_POOL_URL or use a SQL lock backend")
	}
	s, err := pool.NewSQLStore(ctx, sqlBackend.DB(), sqlBackend.Dialect())
	if err != nil {
		return fmt.Errorf("pool store: %w", err)
	}
	a.store = s
	return nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logging.Warn("debench", "close failed", "error", err)
		}
	}
	a.closers = nil
}

// serveMetrics exposes /metrics on addr until ctx is done.
func serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logging.Info("debench", "metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logging.Error("debench", "metrics server error", "error", err)
	}
}
