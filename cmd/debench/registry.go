package main

import (
	"context"
	"fmt"

	"github.com/debench/debench/core/fixtures"
	"github.com/debench/debench/core/fixtures/airflow"
	"github.com/debench/debench/core/fixtures/database"
	"github.com/debench/debench/core/fixtures/vcs"
	"github.com/debench/debench/core/infra/config"
	"github.com/debench/debench/core/pool"
	"github.com/debench/debench/core/provider"
)

// harnessTypes lists the fixture types a harness file uses.
func harnessTypes(h *config.Harness) map[string]bool {
	out := map[string]bool{}
	for _, tc := range h.Tests {
		for _, fs := range tc.Fixtures {
			out[fs.Type] = true
		}
	}
	return out
}

// buildRegistry registers a factory for every type in needed, opening the
// database admin connections those types require.
func buildRegistry(ctx context.Context, a *app, needed map[string]bool) (*fixtures.Registry, error) {
	reg := fixtures.NewRegistry()
	if needed[airflow.ResourceType] {
		cli := provider.New(provider.ExecRunner{}, a.cfg.Provider, provider.WithStateDir(a.cfg.StateDir))
		a.provider = cli
		prefix := a.cfg.DeploymentPrefix
		reg.Register(airflow.ResourceType, func() fixtures.Fixture {
			return airflow.New(cli, a.pool, airflow.WithPrefix(prefix))
		})
	}
	if needed[vcs.ResourceType] {
		reg.Register(vcs.ResourceType, func() fixtures.Fixture { return vcs.New() })
	}
	for _, dialect := range []string{database.DialectPostgres, database.DialectMySQL, database.DialectSQLite} {
		if !needed[dialect] {
			continue
		}
		admin, err := openAdmin(ctx, a.cfg.Databases, dialect)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, admin.Close)
		reg.Register(dialect, func() fixtures.Fixture { return database.New(admin) })
	}
	return reg, nil
}

// hibernateLapsed is the sweeper's reclaim step: a deployment left awake by a
// crashed or failed worker is hibernated before it goes back to the pool.
func hibernateLapsed(cli *provider.CLI) pool.ReclaimFunc {
	return func(ctx context.Context, e pool.Entry) error {
		if e.ID == "" {
			return nil
		}
		d, err := cli.Inspect(ctx, e.ID)
		if provider.IsNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		if d.Hibernating() {
			return nil
		}
		return cli.Hibernate(ctx, e.ID)
	}
}

func openAdmin(ctx context.Context, cfg config.DatabaseConfig, dialect string) (database.Admin, error) {
	switch dialect {
	case database.DialectPostgres:
		if cfg.PostgresURL == "" {
			return nil, fmt.Errorf("postgres fixture requires DEBENCH_POSTGRES_URL")
		}
		return database.NewPostgresAdmin(ctx, cfg.PostgresURL)
	case database.DialectMySQL:
		if cfg.MySQLDSN == "" {
			return nil, fmt.Errorf("mysql fixture requires DEBENCH_MYSQL_DSN")
		}
		return database.NewMySQLAdmin(ctx, cfg.MySQLDSN)
	case database.DialectSQLite:
		return database.NewSQLiteAdmin(cfg.SQLiteDir)
	default:
		return nil, fmt.Errorf("unknown database dialect %q", dialect)
	}
}
