package database

import (
	"context"
	"fmt"
	"net/url"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresAdmin manages databases through an admin connection pool.
type PostgresAdmin struct {
	pool    *pgxpool.Pool
	baseURL *url.URL
}

// NewPostgresAdmin connects to the server named by adminURL (a postgres:// URL).
func NewPostgresAdmin(ctx context.Context, adminURL string) (*PostgresAdmin, error) {
	u, err := url.Parse(adminURL)
	if err != nil || (u.Scheme != "postgres" && u.Scheme != "postgresql") {
		return nil, fmt.Errorf("postgres admin url must be a postgres:// URL")
	}
	poolCfg, err := pgxpool.ParseConfig(adminURL)
	if err != nil {
		return nil, fmt.Errorf("parse pg config: %w", err)
	}
	poolCfg.MaxConns = 4
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}
	return &PostgresAdmin{pool: pool, baseURL: u}, nil
}

func (a *PostgresAdmin) Dialect() string { return DialectPostgres }

func (a *PostgresAdmin) CreateDatabase(ctx context.Context, name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	_, err := a.pool.Exec(ctx, "CREATE DATABASE "+pgx.Identifier{name}.Sanitize())
	return err
}

func (a *PostgresAdmin) DropDatabase(ctx context.Context, name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	_, err := a.pool.Exec(ctx, "DROP DATABASE IF EXISTS "+pgx.Identifier{name}.Sanitize()+" WITH (FORCE)")
	return err
}

func (a *PostgresAdmin) Exec(ctx context.Context, name string, statements []string) error {
	if len(statements) == 0 {
		return nil
	}
	conn, err := pgx.Connect(ctx, a.DSN(name))
	if err != nil {
		return fmt.Errorf("connect %s: %w", name, err)
	}
	defer conn.Close(context.WithoutCancel(ctx))
	for _, stmt := range statements {
		if _, err := conn.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("exec in %s: %w", name, err)
		}
	}
	return nil
}

func (a *PostgresAdmin) DSN(name string) string {
	u := *a.baseURL
	u.Path = "/" + name
	return u.String()
}

func (a *PostgresAdmin) Close() error {
	a.pool.Close()
	return nil
}
