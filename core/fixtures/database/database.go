// Package database provides a throwaway-database fixture for PostgreSQL,
// MySQL and SQLite. Setup creates a uniquely named database; teardown drops it.
package database

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/debench/debench/core/fixtures"
	"github.com/debench/debench/core/infra/logging"
	"github.com/google/uuid"
)

const defaultPrefix = "debench_"

// Fixture provisions one database per test on the server behind admin.
type Fixture struct {
	admin Admin

	mu   sync.Mutex
	data fixtures.ResourceData
}

// New builds a database fixture over admin. The fixture does not own admin.
func New(admin Admin) *Fixture {
	return &Fixture{admin: admin}
}

func (f *Fixture) ResourceType() string { return f.admin.Dialect() }

func (f *Fixture) DefaultConfig() fixtures.Config {
	return fixtures.Config{"database_prefix": defaultPrefix}
}

// SetupResource creates the database and runs any init_sql statements in it.
// When init fails the returned data still names the created database.
func (f *Fixture) SetupResource(ctx context.Context, cfg fixtures.Config) (fixtures.ResourceData, error) {
	prefix := strings.ToLower(cfg.String("database_prefix", defaultPrefix))
	name := prefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	if err := f.admin.CreateDatabase(ctx, name); err != nil {
		return nil, fmt.Errorf("create database %s: %w", name, err)
	}
	data := fixtures.ResourceData{
		"database": name,
		"dsn":      f.admin.DSN(name),
		"dialect":  f.admin.Dialect(),
	}
	f.mu.Lock()
	f.data = data
	f.mu.Unlock()
	if err := f.admin.Exec(ctx, name, cfg.Strings("init_sql")); err != nil {
		return data, fmt.Errorf("init database %s: %w", name, err)
	}
	logging.Debug("database", "database created", "dialect", f.admin.Dialect(), "database", name)
	return data, nil
}

// TeardownResource drops the database. Missing data or an already dropped
// database is not an error.
func (f *Fixture) TeardownResource(ctx context.Context, data fixtures.ResourceData) error {
	name := data.String("database")
	if name == "" {
		return nil
	}
	if err := f.admin.DropDatabase(ctx, name); err != nil {
		return fmt.Errorf("drop database %s: %w", name, err)
	}
	return nil
}

func (f *Fixture) ConfigSection() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.data == nil {
		return nil
	}
	return map[string]any{
		f.admin.Dialect(): map[string]any{
			"dsn":      f.data.String("dsn"),
			"database": f.data.String("database"),
		},
	}
}
