package database

import (
	"context"
	"fmt"
	"regexp"
)

// Dialects understood by the fixture; each is also its resource type.
const (
	DialectPostgres = "postgres"
	DialectMySQL    = "mysql"
	DialectSQLite   = "sqlite"
)

// Admin creates and drops databases on one server.
type Admin interface {
	Dialect() string
	CreateDatabase(ctx context.Context, name string) error
	// DropDatabase is idempotent: dropping a missing database succeeds.
	DropDatabase(ctx context.Context, name string) error
	// Exec runs statements inside database name.
	Exec(ctx context.Context, name string, statements []string) error
	// DSN returns a connection string for database name.
	DSN(name string) string
	Close() error
}

var validName = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

func checkName(name string) error {
	if !validName.MatchString(name) {
		return fmt.Errorf("invalid database name %q", name)
	}
	return nil
}
