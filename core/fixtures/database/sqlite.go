package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteAdmin treats each database as a file under one directory.
type SQLiteAdmin struct {
	dir string
}

// NewSQLiteAdmin stores database files under dir, creating it if needed.
func NewSQLiteAdmin(dir string) (*SQLiteAdmin, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", err)
	}
	return &SQLiteAdmin{dir: dir}, nil
}

func (a *SQLiteAdmin) Dialect() string { return DialectSQLite }

func (a *SQLiteAdmin) CreateDatabase(ctx context.Context, name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	path := a.DSN(name)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("database %s already exists", name)
	}
	db, err := a.open(name)
	if err != nil {
		return err
	}
	defer db.Close()
	// The file only materialises on first write.
	if _, err := db.ExecContext(ctx, "PRAGMA user_version = 1"); err != nil {
		return fmt.Errorf("initialise %s: %w", name, err)
	}
	return nil
}

func (a *SQLiteAdmin) DropDatabase(_ context.Context, name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	path := a.DSN(name)
	for _, p := range []string{path, path + "-wal", path + "-shm", path + "-journal"} {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", p, err)
		}
	}
	return nil
}

func (a *SQLiteAdmin) Exec(ctx context.Context, name string, statements []string) error {
	if len(statements) == 0 {
		return nil
	}
	db, err := a.open(name)
	if err != nil {
		return err
	}
	defer db.Close()
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec in %s: %w", name, err)
		}
	}
	return nil
}

func (a *SQLiteAdmin) DSN(name string) string {
	return filepath.Join(a.dir, name+".db")
}

func (a *SQLiteAdmin) Close() error { return nil }

func (a *SQLiteAdmin) open(name string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", a.DSN(name))
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", name, err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}
