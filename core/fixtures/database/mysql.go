package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

// MySQLAdmin manages databases through database/sql and the MySQL driver.
type MySQLAdmin struct {
	db   *sql.DB
	base *mysql.Config
}

// NewMySQLAdmin connects with a driver DSN such as "user:pass@tcp(host:3306)/".
func NewMySQLAdmin(ctx context.Context, dsn string) (*MySQLAdmin, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.MultiStatements = false
	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("mysql connector: %w", err)
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}
	return &MySQLAdmin{db: db, base: cfg}, nil
}

func (a *MySQLAdmin) Dialect() string { return DialectMySQL }

func (a *MySQLAdmin) CreateDatabase(ctx context.Context, name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	_, err := a.db.ExecContext(ctx, "CREATE DATABASE `"+name+"`")
	return err
}

func (a *MySQLAdmin) DropDatabase(ctx context.Context, name string) error {
	if err := checkName(name); err != nil {
		return err
	}
	_, err := a.db.ExecContext(ctx, "DROP DATABASE IF EXISTS `"+name+"`")
	return err
}

func (a *MySQLAdmin) Exec(ctx context.Context, name string, statements []string) error {
	if len(statements) == 0 {
		return nil
	}
	db, err := sql.Open("mysql", a.DSN(name))
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer db.Close()
	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec in %s: %w", name, err)
		}
	}
	return nil
}

func (a *MySQLAdmin) DSN(name string) string {
	cfg := a.base.Clone()
	cfg.DBName = name
	return cfg.FormatDSN()
}

func (a *MySQLAdmin) Close() error {
	return a.db.Close()
}
