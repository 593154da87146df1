package locks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Dialect selects the SQL flavour spoken by SQLStore.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"

	lockTable = "debench_locks"
)

// SQLStore is a Backend on a relational table. Acquire is a single upsert
// whose update predicate is "expired OR same holder", so the database's row
// lock on the primary key provides the compare-and-swap.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time
}

// SQLOption customizes a SQLStore.
type SQLOption func(*SQLStore)

// WithSQLClock overrides the clock used for expiry comparisons.
func WithSQLClock(now func() time.Time) SQLOption {
	return func(s *SQLStore) {
		if now != nil {
			s.now = now
		}
	}
}

// OpenSQLStore opens a database for the dialect and ensures the lock table.
func OpenSQLStore(ctx context.Context, dialect Dialect, dsn string, opts ...SQLOption) (*SQLStore, error) {
	driver, err := driverName(dialect)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// One connection serializes writers and keeps :memory: databases shared.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}
	s, err := NewSQLStore(ctx, db, dialect, opts...)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStore wraps an open database and creates the lock table if needed.
func NewSQLStore(ctx context.Context, db *sql.DB, dialect Dialect, opts ...SQLOption) (*SQLStore, error) {
	if db == nil {
		return nil, ErrBackendUnavailable
	}
	if _, err := driverName(dialect); err != nil {
		return nil, err
	}
	s := &SQLStore{db: db, dialect: dialect, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.createTable(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func driverName(dialect Dialect) (string, error) {
	switch dialect {
	case DialectPostgres:
		return "pgx", nil
	case DialectSQLite:
		return "sqlite", nil
	default:
		return "", fmt.Errorf("unsupported lock dialect %q", dialect)
	}
}

func (s *SQLStore) createTable(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + lockTable + ` (
			resource_id TEXT   PRIMARY KEY,
			holder_id   TEXT   NOT NULL,
			expires_at  BIGINT NOT NULL,
			acquired_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_debench_locks_expires ON ` + lockTable + ` (expires_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create %s table: %w", lockTable, err)
		}
	}
	return nil
}

// DB exposes the database so other tables can share the connection.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Dialect reports the SQL flavour.
func (s *SQLStore) Dialect() Dialect { return s.dialect }

// Close closes the underlying database.
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// TryAcquire inserts the row, or takes it over when expired or already ours.
func (s *SQLStore) TryAcquire(ctx context.Context, resourceID, holderID string, expiresAt time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrBackendUnavailable
	}
	resourceID, holderID, err := normalizeIDs(resourceID, holderID)
	if err != nil {
		return false, err
	}
	now := toMillis(s.now())
	res, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO `+lockTable+` (resource_id, holder_id, expires_at, acquired_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (resource_id) DO UPDATE
		SET holder_id = excluded.holder_id,
		    expires_at = excluded.expires_at,
		    acquired_at = excluded.acquired_at
		WHERE `+lockTable+`.expires_at < ? OR `+lockTable+`.holder_id = excluded.holder_id`),
		resourceID, holderID, toMillis(expiresAt), now, now,
	)
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", resourceID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acquire lock %s: %w", resourceID, err)
	}
	return n > 0, nil
}

// Release deletes the row only when holderID owns it.
func (s *SQLStore) Release(ctx context.Context, resourceID, holderID string) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrBackendUnavailable
	}
	resourceID, holderID, err := normalizeIDs(resourceID, holderID)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM `+lockTable+` WHERE resource_id = ? AND holder_id = ?`), resourceID, holderID)
	if err != nil {
		return false, fmt.Errorf("release lock %s: %w", resourceID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("release lock %s: %w", resourceID, err)
	}
	return n > 0, nil
}

// Peek reports whether an unexpired row exists.
func (s *SQLStore) Peek(ctx context.Context, resourceID string) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrBackendUnavailable
	}
	resourceID = strings.TrimSpace(resourceID)
	if resourceID == "" {
		return false, fmt.Errorf("resource id required")
	}
	var count int
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM `+lockTable+` WHERE resource_id = ? AND expires_at >= ?`),
		resourceID, toMillis(s.now()),
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("peek lock %s: %w", resourceID, err)
	}
	return count > 0, nil
}

// Inspect returns the raw row, or nil when none exists.
func (s *SQLStore) Inspect(ctx context.Context, resourceID string) (*Record, error) {
	if s == nil || s.db == nil {
		return nil, ErrBackendUnavailable
	}
	var (
		rec                 Record
		expires, acquiredAt int64
	)
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT resource_id, holder_id, expires_at, acquired_at FROM `+lockTable+` WHERE resource_id = ?`),
		strings.TrimSpace(resourceID),
	).Scan(&rec.ResourceID, &rec.HolderID, &expires, &acquiredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("inspect lock %s: %w", resourceID, err)
	}
	rec.ExpiresAt = fromMillis(expires)
	rec.AcquiredAt = fromMillis(acquiredAt)
	return &rec, nil
}

// CleanupExpired deletes every row whose expiry has passed.
func (s *SQLStore) CleanupExpired(ctx context.Context) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrBackendUnavailable
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM `+lockTable+` WHERE expires_at < ?`), toMillis(s.now()))
	if err != nil {
		return 0, fmt.Errorf("cleanup expired locks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup expired locks: %w", err)
	}
	return int(n), nil
}

func (s *SQLStore) rebind(query string) string {
	return Rebind(s.dialect, query)
}

// Rebind rewrites ? placeholders to $n for PostgreSQL.
func Rebind(dialect Dialect, query string) string {
	if dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$")
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
