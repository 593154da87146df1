package pool

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/debench/debench/core/infra/locks"
)

const poolTable = "debench_pool"

// SQLStore keeps entries in a relational table next to the lock table.
// Claim is one UPDATE guarded by state, so two callers never get the same row.
type SQLStore struct {
	db      *sql.DB
	dialect locks.Dialect
}

// NewSQLStore creates the pool table on db if needed. The store does not own db.
func NewSQLStore(ctx context.Context, db *sql.DB, dialect locks.Dialect) (*SQLStore, error) {
	if db == nil {
		return nil, errNilStore
	}
	s := &SQLStore{db: db, dialect: dialect}
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+poolTable+` (
		name          TEXT    PRIMARY KEY,
		deployment_id TEXT    NOT NULL,
		state         TEXT    NOT NULL,
		allocated_to  TEXT    NOT NULL DEFAULT '',
		pid           INTEGER NOT NULL DEFAULT 0,
		updated_at    BIGINT  NOT NULL
	)`)
	if err != nil {
		return nil, fmt.Errorf("create %s table: %w", poolTable, err)
	}
	return s, nil
}

func (s *SQLStore) q(query string) string { return locks.Rebind(s.dialect, query) }

func (s *SQLStore) Seed(ctx context.Context, entries []Entry) (int, error) {
	if s == nil || s.db == nil {
		return 0, errNilStore
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()
	added := 0
	for _, e := range entries {
		if e.Name == "" {
			continue
		}
		res, err := tx.ExecContext(ctx, s.q(`INSERT INTO `+poolTable+` (name, deployment_id, state, allocated_to, pid, updated_at)
			VALUES (?, ?, ?, ?, ?, ?) ON CONFLICT (name) DO NOTHING`),
			e.Name, e.ID, string(e.State), e.AllocatedTo, e.PID, e.UpdatedAt.UnixMilli())
		if err != nil {
			return 0, fmt.Errorf("seed entry %s: %w", e.Name, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			added++
		}
	}
	return added, tx.Commit()
}

func (s *SQLStore) Claim(ctx context.Context, requestedBy string, pid int, now time.Time) (*Entry, error) {
	if s == nil || s.db == nil {
		return nil, errNilStore
	}
	pick := `SELECT name FROM ` + poolTable + ` WHERE state = ? ORDER BY name LIMIT 1`
	if s.dialect == locks.DialectPostgres {
		pick += ` FOR UPDATE SKIP LOCKED`
	}
	query := s.q(`UPDATE ` + poolTable + `
		SET state = ?, allocated_to = ?, pid = ?, updated_at = ?
		WHERE name = (` + pick + `) AND state = ?
		RETURNING name, deployment_id, state, allocated_to, pid, updated_at`)
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		row := s.db.QueryRowContext(ctx, query,
			string(StateAllocated), requestedBy, pid, now.UnixMilli(),
			string(StateHibernating), string(StateHibernating))
		e, err := scanEntry(row)
		if err == nil {
			return e, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("claim entry: %w", err)
		}
		// A concurrent claim may have taken the row we picked; only report
		// exhaustion when nothing is free.
		var free int
		if err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM `+poolTable+` WHERE state = ?`), string(StateHibernating)).Scan(&free); err != nil {
			return nil, fmt.Errorf("count free entries: %w", err)
		}
		if free == 0 {
			return nil, nil
		}
	}
	return nil, fmt.Errorf("claim entry: %w", errContention)
}

func (s *SQLStore) Register(ctx context.Context, e Entry) error {
	if s == nil || s.db == nil {
		return errNilStore
	}
	if e.Name == "" {
		return errors.New("entry name required")
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO `+poolTable+` (name, deployment_id, state, allocated_to, pid, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			deployment_id = excluded.deployment_id,
			state = excluded.state,
			allocated_to = excluded.allocated_to,
			pid = excluded.pid,
			updated_at = excluded.updated_at`),
		e.Name, e.ID, string(e.State), e.AllocatedTo, e.PID, e.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("register entry %s: %w", e.Name, err)
	}
	return nil
}

func (s *SQLStore) Return(ctx context.Context, name string, pid int, newID string, now time.Time) (bool, error) {
	if s == nil || s.db == nil {
		return false, errNilStore
	}
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE `+poolTable+`
		SET state = ?, allocated_to = '', pid = 0, updated_at = ?,
			deployment_id = CASE WHEN ? = '' THEN deployment_id ELSE ? END
		WHERE name = ? AND state = ? AND (? = 0 OR pid = ?)`),
		string(StateHibernating), now.UnixMilli(), newID, newID, name, string(StateAllocated), pid, pid)
	if err != nil {
		return false, fmt.Errorf("return entry %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}
	var count int
	if err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM `+poolTable+` WHERE name = ?`), name).Scan(&count); err != nil {
		return false, fmt.Errorf("return entry %s: %w", name, err)
	}
	if count == 0 {
		return false, ErrUnknownDeployment
	}
	return false, nil
}

func (s *SQLStore) List(ctx context.Context) ([]Entry, error) {
	if s == nil || s.db == nil {
		return nil, errNilStore
	}
	rows, err := s.db.QueryContext(ctx, `SELECT name, deployment_id, state, allocated_to, pid, updated_at FROM `+poolTable+` ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (s *SQLStore) Remove(ctx context.Context, name string) (bool, error) {
	if s == nil || s.db == nil {
		return false, errNilStore
	}
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM `+poolTable+` WHERE name = ?`), name)
	if err != nil {
		return false, fmt.Errorf("remove entry %s: %w", name, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(r rowScanner) (*Entry, error) {
	var (
		e       Entry
		state   string
		updated int64
	)
	if err := r.Scan(&e.Name, &e.ID, &state, &e.AllocatedTo, &e.PID, &updated); err != nil {
		return nil, err
	}
	e.State = State(state)
	e.UpdatedAt = time.UnixMilli(updated).UTC()
	return &e, nil
}
