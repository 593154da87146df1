package locks

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestSQLiteStore(t *testing.T, opts ...SQLOption) *SQLStore {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "locks.db")
	store, err := OpenSQLStore(context.Background(), DialectSQLite, dsn, opts...)
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLStoreAcquireRelease(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()
	exp := time.Now().Add(time.Minute)

	if ok, err := store.TryAcquire(ctx, "res-1", "p1", exp); err != nil || !ok {
		t.Fatalf("expected first acquire, ok=%v err=%v", ok, err)
	}
	if ok, err := store.TryAcquire(ctx, "res-1", "p2", exp); err != nil || ok {
		t.Fatalf("expected contended acquire refused, ok=%v err=%v", ok, err)
	}
	if ok, err := store.TryAcquire(ctx, "res-1", "p1", exp.Add(time.Minute)); err != nil || !ok {
		t.Fatalf("expected holder refresh, ok=%v err=%v", ok, err)
	}
	rec, err := store.Inspect(ctx, "res-1")
	if err != nil || rec == nil {
		t.Fatalf("inspect: rec=%v err=%v", rec, err)
	}
	if rec.HolderID != "p1" || rec.ExpiresAt.Before(exp) {
		t.Fatalf("expected refreshed expiry for p1, got %+v", rec)
	}
	if ok, err := store.Release(ctx, "res-1", "p2"); err != nil || ok {
		t.Fatalf("expected non-holder release refused, ok=%v err=%v", ok, err)
	}
	if ok, err := store.Release(ctx, "res-1", "p1"); err != nil || !ok {
		t.Fatalf("expected release, ok=%v err=%v", ok, err)
	}
	if held, err := store.Peek(ctx, "res-1"); err != nil || held {
		t.Fatalf("expected free after release, held=%v err=%v", held, err)
	}
	if ok, err := store.TryAcquire(ctx, "res-1", "p2", exp); err != nil || !ok {
		t.Fatalf("expected p2 acquire after release, ok=%v err=%v", ok, err)
	}
}

func TestSQLStoreExpiryAndCleanup(t *testing.T) {
	var offset atomic.Int64
	clock := func() time.Time { return time.Now().Add(time.Duration(offset.Load())) }
	store := newTestSQLiteStore(t, WithSQLClock(clock))
	ctx := context.Background()

	if ok, _ := store.TryAcquire(ctx, "short-a", "crashed", clock().Add(time.Second)); !ok {
		t.Fatalf("expected acquire short-a")
	}
	if ok, _ := store.TryAcquire(ctx, "short-b", "crashed", clock().Add(2*time.Second)); !ok {
		t.Fatalf("expected acquire short-b")
	}
	if ok, _ := store.TryAcquire(ctx, "long", "alive", clock().Add(time.Hour)); !ok {
		t.Fatalf("expected acquire long")
	}

	offset.Store(int64(5 * time.Second))

	if ok, err := store.TryAcquire(ctx, "short-a", "new-holder", clock().Add(time.Minute)); err != nil || !ok {
		t.Fatalf("expected takeover of expired lock, ok=%v err=%v", ok, err)
	}
	removed, err := store.CleanupExpired(ctx)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected exactly short-b removed, got %d", removed)
	}
	for _, id := range []string{"short-a", "long"} {
		if held, err := store.Peek(ctx, id); err != nil || !held {
			t.Fatalf("expected %s to remain held, held=%v err=%v", id, held, err)
		}
	}
}

func TestSQLStoreMutualExclusion(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()
	exp := time.Now().Add(time.Minute)

	const holders = 12
	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < holders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			ok, err := store.TryAcquire(ctx, "contended", "holder-"+string(rune('a'+i)), exp)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			if ok {
				wins.Add(1)
			}
		}(i)
	}
	close(start)
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins.Load())
	}
}

func TestSQLStoreRebind(t *testing.T) {
	s := &SQLStore{dialect: DialectPostgres}
	if got := s.rebind("a = ? AND b = ?"); got != "a = $1 AND b = $2" {
		t.Fatalf("unexpected rebind: %s", got)
	}
	s.dialect = DialectSQLite
	if got := s.rebind("a = ?"); got != "a = ?" {
		t.Fatalf("sqlite query should be unchanged: %s", got)
	}
}

func TestOpenSQLStoreUnsupportedDialect(t *testing.T) {
	if _, err := OpenSQLStore(context.Background(), Dialect("oracle"), "x"); err == nil {
		t.Fatalf("expected unsupported dialect error")
	}
}

func TestSQLStorePostgresIntegration(t *testing.T) {
	pgURL := os.Getenv("PG_URL")
	if pgURL == "" {
		t.Skip("PG_URL not set")
	}
	ctx := context.Background()
	store, err := OpenSQLStore(ctx, DialectPostgres, pgURL)
	if err != nil {
		t.Fatalf("open postgres store: %v", err)
	}
	defer store.Close()

	id := "pg-it-" + NewHolderID()
	t.Cleanup(func() { _, _ = store.Release(ctx, id, "p1") })
	if ok, err := store.TryAcquire(ctx, id, "p1", time.Now().Add(time.Minute)); err != nil || !ok {
		t.Fatalf("expected acquire, ok=%v err=%v", ok, err)
	}
	if ok, err := store.TryAcquire(ctx, id, "p2", time.Now().Add(time.Minute)); err != nil || ok {
		t.Fatalf("expected contended acquire refused, ok=%v err=%v", ok, err)
	}
}
