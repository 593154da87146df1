package runner

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/debench/debench/core/fixtures"
	"github.com/debench/debench/core/infra/config"
	"github.com/debench/debench/core/orchestrator"
)

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	r.calls = append(r.calls, s)
	r.mu.Unlock()
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type stubFixture struct {
	name     string
	rec      *recorder
	setupErr error
	live     atomic.Bool
}

func (s *stubFixture) ResourceType() string { return s.name }

func (s *stubFixture) DefaultConfig() fixtures.Config { return nil }

func (s *stubFixture) SetupResource(context.Context, fixtures.Config) (fixtures.ResourceData, error) {
	s.rec.add("setup:" + s.name)
	if s.setupErr != nil {
		return nil, s.setupErr
	}
	s.live.Store(true)
	return fixtures.ResourceData{"name": s.name}, nil
}

func (s *stubFixture) TeardownResource(context.Context, fixtures.ResourceData) error {
	s.rec.add("teardown:" + s.name)
	s.live.Store(false)
	return nil
}

func (s *stubFixture) ConfigSection() map[string]any {
	return map[string]any{s.name: map[string]any{"dsn": s.name + "://"}}
}

func TestRunPassesMergedConfigAndTearsDownAfterValidation(t *testing.T) {
	rec := &recorder{}
	var gotCfg map[string]any
	model := ModelRunnerFunc(func(_ context.Context, task string, cfg map[string]any) (Output, error) {
		rec.add("model:" + task)
		gotCfg = cfg
		return Output{Stdout: "done"}, nil
	})
	test := Test{
		Name: "dag",
		Task: "write a dag",
		Fixtures: func() []fixtures.Request {
			return fixtures.Use(&stubFixture{name: "postgres", rec: rec}, &stubFixture{name: "airflow", rec: rec})
		},
		Validate: func(_ context.Context, ev Evaluation) error {
			for _, f := range ev.Fixtures {
				if !f.(*stubFixture).live.Load() {
					return errors.New("fixture torn down before validation")
				}
			}
			rec.add("validate:" + ev.Output.Stdout)
			return nil
		},
	}
	results, err := NewDriver(orchestrator.New(), model).Run(context.Background(), []Test{test})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if results[0].Status != StatusPassed {
		t.Fatalf("expected pass, got %s (%v)", results[0].Status, results[0].Err)
	}
	want := []string{"setup:postgres", "setup:airflow", "model:write a dag", "validate:done", "teardown:airflow", "teardown:postgres"}
	if got := rec.snapshot(); !reflect.DeepEqual(got, want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	if _, ok := gotCfg["postgres"]; !ok {
		t.Fatalf("merged config missing postgres section: %v", gotCfg)
	}
	if _, ok := gotCfg["airflow"]; !ok {
		t.Fatalf("merged config missing airflow section: %v", gotCfg)
	}
}

func TestRunStatuses(t *testing.T) {
	rec := &recorder{}
	model := ModelRunnerFunc(func(_ context.Context, task string, _ map[string]any) (Output, error) {
		if task == "crash" {
			return Output{ExitCode: 2}, errors.New("model crashed")
		}
		return Output{}, nil
	})
	fixture := func(name string, err error) func() []fixtures.Request {
		return func() []fixtures.Request {
			return fixtures.Use(&stubFixture{name: name, rec: rec, setupErr: err})
		}
	}
	tests := []Test{
		{Name: "ok", Task: "ok", Fixtures: fixture("a", nil)},
		{Name: "bad", Task: "ok", Fixtures: fixture("b", nil), Validate: func(context.Context, Evaluation) error {
			return fmt.Errorf("table missing: %w", ErrValidation)
		}},
		{Name: "setup", Task: "ok", Fixtures: fixture("c", errors.New("no capacity"))},
		{Name: "model", Task: "crash", Fixtures: fixture("d", nil)},
	}
	orch := orchestrator.New()
	results, err := NewDriver(orch, model, WithWorkers(3)).Run(context.Background(), tests)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	want := map[string]string{"ok": StatusPassed, "bad": StatusFailed, "setup": StatusError, "model": StatusError}
	for _, r := range results {
		if r.Status != want[r.Name] {
			t.Fatalf("%s: status %s, want %s (%v)", r.Name, r.Status, want[r.Name], r.Err)
		}
	}
	var setupErr *orchestrator.SetupError
	if !errors.As(results[2].Err, &setupErr) {
		t.Fatalf("expected setup error, got %v", results[2].Err)
	}
	torn := 0
	for _, c := range rec.snapshot() {
		if strings.HasPrefix(c, "teardown:") {
			torn++
		}
	}
	if torn != 3 {
		t.Fatalf("expected three teardowns, got %d: %v", torn, rec.snapshot())
	}
	if orch.Active() != 0 {
		t.Fatalf("contexts left registered: %d", orch.Active())
	}
}

func TestRunRespectsWorkerLimit(t *testing.T) {
	var running, peak atomic.Int32
	model := ModelRunnerFunc(func(context.Context, string, map[string]any) (Output, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return Output{}, nil
	})
	tests := make([]Test, 8)
	for i := range tests {
		tests[i] = Test{Name: fmt.Sprintf("t%d", i), Task: "x"}
	}
	results, err := NewDriver(orchestrator.New(), model, WithWorkers(2)).Run(context.Background(), tests)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if peak.Load() > 2 {
		t.Fatalf("peak concurrency %d exceeds worker limit", peak.Load())
	}
	names := make([]string, 0, len(results))
	for _, r := range results {
		names = append(names, r.Name)
	}
	if !sort.StringsAreSorted(names) {
		t.Fatalf("results out of order: %v", names)
	}
}

func TestRunCancelledSkipsRemaining(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results, err := NewDriver(orchestrator.New(), ModelRunnerFunc(func(context.Context, string, map[string]any) (Output, error) {
		t.Fatalf("model should not run")
		return Output{}, nil
	})).Run(ctx, []Test{{Name: "a"}, {Name: "b"}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	for _, r := range results {
		if r.Status != StatusSkipped {
			t.Fatalf("%s: expected skipped, got %s", r.Name, r.Status)
		}
	}
}

func TestCommandModelRunnerPassesTaskAndConfig(t *testing.T) {
	spec := config.CommandSpec{Command: []string{"sh", "-c", `printf '%s|' "$DEBENCH_TASK"; cat "$DEBENCH_CONFIG_FILE"`}}
	out, err := CommandModelRunner{Spec: spec}.Run(context.Background(), "hello", map[string]any{"postgres": map[string]any{"dsn": "x"}})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.HasPrefix(out.Stdout, "hello|") || !strings.Contains(out.Stdout, `"dsn": "x"`) {
		t.Fatalf("unexpected stdout %q", out.Stdout)
	}
}

func TestCommandModelRunnerExitCode(t *testing.T) {
	spec := config.CommandSpec{Command: []string{"sh", "-c", "echo oops >&2; exit 3"}}
	out, err := CommandModelRunner{Spec: spec}.Run(context.Background(), "t", nil)
	if err == nil || out.ExitCode != 3 || !strings.Contains(out.Stderr, "oops") {
		t.Fatalf("expected exit 3, got %d %q %v", out.ExitCode, out.Stderr, err)
	}
}

func TestCommandModelRunnerTimeout(t *testing.T) {
	spec := config.CommandSpec{Command: []string{"sleep", "5"}, Timeout: "50ms"}
	_, err := CommandModelRunner{Spec: spec}.Run(context.Background(), "t", nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestCommandValidator(t *testing.T) {
	pass := CommandValidator(config.CommandSpec{Command: []string{"sh", "-c", `test -s "$DEBENCH_MODEL_OUTPUT" && test "$DEBENCH_TEST" = t1`}})
	if err := pass(context.Background(), Evaluation{Test: "t1", Output: Output{Stdout: "x"}}); err != nil {
		t.Fatalf("expected pass: %v", err)
	}
	fail := CommandValidator(config.CommandSpec{Command: []string{"sh", "-c", "exit 1"}})
	if err := fail(context.Background(), Evaluation{Test: "t1"}); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation failure, got %v", err)
	}
	missing := CommandValidator(config.CommandSpec{Command: []string{"/definitely/not/here"}})
	if err := missing(context.Background(), Evaluation{}); err == nil || errors.Is(err, ErrValidation) {
		t.Fatalf("expected non-validation error, got %v", err)
	}
}

func TestFromHarness(t *testing.T) {
	rec := &recorder{}
	reg := fixtures.NewRegistry()
	reg.Register("sqlite", func() fixtures.Fixture { return &stubFixture{name: "sqlite", rec: rec} })
	h := &config.Harness{
		Workers:  1,
		Fixtures: map[string]map[string]any{"sqlite": {"database_prefix": "h_"}},
		Tests: []config.TestSpec{{
			Name:     "schema",
			Task:     "design a schema",
			Timeout:  "2m",
			Fixtures: []config.FixtureSpec{{Type: "sqlite", Config: map[string]any{"init_sql": []any{"SELECT 1"}}}},
			Validate: &config.CommandSpec{Command: []string{"true"}},
		}},
	}
	tests, err := FromHarness(h, reg)
	if err != nil {
		t.Fatalf("from harness: %v", err)
	}
	if len(tests) != 1 || tests[0].Timeout != 2*time.Minute || tests[0].Validate == nil {
		t.Fatalf("unexpected tests %#v", tests)
	}
	first, second := tests[0].Fixtures(), tests[0].Fixtures()
	if first[0].Fixture == second[0].Fixture {
		t.Fatalf("expected fresh fixture instances per call")
	}
	if first[0].Config.Strings("init_sql")[0] != "SELECT 1" {
		t.Fatalf("explicit config lost: %v", first[0].Config)
	}

	custom := map[string]fixtures.Config{}
	ApplyCustomConfigs(h, func(typ string, cfg fixtures.Config) { custom[typ] = cfg })
	if custom["sqlite"].String("database_prefix", "") != "h_" {
		t.Fatalf("custom config not applied: %v", custom)
	}

	h.Tests[0].Fixtures[0].Type = "snowflake"
	if _, err := FromHarness(h, reg); err == nil {
		t.Fatalf("expected unknown fixture type error")
	}
}
