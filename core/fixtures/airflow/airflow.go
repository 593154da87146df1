// Package airflow provides the managed-workflow deployment fixture. Setup
// prefers waking a pooled, hibernating deployment and only creates a new one
// when the pool is exhausted.
package airflow

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/debench/debench/core/fixtures"
	"github.com/debench/debench/core/infra/locks"
	"github.com/debench/debench/core/infra/logging"
	"github.com/debench/debench/core/pool"
	"github.com/debench/debench/core/provider"
	"github.com/google/uuid"
)

// ResourceType is the fixture type name.
const ResourceType = "airflow"

const createLockPrefix = "deployment-create:"

// Provider is the subset of the deployment CLI the fixture needs.
type Provider interface {
	EnsureLogin(ctx context.Context) error
	List(ctx context.Context) ([]provider.Deployment, error)
	Create(ctx context.Context, name string) (string, error)
	Inspect(ctx context.Context, id string) (provider.Deployment, error)
	Hibernate(ctx context.Context, id string) error
	Wake(ctx context.Context, id string) error
}

// Pool is the subset of the pool manager the fixture needs.
type Pool interface {
	Populate(ctx context.Context, discovered []pool.Discovered) error
	Allocate(ctx context.Context, requestedBy string, pid int) *pool.Entry
	Register(ctx context.Context, e pool.Entry) error
	Release(ctx context.Context, name string, pid int, newID string) bool
	Abandon(ctx context.Context, name string)
	Lock() *locks.Lock
}

// Fixture provisions one deployment per test.
type Fixture struct {
	provider    Provider
	pool        Pool
	prefix      string
	requestedBy string
	pid         int

	mu      sync.Mutex
	session fixtures.SessionData
	data    fixtures.ResourceData
}

// Option customizes a Fixture.
type Option func(*Fixture)

// WithPrefix sets the name prefix for newly created deployments.
func WithPrefix(prefix string) Option {
	return func(f *Fixture) { f.prefix = prefix }
}

// WithRequester labels allocations, normally with the test name.
func WithRequester(name string) Option {
	return func(f *Fixture) { f.requestedBy = name }
}

// New builds a deployment fixture.
func New(p Provider, pl Pool, opts ...Option) *Fixture {
	f := &Fixture{provider: p, pool: pl, prefix: "debench-", pid: os.Getpid()}
	for _, opt := range opts {
		opt(f)
	}
	if f.requestedBy == "" {
		f.requestedBy = fmt.Sprintf("pid-%d", f.pid)
	}
	return f
}

func (f *Fixture) ResourceType() string { return ResourceType }

func (f *Fixture) DefaultConfig() fixtures.Config {
	return fixtures.Config{"create_if_exhausted": true}
}

func (f *Fixture) RequiresSessionSetup() bool { return true }

// SessionSetup logs in once per host and seeds the pool from the workspace.
func (f *Fixture) SessionSetup(ctx context.Context, _ fixtures.Config) (fixtures.SessionData, error) {
	if err := f.provider.EnsureLogin(ctx); err != nil {
		return nil, fmt.Errorf("provider login: %w", err)
	}
	deployments, err := f.provider.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	discovered := make([]pool.Discovered, 0, len(deployments))
	for _, d := range deployments {
		discovered = append(discovered, pool.Discovered{Name: d.Name, ID: d.ID, Status: d.Status})
	}
	if err := f.pool.Populate(ctx, discovered); err != nil {
		return nil, fmt.Errorf("populate pool: %w", err)
	}
	return fixtures.SessionData{"discovered": len(discovered)}, nil
}

// SessionTeardown has nothing to undo: pooled deployments outlive the batch.
func (f *Fixture) SessionTeardown(context.Context, fixtures.SessionData) error { return nil }

func (f *Fixture) UseSession(data fixtures.SessionData) {
	f.mu.Lock()
	f.session = data
	f.mu.Unlock()
}

// SetupResource allocates and wakes a pooled deployment, recreating it when
// the provider no longer knows it, or creates a new one when the pool is empty.
func (f *Fixture) SetupResource(ctx context.Context, cfg fixtures.Config) (fixtures.ResourceData, error) {
	if entry := f.pool.Allocate(ctx, f.requestedBy, f.pid); entry != nil {
		data := fixtures.ResourceData{
			"deployment_name": entry.Name,
			"deployment_id":   entry.ID,
			"pooled":          true,
		}
		f.remember(data)
		err := f.provider.Wake(ctx, entry.ID)
		if provider.IsNotFound(err) {
			logging.Warn("airflow", "pooled deployment vanished, recreating", "deployment", entry.Name, "id", entry.ID)
			var id string
			id, err = f.createLocked(ctx, entry.Name)
			if err == nil {
				data["deployment_id"] = id
			}
		}
		if err != nil {
			return data, fmt.Errorf("prepare deployment %s: %w", entry.Name, err)
		}
		return f.describe(ctx, data)
	}

	if !cfg.Bool("create_if_exhausted", true) {
		return nil, fmt.Errorf("deployment pool exhausted")
	}
	name := f.prefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	id, err := f.createLocked(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("create deployment %s: %w", name, err)
	}
	data := fixtures.ResourceData{"deployment_name": name, "deployment_id": id, "pooled": false}
	f.remember(data)
	if err := f.pool.Register(ctx, pool.Entry{Name: name, ID: id, State: pool.StateAllocated, AllocatedTo: f.requestedBy, PID: f.pid}); err != nil {
		return data, fmt.Errorf("register deployment %s: %w", name, err)
	}
	return f.describe(ctx, data)
}

// TeardownResource hibernates the deployment and hands it back to the pool
// with its current id. When hibernation fails the entry stays allocated and
// is abandoned to the sweeper, since the pool must not list an awake
// deployment as hibernating. It is a no-op on nil or already released data.
func (f *Fixture) TeardownResource(ctx context.Context, data fixtures.ResourceData) error {
	name := data.String("deployment_name")
	if name == "" {
		return nil
	}
	if released, _ := data["released"].(bool); released {
		return nil
	}
	id := data.String("deployment_id")
	var hibernateErr error
	if id != "" {
		hibernateErr = f.provider.Hibernate(ctx, id)
		if provider.IsNotFound(hibernateErr) {
			hibernateErr = nil
		}
	}
	data["released"] = true
	if hibernateErr != nil {
		f.pool.Abandon(ctx, name)
		return fmt.Errorf("hibernate deployment %s: %w", name, hibernateErr)
	}
	f.pool.Release(ctx, name, f.pid, id)
	return nil
}

// ConfigSection exposes the live deployment to the model.
func (f *Fixture) ConfigSection() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.data == nil {
		return nil
	}
	return map[string]any{
		"airflow": map[string]any{
			"deployment_name": f.data.String("deployment_name"),
			"deployment_id":   f.data.String("deployment_id"),
			"url":             f.data.String("url"),
		},
	}
}

// createLocked creates name while holding a per-name lock so two processes
// never create the same deployment.
func (f *Fixture) createLocked(ctx context.Context, name string) (string, error) {
	var id string
	err := f.pool.Lock().WithLock(ctx, createLockPrefix+name, 0, 0, func(ctx context.Context, acquired bool) error {
		if !acquired {
			return fmt.Errorf("deployment %s is being created by another holder", name)
		}
		created, err := f.provider.Create(ctx, name)
		if err != nil {
			return err
		}
		id = created
		return nil
	})
	return id, err
}

func (f *Fixture) describe(ctx context.Context, data fixtures.ResourceData) (fixtures.ResourceData, error) {
	d, err := f.provider.Inspect(ctx, data.String("deployment_id"))
	if err != nil {
		logging.Warn("airflow", "inspect failed", "deployment", data.String("deployment_name"), "error", err)
		return data, nil
	}
	data["url"] = d.URL
	data["status"] = d.Status
	return data, nil
}

func (f *Fixture) remember(data fixtures.ResourceData) {
	f.mu.Lock()
	f.data = data
	f.mu.Unlock()
}
