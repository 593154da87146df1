// Package fixtures defines the lifecycle contract every provisioned test
// resource implements, plus helpers shared by the concrete fixtures.
package fixtures

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Config is the setup configuration of one fixture.
type Config map[string]any

// ResourceData is what a fixture's setup produced and its teardown consumes.
type ResourceData map[string]any

// SessionData is produced once per batch by a session-level setup.
type SessionData map[string]any

// Fixture is one provisioned resource kind.
//
// SetupResource may return partial ResourceData together with an error when
// it created something before failing; the caller then passes that data to
// TeardownResource. TeardownResource must tolerate nil or partial data and
// being called twice.
type Fixture interface {
	ResourceType() string
	DefaultConfig() Config
	SetupResource(ctx context.Context, cfg Config) (ResourceData, error)
	TeardownResource(ctx context.Context, data ResourceData) error
	// ConfigSection is merged into the configuration handed to the model.
	ConfigSection() map[string]any
}

// SessionFixture is a fixture with a batch-wide setup step shared by every
// test that uses the same concrete fixture type.
type SessionFixture interface {
	Fixture
	RequiresSessionSetup() bool
	SessionSetup(ctx context.Context, cfg Config) (SessionData, error)
	SessionTeardown(ctx context.Context, data SessionData) error
	// UseSession hands the shared session data to a per-test instance.
	UseSession(data SessionData)
}

// NeedsSession reports whether f takes part in the session tier.
func NeedsSession(f Fixture) (SessionFixture, bool) {
	sf, ok := f.(SessionFixture)
	if !ok || !sf.RequiresSessionSetup() {
		return nil, false
	}
	return sf, true
}

// Request pairs a fixture with the explicit config a test asked for.
type Request struct {
	Fixture Fixture
	Config  Config
}

// Use builds requests with no explicit config.
func Use(fs ...Fixture) []Request {
	out := make([]Request, 0, len(fs))
	for _, f := range fs {
		out = append(out, Request{Fixture: f})
	}
	return out
}

// ResolveConfig picks the config a setup runs with: explicit, then custom,
// then the fixture's default.
func ResolveConfig(explicit, custom, def Config) Config {
	switch {
	case explicit != nil:
		return explicit
	case custom != nil:
		return custom
	case def != nil:
		return def
	default:
		return Config{}
	}
}

// MergeSections folds config sections into one map. Later sections win on
// top-level key collisions; nested maps are merged one level deep.
func MergeSections(sections ...map[string]any) map[string]any {
	out := map[string]any{}
	for _, section := range sections {
		for k, v := range section {
			existing, ok := out[k].(map[string]any)
			incoming, incomingMap := v.(map[string]any)
			if ok && incomingMap {
				merged := make(map[string]any, len(existing)+len(incoming))
				for ek, ev := range existing {
					merged[ek] = ev
				}
				for ik, iv := range incoming {
					merged[ik] = iv
				}
				out[k] = merged
				continue
			}
			out[k] = v
		}
	}
	return out
}

// String reads a string value, falling back to def.
func (c Config) String(key, def string) string {
	if v, ok := c[key].(string); ok && v != "" {
		return v
	}
	return def
}

// Bool reads a boolean value, falling back to def.
func (c Config) Bool(key string, def bool) bool {
	if v, ok := c[key].(bool); ok {
		return v
	}
	return def
}

// Duration reads a Go duration string, falling back to def.
func (c Config) Duration(key string, def time.Duration) time.Duration {
	switch v := c[key].(type) {
	case string:
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	case time.Duration:
		if v > 0 {
			return v
		}
	}
	return def
}

// Strings reads a list of strings; YAML decodes lists as []any.
func (c Config) Strings(key string) []string {
	switch v := c[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// String reads a string field from resource data.
func (d ResourceData) String(key string) string {
	if d == nil {
		return ""
	}
	s, _ := d[key].(string)
	return s
}

// Factory creates a fresh fixture instance.
type Factory func() Fixture

// Registry maps harness fixture type names to factories.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// Register adds a factory for typ, replacing any previous one.
func (r *Registry) Register(typ string, f Factory) {
	r.factories[typ] = f
}

// Types lists registered type names.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.factories))
	for typ := range r.factories {
		out = append(out, typ)
	}
	sort.Strings(out)
	return out
}

// Build instantiates fresh fixtures for one test.
func (r *Registry) Build(types []string, configs []Config) ([]Request, error) {
	out := make([]Request, 0, len(types))
	for i, typ := range types {
		factory, ok := r.factories[typ]
		if !ok {
			return nil, fmt.Errorf("unknown fixture type %q", typ)
		}
		req := Request{Fixture: factory()}
		if i < len(configs) {
			req.Config = configs[i]
		}
		out = append(out, req)
	}
	return out, nil
}
