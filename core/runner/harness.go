package runner

import (
	"fmt"
	"time"

	"github.com/debench/debench/core/fixtures"
	"github.com/debench/debench/core/infra/config"
)

// FromHarness turns a harness file into tests whose fixtures come from reg.
func FromHarness(h *config.Harness, reg *fixtures.Registry) ([]Test, error) {
	tests := make([]Test, 0, len(h.Tests))
	for _, spec := range h.Tests {
		types := make([]string, 0, len(spec.Fixtures))
		configs := make([]fixtures.Config, 0, len(spec.Fixtures))
		for _, fs := range spec.Fixtures {
			types = append(types, fs.Type)
			var cfg fixtures.Config
			if fs.Config != nil {
				cfg = fixtures.Config(fs.Config)
			}
			configs = append(configs, cfg)
		}
		// Fail fast on unknown types rather than at test start.
		if _, err := reg.Build(types, configs); err != nil {
			return nil, fmt.Errorf("test %s: %w", spec.Name, err)
		}
		t := Test{
			Name: spec.Name,
			Task: spec.Task,
			Fixtures: func() []fixtures.Request {
				reqs, _ := reg.Build(types, configs)
				return reqs
			},
		}
		if spec.Timeout != "" {
			d, err := time.ParseDuration(spec.Timeout)
			if err != nil || d <= 0 {
				return nil, fmt.Errorf("test %s: invalid timeout %q", spec.Name, spec.Timeout)
			}
			t.Timeout = d
		}
		if spec.Validate != nil {
			t.Validate = CommandValidator(*spec.Validate)
		}
		tests = append(tests, t)
	}
	return tests, nil
}

// ApplyCustomConfigs registers the harness-level fixture configs.
func ApplyCustomConfigs(h *config.Harness, set func(resourceType string, cfg fixtures.Config)) {
	for typ, cfg := range h.Fixtures {
		set(typ, fixtures.Config(cfg))
	}
}
