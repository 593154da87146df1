package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// CommandSpec describes an external command: the model runner or a validator.
type CommandSpec struct {
	Command []string          `yaml:"command"`
	Timeout string            `yaml:"timeout,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
	Dir     string            `yaml:"dir,omitempty"`
}

// TimeoutOr parses Timeout, falling back when unset or invalid.
func (c CommandSpec) TimeoutOr(fallback time.Duration) time.Duration {
	if strings.TrimSpace(c.Timeout) == "" {
		return fallback
	}
	d, err := time.ParseDuration(c.Timeout)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// FixtureSpec names a fixture type and its explicit config.
type FixtureSpec struct {
	Type   string         `yaml:"type"`
	Config map[string]any `yaml:"config,omitempty"`
}

// TestSpec is one evaluation task.
type TestSpec struct {
	Name     string        `yaml:"name"`
	Task     string        `yaml:"task"`
	Fixtures []FixtureSpec `yaml:"fixtures,omitempty"`
	Validate *CommandSpec  `yaml:"validate,omitempty"`
	Timeout  string        `yaml:"timeout,omitempty"`
}

// Harness is the decoded harness file.
type Harness struct {
	Workers  int                       `yaml:"workers,omitempty"`
	Model    *CommandSpec              `yaml:"model,omitempty"`
	Fixtures map[string]map[string]any `yaml:"fixtures,omitempty"`
	Tests    []TestSpec                `yaml:"tests"`
}

// ParseHarness validates data against the embedded schema and decodes it.
func ParseHarness(data []byte) (*Harness, error) {
	if len(data) == 0 {
		return nil, errors.New("harness config is empty")
	}
	if err := validateConfigSchema("harness", harnessSchemaFile, data); err != nil {
		return nil, err
	}
	var h Harness
	if err := yaml.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("parse harness config: %w", err)
	}
	if h.Workers <= 0 {
		h.Workers = 1
	}
	seen := make(map[string]struct{}, len(h.Tests))
	for _, tc := range h.Tests {
		if _, dup := seen[tc.Name]; dup {
			return nil, fmt.Errorf("duplicate test name %q", tc.Name)
		}
		seen[tc.Name] = struct{}{}
	}
	return &h, nil
}

// LoadHarness reads and parses the harness YAML file at path.
func LoadHarness(path string) (*Harness, error) {
	if path == "" {
		return nil, errors.New("harness config path is empty")
	}
	// #nosec G304 -- harness path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read harness config %s: %w", path, err)
	}
	h, err := ParseHarness(data)
	if err != nil {
		return nil, fmt.Errorf("load harness config %s: %w", path, err)
	}
	return h, nil
}
