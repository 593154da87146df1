package config

import (
	"fmt"
	"strings"
	"sync"

	configschema "github.com/debench/debench/core/infra/schema"
	"gopkg.in/yaml.v3"
)

var (
	compiledMu      sync.Mutex
	compiledSchemas = map[string]*configschema.Schema{}
)

func validateConfigSchema(name, schemaPath string, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	compiled, err := loadSchema(name, schemaPath)
	if err != nil {
		return err
	}
	var payload any
	if err := yaml.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("parse %s config: %w", name, err)
	}
	if err := compiled.Validate(payload); err != nil {
		return fmt.Errorf("validate %s config: %w", name, err)
	}
	return nil
}

func loadSchema(name, schemaPath string) (*configschema.Schema, error) {
	compiledMu.Lock()
	defer compiledMu.Unlock()
	if compiled, ok := compiledSchemas[schemaPath]; ok {
		return compiled, nil
	}
	schemaBytes, err := configSchemaFS.ReadFile(schemaPath)
	if err != nil {
		return nil, fmt.Errorf("load %s schema: %w", name, err)
	}
	compiled, err := configschema.Compile(strings.ReplaceAll(name, " ", "-"), schemaBytes)
	if err != nil {
		return nil, fmt.Errorf("compile %s schema: %w", name, err)
	}
	compiledSchemas[schemaPath] = compiled
	return compiled, nil
}
