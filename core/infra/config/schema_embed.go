package config

import "embed"

const harnessSchemaFile = "schema/harness.schema.json"

//go:embed schema/*.json
var configSchemaFS embed.FS
