// Package config loads harness runtime settings from the environment and the
// harness YAML file.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/debench/debench/core/infra/logging"
)

const (
	defaultLockBackend      = "redis"
	defaultLockURL          = "redis://localhost:6379"
	defaultLockTimeout      = 45 * time.Minute
	defaultPoolInitTimeout  = 300 * time.Second
	defaultDeploymentPrefix = "debench-"
	defaultHarnessPath      = "config/harness.yaml"

	envLockBackend      = "DEBENCH_LOCK_BACKEND"
	envLockURL          = "DEBENCH_LOCK_URL"
	envLockTimeout      = "DEBENCH_LOCK_TIMEOUT"
	envPoolInitTimeout  = "DEBENCH_POOL_INIT_TIMEOUT"
	envPoolURL          = "DEBENCH_POOL_URL"
	envHolderID         = "DEBENCH_HOLDER_ID"
	envNATSURL          = "NATS_URL"
	envDeploymentPrefix = "DEBENCH_DEPLOYMENT_PREFIX"
	envStateDir         = "DEBENCH_STATE_DIR"
	envHarnessPath      = "DEBENCH_CONFIG_PATH"
	envMetricsAddr      = "DEBENCH_METRICS_ADDR"
	envPostgresAdminURL = "DEBENCH_POSTGRES_URL"
	envMySQLAdminDSN    = "DEBENCH_MYSQL_DSN"
	envSQLiteDir        = "DEBENCH_SQLITE_DIR"

	envAstroWorkspace     = "ASTRO_WORKSPACE_ID"
	envAstroOrganization  = "ASTRO_ORGANIZATION_ID"
	envAstroRegion        = "ASTRO_REGION"
	envAstroCloudProvider = "ASTRO_CLOUD_PROVIDER"
	envAstroAPIToken      = "ASTRO_API_TOKEN"
)

// Lock backends understood by DEBENCH_LOCK_BACKEND.
const (
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// ProviderConfig identifies the managed-workflow workspace deployments live in.
type ProviderConfig struct {
	WorkspaceID    string
	OrganizationID string
	Region         string
	CloudProvider  string
	APIToken       string
}

// DatabaseConfig points the database fixture at admin connections. An empty
// value disables that dialect.
type DatabaseConfig struct {
	PostgresURL string
	MySQLDSN    string
	SQLiteDir   string
}

// Config holds runtime configuration for a harness process.
type Config struct {
	LockBackend      string
	LockURL          string
	LockTimeout      time.Duration
	PoolInitTimeout  time.Duration
	PoolURL          string
	HolderID         string
	NatsURL          string
	Provider         ProviderConfig
	DeploymentPrefix string
	StateDir         string
	HarnessPath      string
	MetricsAddr      string
	Databases        DatabaseConfig
}

// Load returns configuration using environment variables with sane defaults.
func Load() *Config {
	backend := strings.ToLower(envOr(envLockBackend, defaultLockBackend))
	lockURL := envOr(envLockURL, defaultLockURL)

	poolURL := strings.TrimSpace(os.Getenv(envPoolURL))
	if poolURL == "" && backend == BackendRedis {
		poolURL = lockURL
	}

	stateDir := strings.TrimSpace(os.Getenv(envStateDir))
	if stateDir == "" {
		stateDir = filepath.Join(os.TempDir(), "debench")
	}

	return &Config{
		LockBackend:     backend,
		LockURL:         lockURL,
		LockTimeout:     durationEnv(envLockTimeout, defaultLockTimeout),
		PoolInitTimeout: durationEnv(envPoolInitTimeout, defaultPoolInitTimeout),
		PoolURL:         poolURL,
		HolderID:        strings.TrimSpace(os.Getenv(envHolderID)),
		NatsURL:         strings.TrimSpace(os.Getenv(envNATSURL)),
		Provider: ProviderConfig{
			WorkspaceID:    os.Getenv(envAstroWorkspace),
			OrganizationID: os.Getenv(envAstroOrganization),
			Region:         os.Getenv(envAstroRegion),
			CloudProvider:  os.Getenv(envAstroCloudProvider),
			APIToken:       os.Getenv(envAstroAPIToken),
		},
		DeploymentPrefix: envOr(envDeploymentPrefix, defaultDeploymentPrefix),
		StateDir:         stateDir,
		HarnessPath:      envOr(envHarnessPath, defaultHarnessPath),
		MetricsAddr:      strings.TrimSpace(os.Getenv(envMetricsAddr)),
		Databases: DatabaseConfig{
			PostgresURL: strings.TrimSpace(os.Getenv(envPostgresAdminURL)),
			MySQLDSN:    strings.TrimSpace(os.Getenv(envMySQLAdminDSN)),
			SQLiteDir:   envOr(envSQLiteDir, filepath.Join(stateDir, "databases")),
		},
	}
}

func envOr(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

// durationEnv accepts Go durations ("45m") or bare seconds ("2700").
func durationEnv(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return d
	}
	if d, err := time.ParseDuration(raw + "s"); err == nil && d > 0 {
		return d
	}
	logging.Warn("config", "invalid duration, using default", "env", key, "value", raw, "default", fallback)
	return fallback
}
