package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sirosfoundation/go-msh/internal/scheduler"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, ":8080", cfg.Server.Address)
	assert.Equal(t, "sqlite", cfg.Storage.SQL.Driver)
	assert.Equal(t, "msh.db", cfg.Storage.SQL.DSN)
	assert.Equal(t, BackendSQL, cfg.Storage.ConfigurationBackend)
	assert.Equal(t, StrategyCaching, cfg.Resolver.Strategy)
	assert.Equal(t, "PID", cfg.Resolver.MpcInitiatorSeparator)
	assert.Equal(t, scheduler.DefaultSpecs(), cfg.Scheduler)
	assert.Equal(t, 30*time.Minute, cfg.NATS.InFlightTTL)
	assert.Equal(t, 4, cfg.Dispatch.Workers)
	assert.Equal(t, 5*time.Minute, cfg.Dispatch.StaleEnqueuedAfter)
	assert.NoError(t, cfg.validate())
}

func TestStaleEnqueuedAfter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "msh.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
dispatch:
  staleEnqueuedAfter: 90s
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, cfg.Dispatch.StaleEnqueuedAfter)

	cfg.Dispatch.StaleEnqueuedAfter = -time.Second
	assert.Error(t, cfg.validate())
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("MSH_TEST_DSN", "user:pw@tcp(db:3306)/msh?parseTime=true")
	path := filepath.Join(t.TempDir(), "msh.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
storage:
  sql:
    driver: mysql
    dsn: ${MSH_TEST_DSN}
resolver:
  strategy: query
  legacyAgreementFallback: true
  forcePullByMpc: true
nats:
  url: nats://nats:4222
scheduler:
  retrySweep: "*/30 * * * * *"
logging:
  level: debug
  format: json
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "user:pw@tcp(db:3306)/msh?parseTime=true", cfg.Storage.SQL.DSN)
	assert.Equal(t, StrategyQuery, cfg.Resolver.Strategy)
	assert.True(t, cfg.Resolver.LegacyAgreementFallback)
	assert.True(t, cfg.Resolver.Naming().ForcePullByMpc)
	assert.Equal(t, "PID", cfg.Resolver.Naming().Separator)
	assert.Equal(t, "nats://nats:4222", cfg.NATS.URL)
	assert.Equal(t, "*/30 * * * * *", cfg.Scheduler.RetrySweep)
	// a partial scheduler section disables the other jobs
	assert.Empty(t, cfg.Scheduler.PullReset)
	assert.Equal(t, slog.LevelDebug, cfg.Logging.SlogLevel())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad driver", "storage:\n  sql:\n    driver: postgres\n    dsn: x\n", "storage.sql.driver"},
		{"mysql without dsn", "storage:\n  sql:\n    driver: mysql\n", "storage.sql.dsn"},
		{"mongodb backend without uri", "storage:\n  configurationBackend: mongodb\n", "storage.mongodb.uri"},
		{"unknown backend", "storage:\n  configurationBackend: etcd\n", "configurationBackend"},
		{"query over mongodb", "storage:\n  configurationBackend: mongodb\n  mongodb:\n    uri: mongodb://localhost\nresolver:\n  strategy: query\n", "requires storage.configurationBackend 'sql'"},
		{"unknown strategy", "resolver:\n  strategy: eager\n", "resolver.strategy"},
		{"separator with slash", "resolver:\n  mpcInitiatorSeparator: a/b\n", "mpcInitiatorSeparator"},
		{"bad log format", "logging:\n  format: xml\n", "logging.format"},
		{"bad cron", "scheduler:\n  retrySweep: sometimes\n", "scheduler.retrySweep"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestSlogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelInfo, LoggingConfig{}.SlogLevel())
	assert.Equal(t, slog.LevelWarn, LoggingConfig{Level: "WARNING"}.SlogLevel())
	assert.Equal(t, slog.LevelError, LoggingConfig{Level: "error"}.SlogLevel())
}
