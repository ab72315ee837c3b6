package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTOML = `
[logging]
level = "debug"

[tracebus]
nats_url = "nats://127.0.0.1:4222"

[ledger]
bolt_path = "/var/lib/agentd/state.db"
`

func writeSampleConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agentd.toml")
	require.NoError(t, os.WriteFile(path, []byte(sampleTOML), 0o600))
	return path
}

func TestLoad_DecodesTOMLValues(t *testing.T) {
	cfg, err := Load(writeSampleConfig(t))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.Tracebus.NATSURL)
	assert.Equal(t, "/var/lib/agentd/state.db", cfg.Ledger.BoltPath)
}

func TestLoad_AppliesDefaultsForMissingFields(t *testing.T) {
	cfg, err := Load(writeSampleConfig(t))
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Tracebus.DialRetryLimit)
	assert.Equal(t, ":8090", cfg.AdminHTTP.Address)
	assert.Equal(t, ":9090", cfg.Metrics.Address)
	assert.Equal(t, 30, cfg.Convergence.HistoryDepth)
}

func TestLoad_EnvironmentOverridesTakePrecedence(t *testing.T) {
	t.Setenv("AGENTD_LOGGING_LEVEL", "warn")
	cfg, err := Load(writeSampleConfig(t))
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoad_MissingFileReturnsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}
