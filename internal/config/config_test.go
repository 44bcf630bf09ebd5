package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func envOf(vars map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
host: 10.1.2.3
port: 4100
tick_interval: 250ms
timeout_ticks: 4
pending_max_ids: 16
max_payload_size: 1048576
natfix: true
bridge:
  port: 3000
  allow_all_hosts: true
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "10.1.2.3", cfg.Host)
	assert.EqualValues(t, 4100, cfg.Port)
	assert.Equal(t, 250*time.Millisecond, cfg.TickInterval)
	assert.Equal(t, 4, cfg.TimeoutTicks)
	assert.True(t, cfg.NatFix)

	dc := cfg.ToDispatchConfig(zap.NewNop())
	assert.Equal(t, "10.1.2.3", dc.Host)
	assert.Equal(t, 16, dc.PendingMaxIds)
	assert.Zero(t, dc.PendingMaxMessages)
	assert.Equal(t, 1<<20, dc.MaxPayloadSize)

	bp := cfg.ToBridgeParams(nil)
	assert.Equal(t, ":3000", bp.ListenAddress)
	assert.Equal(t, "/ws", bp.ListenEndpoint)
	assert.True(t, bp.AllowAllHosts)
}

func TestEnvOverridesOnlyUnsetValues(t *testing.T) {
	env := envOf(map[string]string{EnvHost: "192.168.0.9", EnvPort: "5555"})

	unset := Config{}
	require.NoError(t, unset.ApplyEnv(env))
	assert.Equal(t, "192.168.0.9", unset.Host)
	assert.EqualValues(t, 5555, unset.Port)

	set := Config{Host: "10.0.0.1", Port: 4000}
	require.NoError(t, set.ApplyEnv(env))
	assert.Equal(t, "10.0.0.1", set.Host)
	assert.EqualValues(t, 4000, set.Port)
}

func TestInvalidPortEnv(t *testing.T) {
	cfg := Config{}
	err := cfg.ApplyEnv(envOf(map[string]string{EnvPort: "70000"}))

	var invalid *InvalidEnvError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, EnvPort, invalid.Name)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
