package core

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Nil(t, cfg.Seed)
	assert.Equal(t, 128, cfg.Resolution)
	assert.Equal(t, 4, cfg.WorkerCount())
}

func TestLoadConfigMissingDefaultFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv(EnvSeed, "")
	t.Setenv(EnvSamples, "")
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoadConfigMissingExplicitFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv(EnvSeed, "")
	t.Setenv(EnvSamples, "")
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
samples: 60000
seed: 18446744073709551615
resolution: 64
codec: lz4
workspace:
  strategy: temp
tools:
  timeout_seconds: 90
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 60000, cfg.Samples)
	require.NotNil(t, cfg.Seed)
	assert.Equal(t, uint64(18446744073709551615), *cfg.Seed)
	assert.Equal(t, 64, cfg.Resolution)
	assert.Equal(t, "lz4", cfg.Codec)
	assert.Equal(t, StrategyTemp, cfg.Workspace.Strategy)
	assert.Equal(t, 1, cfg.WorkerCount())
	assert.Equal(t, 90.0, cfg.ToolTimeout().Seconds())
	// Untouched keys keep their defaults.
	assert.Equal(t, "simpleFoam", cfg.Tools.Solver)
	assert.Equal(t, 10.0, cfg.ToolGrace().Seconds())
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv(EnvSeed, "7")
	t.Setenv(EnvSamples, "12")
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	require.NotNil(t, cfg.Seed)
	assert.Equal(t, uint64(7), *cfg.Seed)
	assert.Equal(t, 12, cfg.Samples)

	t.Setenv(EnvSeed, "-1")
	_, err = LoadConfig("")
	assert.Error(t, err)
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Samples = 0
	cfg.Resolution = -1
	cfg.Codec = "zip"
	cfg.Workspace.Strategy = "shared"
	cfg.Sync.Enabled = true
	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"samples", "resolution", "zip", "workspace.strategy", "sync.addr", "sync.remote_dir"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestConfigMarshalRoundTrip(t *testing.T) {
	t.Setenv(EnvSeed, "")
	t.Setenv(EnvSamples, "")
	cfg := DefaultConfig()
	data, err := cfg.Marshal()
	require.NoError(t, err)
	assert.NotContains(t, string(data), "seed:")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}
