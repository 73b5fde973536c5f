package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, "auto", cfg.Dispatch.Mode)
	assert.Equal(t, "agentmesh", cfg.Dispatch.StreamPrefix)
	assert.Equal(t, 2*time.Second, cfg.Dispatch.BlockTimeout)
	assert.Equal(t, 5, cfg.Resilience.FailureThreshold)
	assert.Equal(t, 50, cfg.Workflow.MaxCycles)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
dispatch:
  mode: distributed
  redis_url: redis://redis.internal:6379/1
  max_retries: 7
workflow:
  max_cycles: 10
external:
  - agent_id: evaluator
    endpoint: https://eval.example.com/webhook
    auth_type: bearer
    bearer_token: secret
`), 0o600))

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, "distributed", cfg.Dispatch.Mode)
	assert.Equal(t, "redis://redis.internal:6379/1", cfg.Dispatch.RedisURL)
	assert.Equal(t, 7, cfg.Dispatch.MaxRetries)
	assert.Equal(t, 10, cfg.Workflow.MaxCycles)
	assert.Equal(t, "agentmesh-workers", cfg.Dispatch.Group, "untouched keys keep defaults")

	require.Len(t, cfg.External, 1)
	assert.Equal(t, "evaluator", cfg.External[0].AgentID)
	assert.Equal(t, "bearer", cfg.External[0].AuthType)
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("dispatch:\n  mode: local\n"), 0o600))

	t.Setenv("AGENTMESH_DISPATCH_MODE", "distributed")
	t.Setenv("AGENTMESH_DISPATCH_BLOCK_TIMEOUT", "500ms")
	t.Setenv("AGENTMESH_RESILIENCE_RETRY_EXPONENTIAL_BASE", "3.5")
	t.Setenv("AGENTMESH_METRICS_ENABLED", "false")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, "distributed", cfg.Dispatch.Mode)
	assert.Equal(t, 500*time.Millisecond, cfg.Dispatch.BlockTimeout)
	assert.Equal(t, 3.5, cfg.Resilience.Retry.ExponentialBase)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/no/such/file.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, "auto", cfg.Dispatch.Mode)
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("dispatch: [not a map"), 0o600))

	_, err := NewLoader().WithConfigPath(path).Load()
	require.Error(t, err)
}

func TestLoad_ValidatorRuns(t *testing.T) {
	_, err := NewLoader().
		WithValidator(func(cfg *Config) error {
			if cfg.Dispatch.Mode == "auto" {
				return fmt.Errorf("auto mode not allowed here")
			}
			return nil
		}).
		Load()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "auto mode not allowed")
}

func TestLoad_BadEnvValue(t *testing.T) {
	t.Setenv("AGENTMESH_DISPATCH_MAX_RETRIES", "many")

	_, err := NewLoader().Load()
	require.Error(t, err)
}

func TestBuildLogger(t *testing.T) {
	cfg := DefaultConfig()
	logger, err := cfg.BuildLogger()
	require.NoError(t, err)
	require.NotNil(t, logger)

	cfg.Log.Level = "nonsense"
	_, err = cfg.BuildLogger()
	require.Error(t, err)
}
