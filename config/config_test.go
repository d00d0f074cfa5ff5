package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesCorePolicy(t *testing.T) {
	cfg := Default()
	core := cfg.CoreConfig()
	require.Equal(t, uint64(5*60*1000), core.Policy.NormalSessionTTLMs)
	require.Equal(t, uint64(60*1000), core.Policy.StepUpSessionTTLMs)
	require.Equal(t, 256, core.Policy.MaxHandlesPerSession)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
policy:
  normal_session_ttl_ms: 1000
  step_up_session_ttl_ms: 100
  max_handles_per_session: 8
  max_cbor_bytes: 65536
  max_cbor_depth: 16
  max_cbor_items: 128
logging:
  level: debug
storage:
  directory: ${MO_TEST_DIR}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("MO_TEST_DIR", "/tmp/vault")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, uint64(1000), cfg.Policy.NormalSessionTTLMs)
	require.Equal(t, 8, cfg.Policy.MaxHandlesPerSession)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, "/tmp/vault", cfg.Storage.Directory)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MO_SESSION_TTL_MS", "2500")
	t.Setenv("MO_STORE_DIR", "/var/vault")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, uint64(2500), cfg.Policy.NormalSessionTTLMs)
	require.Equal(t, "/var/vault", cfg.Storage.Directory)
}

func TestValidateRejectsZeroTTL(t *testing.T) {
	cfg := Default()
	cfg.Policy.NormalSessionTTLMs = 0
	require.Error(t, cfg.Validate())
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	require.Error(t, err)
}
