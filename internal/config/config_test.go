package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadAppliesYAMLThenEnv(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "instancer.yaml")
	yml := []byte(`
auth:
  mode: bearer
  bearer_token: from-yaml
lifecycle:
  replace_policy: reject
  expiry_mode: lazy
docker:
  network: ctf_net
`)
	require.NoError(t, os.WriteFile(file, yml, 0o600))

	t.Setenv("INSTANCER_CONFIG_FILE", file)
	t.Setenv("INSTANCER_TOKEN", "from-env")
	t.Setenv("INSTANCER_LOCK_TTL_SECONDS", "90")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Auth.BearerToken)
	assert.Equal(t, ReplacePolicyReject, cfg.Lifecycle.ReplacePolicy)
	assert.Equal(t, ExpiryModeLazy, cfg.Lifecycle.ExpiryMode)
	assert.Equal(t, "ctf_net", cfg.Docker.Network)
	assert.Equal(t, 90, cfg.Lifecycle.LockTTLSeconds)
}

func TestValidateRejectsLockShorterThanOperation(t *testing.T) {
	cfg := Default()
	cfg.Auth.BearerToken = "t"
	cfg.Lifecycle.LockTTLSeconds = 10
	cfg.Lifecycle.OperationTimeoutSeconds = 30
	require.Error(t, validate(cfg))
}

func TestValidateRejectsUnknownPolicies(t *testing.T) {
	cfg := Default()
	cfg.Auth.BearerToken = "t"
	require.NoError(t, validate(cfg))

	bad := cfg
	bad.Lifecycle.ReplacePolicy = "queue"
	assert.Error(t, validate(bad))

	bad = cfg
	bad.Lifecycle.ExpiryMode = "eager"
	assert.Error(t, validate(bad))

	bad = cfg
	bad.Proxy.Mode = "nginx"
	assert.Error(t, validate(bad))

	bad = cfg
	bad.Coordination.Backend = "redis"
	assert.Error(t, validate(bad))
}

func TestValidateRequiresSecretForAuthMode(t *testing.T) {
	cfg := Default()
	assert.Error(t, validate(cfg), "bearer mode without token")

	cfg.Auth.Mode = "hmac"
	cfg.Auth.HMACSecret = "s"
	assert.NoError(t, validate(cfg))
}
