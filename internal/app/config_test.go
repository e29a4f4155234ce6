package app

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.AppEnv)
	assert.Equal(t, ":8080", cfg.AppAddr)
	assert.Equal(t, time.Minute, cfg.AuthzCacheTTL)
	assert.Equal(t, 1000, cfg.AuthzCacheMaxSize)
	assert.Equal(t, 5*time.Minute, cfg.AuthzCacheSweepInterval)
	assert.Equal(t, 5*time.Second, cfg.AuthzStoreTimeout)
	assert.Equal(t, "X-Meridian-Actor", cfg.IdentityHeader)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Empty(t, cfg.BootstrapTokenHash)
	assert.False(t, cfg.IsProduction())
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("AUTHZ_CACHE_TTL", "30s")
	t.Setenv("AUTHZ_CACHE_MAX_SIZE", "250")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.True(t, cfg.IsProduction())
	assert.Equal(t, 30*time.Second, cfg.AuthzCacheTTL)
	assert.Equal(t, 250, cfg.AuthzCacheMaxSize)
}
