package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DB_URL", "postgres://localhost/datashelf")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 10*time.Minute, cfg.JobLeaseTTL())
	assert.Equal(t, 100*time.Millisecond, cfg.JobPollInterval())
	assert.Equal(t, 15*time.Second, cfg.ImageFetchTimeout())
	assert.Equal(t, 5*time.Minute, cfg.SignatureSkew())
	assert.Equal(t, 60, cfg.IntakeRatePerMinute)
	assert.False(t, cfg.SigningEnabled())
}

func TestLoadMillisecondKeysAcceptBareNumbers(t *testing.T) {
	// The *_MS keys carry plain millisecond counts, not Go duration strings.
	t.Setenv("DB_URL", "postgres://localhost/datashelf")
	t.Setenv("JOB_LEASE_TTL_MS", "600000")
	t.Setenv("JOB_POLL_INTERVAL_MS", "250")
	t.Setenv("IMAGE_FETCH_TIMEOUT_MS", "5000")
	t.Setenv("SIGNATURE_SKEW_MS", "300000")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, cfg.JobLeaseTTL())
	assert.Equal(t, 250*time.Millisecond, cfg.JobPollInterval())
	assert.Equal(t, 5*time.Second, cfg.ImageFetchTimeout())
	assert.Equal(t, 5*time.Minute, cfg.SignatureSkew())
}

func TestLoadRequiresDBURL(t *testing.T) {
	t.Setenv("DB_URL", "placeholder") // registers restore of the outer value
	require.NoError(t, os.Unsetenv("DB_URL"))
	_, err := Load()
	assert.Error(t, err)
}

func TestCacheTTLFor(t *testing.T) {
	t.Setenv("DB_URL", "postgres://localhost/datashelf")
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, time.Hour, cfg.CacheTTLFor("navigation"))
	assert.Equal(t, 30*time.Minute, cfg.CacheTTLFor("categories"))
	assert.Equal(t, 5*time.Minute, cfg.CacheTTLFor("products"))
	assert.Equal(t, 2*time.Minute, cfg.CacheTTLFor("product_detail"))
	assert.Equal(t, cfg.CacheTTLProducts, cfg.CacheTTLFor("unknown"))
}
