package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "JobScheduler Pro", cfg.AppName)
	assert.Equal(t, 30*time.Minute, cfg.BinaryTimeout)
	assert.Equal(t, "job-scheduler-files", cfg.S3Bucket)
	assert.Equal(t, time.Hour, cfg.UploadURLTTL)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("POLL_INTERVAL", "250ms")
	t.Setenv("MAIL_USERNAME", "ops@example.com")
	t.Setenv("MAIL_PASSWORD", "secret")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "memory", cfg.StoreDriver)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	assert.True(t, cfg.MailConfigured())
	assert.Equal(t, "ops@example.com", cfg.MailSenderEmail)
}

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("HTTP_PORT=9999\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("HTTP_PORT") })

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "9999", cfg.HTTPPort)

	_, err = Load(filepath.Join(t.TempDir(), "missing.env"))
	assert.NoError(t, err)
}

func TestValidateRejectsUnknownDriver(t *testing.T) {
	t.Setenv("BUS_DRIVER", "kafka")
	_, err := Load("")
	assert.Error(t, err)
}

func TestValidateRequiresLeaseBeyondBinaryTimeout(t *testing.T) {
	t.Setenv("BINARY_TIMEOUT", "30m")

	t.Setenv("STALE_RUN_AFTER", "30m")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STALE_RUN_AFTER")

	t.Setenv("STALE_RUN_AFTER", "30m4s")
	_, err = Load("")
	assert.Error(t, err, "the kill grace counts against the lease")

	t.Setenv("STALE_RUN_AFTER", "31m")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 31*time.Minute, cfg.StaleRunAfter)

	t.Setenv("STALE_RUN_AFTER", "0")
	_, err = Load("")
	assert.NoError(t, err, "zero disables stale-run recovery")
}
