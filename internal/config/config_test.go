package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "transfer.created", cfg.Kafka.Topic.TransferCreated)
	assert.Equal(t, 3, cfg.Retry.MaxRetries)
	assert.Equal(t, 2*time.Minute, cfg.Retry.MinAge)
	assert.Contains(t, cfg.Retry.RetryableCodes, "PROCESSING_ERROR")
	assert.False(t, cfg.Kafka.Enabled)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := []byte(`
server:
  port: 9090
guard:
  large_tx_threshold: 5000
retry:
  min_age: 10m
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 5000.0, cfg.Guard.LargeTxThreshold)
	assert.Equal(t, 10*time.Minute, cfg.Retry.MinAge)
	assert.Equal(t, 5, cfg.Guard.NightEndHour)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("XYPAY_SERVER_PORT", "7070")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.Guard.NightStartHour = 24
	assert.Error(t, cfg.Validate())

	cfg.Guard.NightStartHour = 0
	cfg.Kafka.Enabled = true
	cfg.Kafka.Brokers = nil
	assert.Error(t, cfg.Validate())
}

func TestValidate_RetryableCodes(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	cfg.Retry.RetryableCodes = nil
	assert.ErrorContains(t, cfg.Validate(), "retryable_codes")

	cfg.Retry.RetryableCodes = []string{"PROCESSING_ERROR", "NOT_A_CODE"}
	assert.ErrorContains(t, cfg.Validate(), "NOT_A_CODE")
}
