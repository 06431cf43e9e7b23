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
	// no config file on the search path: defaults and env apply
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "periphd", cfg.App.Name)
	assert.Equal(t, 10*time.Second, cfg.Transport.ConnectTimeout)
	assert.Equal(t, time.Second, cfg.Transport.RetryBaseDelay)
	assert.Equal(t, 3, cfg.Transport.MaxRetries)
	assert.True(t, cfg.Transport.AutoReconnect)
	assert.Equal(t, 90*time.Second, cfg.Terminal.TransactionTimeout)
	assert.Equal(t, 30*time.Second, cfg.Terminal.StatusPollInterval)
	assert.Equal(t, "EUR", cfg.Terminal.Currency)
	assert.Equal(t, 3, cfg.Printing.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.Discovery.ProbeTimeout)
}

func TestLoadFileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "periphd.yaml")
	body := []byte(`
transport:
  connect_timeout: 3s
  max_retries: 5
terminal:
  currency: USD
printing:
  max_retries: 1
`)
	require.NoError(t, os.WriteFile(path, body, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 3*time.Second, cfg.Transport.ConnectTimeout)
	assert.Equal(t, 5, cfg.Transport.MaxRetries)
	assert.Equal(t, "USD", cfg.Terminal.Currency)
	assert.Equal(t, 1, cfg.Printing.MaxRetries)
	// untouched keys keep defaults
	assert.Equal(t, time.Second, cfg.Transport.RetryBaseDelay)
}
