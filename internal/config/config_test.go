package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("HELMSMAN_DATA_DIR", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8010, cfg.Port)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.True(t, cfg.PaperTrading)
	assert.Equal(t, "USD", cfg.BaseCurrency)
	assert.Equal(t, "average", cfg.CostBasisMethod)
	assert.Equal(t, 5*time.Second, cfg.MonitorInterval)
	assert.Equal(t, 10*time.Minute, cfg.StaleOrderAge)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("HELMSMAN_DATA_DIR", t.TempDir())
	t.Setenv("HELMSMAN_PORT", "9001")
	t.Setenv("MONITOR_INTERVAL", "250ms")
	t.Setenv("COST_BASIS_METHOD", "fifo")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9001, cfg.Port)
	assert.Equal(t, 250*time.Millisecond, cfg.MonitorInterval)
	assert.Equal(t, "fifo", cfg.CostBasisMethod)
}

func TestLoad_InvalidCostBasis(t *testing.T) {
	t.Setenv("HELMSMAN_DATA_DIR", t.TempDir())
	t.Setenv("COST_BASIS_METHOD", "hifo")

	_, err := Load()
	assert.Error(t, err)
}

func TestValidate_LiveTradingRequiresCredentials(t *testing.T) {
	cfg := &Config{CostBasisMethod: "average", PaperTrading: false}
	assert.Error(t, cfg.Validate())

	cfg.BrokerAPIKey = "key"
	cfg.BrokerAPISecret = "secret"
	assert.NoError(t, cfg.Validate())
}
