package di

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lharena/arena/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.Storage.DataDir = t.TempDir()
	cfg.Storage.Backup.Enabled = true
	cfg.Storage.Backup.MaxBackups = 3
	cfg.Storage.Backup.Schedule = "0 3 * * *"
	cfg.Trading.InitialCapital = 10000
	cfg.Market.QuoteTimeoutSec = 10
	cfg.LLM.MaxRetries = 2
	cfg.LLM.TimeoutSec = 30
	cfg.Arena.Models = []config.ModelConfig{
		{ID: "deepseek", Name: "DeepSeek", Model: "deepseek-chat", APIKey: "test-key", Color: "#6366f1", Enabled: true},
		{ID: "off", Name: "Off", Enabled: false},
	}
	return cfg
}

func TestWireBuildsContainer(t *testing.T) {
	cfg := testConfig(t)
	c, err := Wire(cfg, zerolog.New(nil).Level(zerolog.Disabled))
	require.NoError(t, err)
	defer c.Close()

	_, err = os.Stat(filepath.Join(cfg.Storage.DataDir, "arena.db"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(cfg.Storage.DataDir, "cache.db"))
	assert.NoError(t, err)

	assert.NotNil(t, c.Sessions)
	assert.NotNil(t, c.Trades)
	assert.NotNil(t, c.MarketCache)
	assert.NotNil(t, c.Market)
	assert.NotNil(t, c.Backups)
	assert.NotNil(t, c.Scheduler)
	require.Len(t, c.Invokers, 1)
	assert.Contains(t, c.Invokers, "DeepSeek")
}

func TestNewArenaManagerBindsEnabledModels(t *testing.T) {
	cfg := testConfig(t)
	c, err := Wire(cfg, zerolog.New(nil).Level(zerolog.Disabled))
	require.NoError(t, err)
	defer c.Close()

	m := c.NewArenaManager("20250106_090000")
	entrants := m.Entrants()
	require.Len(t, entrants, 1)
	assert.Equal(t, "DeepSeek", entrants[0].Model.Name)
	assert.Equal(t, "DeepSeek", entrants[0].Agent.Name())
}

func TestWireFailsOnBadSchedule(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Backup.Schedule = "not a schedule"
	_, err := Wire(cfg, zerolog.New(nil).Level(zerolog.Disabled))
	assert.Error(t, err)
}
