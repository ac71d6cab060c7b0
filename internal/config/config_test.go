package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "arena.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadFromFile(t *testing.T) {
	t.Setenv("TEST_DEEPSEEK_KEY", "sk-test")

	path := writeConfigFile(t, `
trading:
  initial_capital: 10000
  start_date: "2025-01-06"
  end_date: "20250131"
arena:
  models:
    - id: deepseek
      name: DeepSeek
      base_url: https://api.deepseek.com/v1
      api_key_env: TEST_DEEPSEEK_KEY
      model: deepseek-chat
      enabled: true
storage:
  data_dir: `+t.TempDir()+`
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "20250106", cfg.Trading.StartDate, "dashed start date should be normalized")
	assert.Equal(t, "20250131", cfg.Trading.EndDate)
	assert.Equal(t, 10000.0, cfg.Trading.InitialCapital)
	assert.Equal(t, 5, cfg.Trading.MaxHoldings, "defaults should fill unset keys")
	assert.Equal(t, 0.3, cfg.Trading.AIConfidenceThreshold)

	models := cfg.EnabledModels()
	require.Len(t, models, 1)
	assert.Equal(t, "sk-test", models[0].APIKey, "API key should be resolved from environment")

	assert.NoError(t, cfg.Validate())
}

func TestLoadDisablesModelWithoutKey(t *testing.T) {
	os.Unsetenv("TEST_MISSING_KEY")

	path := writeConfigFile(t, `
trading:
  start_date: "20250106"
  end_date: "20250131"
arena:
  models:
    - id: qwen
      name: Qwen
      api_key_env: TEST_MISSING_KEY
      enabled: true
storage:
  data_dir: `+t.TempDir()+`
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Empty(t, cfg.EnabledModels(), "model without key should be disabled")
	assert.NotEmpty(t, cfg.Warnings)
	assert.Error(t, cfg.Validate(), "no enabled models should fail validation")
}

func TestValidateRejectsBadRanges(t *testing.T) {
	t.Setenv("TEST_KEY", "k")

	base := func() *Config {
		path := writeConfigFile(t, `
trading:
  start_date: "20250106"
  end_date: "20250131"
arena:
  models:
    - id: glm
      name: GLM
      api_key_env: TEST_KEY
      enabled: true
storage:
  data_dir: `+t.TempDir()+`
`)
		cfg, err := LoadFromFile(path)
		require.NoError(t, err)
		return cfg
	}

	cfg := base()
	cfg.Trading.StartDate = "20250201"
	assert.Error(t, cfg.Validate(), "start after end should fail")

	cfg = base()
	cfg.Trading.InitialCapital = 0
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Trading.StopLossPct = 5 // percent instead of fraction
	assert.Error(t, cfg.Validate())

	cfg = base()
	cfg.Trading.MaxHoldings = 0
	assert.Error(t, cfg.Validate())
}

func TestResolveRotationOffset(t *testing.T) {
	tests := []struct {
		name   string
		model  ModelConfig
		index  int
		expect int
	}{
		{"known model by id", ModelConfig{ID: "deepseek"}, 3, 0},
		{"known model by name", ModelConfig{Name: "Qwen-Max"}, 0, 1},
		{"glm prefix", ModelConfig{ID: "glm-4"}, 0, 2},
		{"kimi prefix", ModelConfig{ID: "kimi"}, 1, 3},
		{"unknown model falls back to roster position", ModelConfig{ID: "other"}, 2, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expect, tt.model.ResolveRotationOffset(tt.index))
		})
	}

	explicit := 7
	m := ModelConfig{ID: "deepseek", RotationOffset: &explicit}
	assert.Equal(t, 7, m.ResolveRotationOffset(0), "explicit offset should win")
}
