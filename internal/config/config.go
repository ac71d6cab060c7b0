// Package config handles configuration loading for the arena.
// Values come from a YAML file with environment variable overrides; model
// API keys are only ever read from the environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/lharena/arena/internal/utils"
)

// Config represents the complete application configuration.
type Config struct {
	Trading TradingConfig `mapstructure:"trading" yaml:"trading"`
	Arena   ArenaConfig   `mapstructure:"arena"   yaml:"arena"`
	Market  MarketConfig  `mapstructure:"market"  yaml:"market"`
	News    NewsConfig    `mapstructure:"news"    yaml:"news"`
	LLM     LLMConfig     `mapstructure:"llm"     yaml:"llm"`
	Server  ServerConfig  `mapstructure:"server"  yaml:"server"`
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`
	Log     LogConfig     `mapstructure:"log"     yaml:"log"`

	// Warnings collected during load (missing API keys, disabled models).
	// The caller decides how to surface them.
	Warnings []string `mapstructure:"-" yaml:"-"`
}

// TradingConfig holds the simulation and risk parameters shared by all agents.
type TradingConfig struct {
	InitialCapital        float64 `mapstructure:"initial_capital"         yaml:"initial_capital"`
	StartDate             string  `mapstructure:"start_date"              yaml:"start_date"`
	EndDate               string  `mapstructure:"end_date"                yaml:"end_date"`
	StopLossPct           float64 `mapstructure:"stop_loss_pct"           yaml:"stop_loss_pct"`   // fraction, e.g. 0.05
	StopProfitPct         float64 `mapstructure:"stop_profit_pct"         yaml:"stop_profit_pct"` // fraction, e.g. 0.15
	MaxHoldings           int     `mapstructure:"max_holdings"            yaml:"max_holdings"`
	MaxPrice              float64 `mapstructure:"max_price"               yaml:"max_price"`
	AnalyzeStockCount     int     `mapstructure:"analyze_stock_count"     yaml:"analyze_stock_count"`
	MinCashToBuy          float64 `mapstructure:"min_cash_to_buy"         yaml:"min_cash_to_buy"`
	AIConfidenceThreshold float64 `mapstructure:"ai_confidence_threshold" yaml:"ai_confidence_threshold"`
	EnableReflection      bool    `mapstructure:"enable_reflection"       yaml:"enable_reflection"`
	ReflectionInterval    int     `mapstructure:"reflection_interval"     yaml:"reflection_interval"`
}

// ArenaConfig holds the competitor roster.
type ArenaConfig struct {
	Models []ModelConfig `mapstructure:"models" yaml:"models"`
}

// ModelConfig describes one competing model. APIKey is resolved from the
// environment variable named by APIKeyEnv and never appears in YAML.
type ModelConfig struct {
	ID             string `mapstructure:"id"              yaml:"id"`
	Name           string `mapstructure:"name"            yaml:"name"`
	Provider       string `mapstructure:"provider"        yaml:"provider"`
	BaseURL        string `mapstructure:"base_url"        yaml:"base_url"`
	APIKeyEnv      string `mapstructure:"api_key_env"     yaml:"api_key_env"`
	Model          string `mapstructure:"model"           yaml:"model"`
	Color          string `mapstructure:"color"           yaml:"color"`
	Logo           string `mapstructure:"logo"            yaml:"logo"`
	Enabled        bool   `mapstructure:"enabled"         yaml:"enabled"`
	RotationOffset *int   `mapstructure:"rotation_offset" yaml:"rotation_offset"`

	APIKey string `mapstructure:"-" yaml:"-"`
}

// Rotation offsets for the well-known competitors. Models outside this table
// fall back to their position in the roster. Distinct offsets keep agents on
// different candidate batches for the same date.
var knownRotationOffsets = map[string]int{
	"deepseek": 0,
	"qwen":     1,
	"glm":      2,
	"kimi":     3,
}

// ResolveRotationOffset returns the candidate-batch rotation offset for the
// model at roster position index.
func (m ModelConfig) ResolveRotationOffset(index int) int {
	if m.RotationOffset != nil {
		return *m.RotationOffset
	}
	key := strings.ToLower(m.ID)
	if key == "" {
		key = strings.ToLower(m.Name)
	}
	for prefix, offset := range knownRotationOffsets {
		if strings.HasPrefix(key, prefix) {
			return offset
		}
	}
	return index
}

// MarketConfig holds upstream market data settings.
type MarketConfig struct {
	BaseURL          string `mapstructure:"base_url"           yaml:"base_url"`
	QuoteTimeoutSec  int    `mapstructure:"quote_timeout_sec"  yaml:"quote_timeout_sec"`
	PreloadBatchSize int    `mapstructure:"preload_batch_size" yaml:"preload_batch_size"`
	PreloadParallel  int    `mapstructure:"preload_parallel"   yaml:"preload_parallel"`
}

// NewsConfig holds RSS feed settings for day-bounded news context.
type NewsConfig struct {
	Feeds          []string `mapstructure:"feeds"           yaml:"feeds"`
	TimeoutSec     int      `mapstructure:"timeout_sec"     yaml:"timeout_sec"`
	SectorKeywords []string `mapstructure:"sector_keywords" yaml:"sector_keywords"`
}

// LLMConfig holds invocation settings shared by all model clients.
type LLMConfig struct {
	TimeoutSec     int     `mapstructure:"timeout_sec"      yaml:"timeout_sec"`
	MaxRetries     int     `mapstructure:"max_retries"      yaml:"max_retries"`
	BackoffBaseSec int     `mapstructure:"backoff_base_sec" yaml:"backoff_base_sec"`
	Temperature    float64 `mapstructure:"temperature"      yaml:"temperature"`
	MaxTokens      int     `mapstructure:"max_tokens"       yaml:"max_tokens"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port    int  `mapstructure:"port"     yaml:"port"`
	DevMode bool `mapstructure:"dev_mode" yaml:"dev_mode"`
}

// StorageConfig holds data directory and backup settings.
type StorageConfig struct {
	DataDir string       `mapstructure:"data_dir" yaml:"data_dir"`
	Backup  BackupConfig `mapstructure:"backup"   yaml:"backup"`
}

// BackupConfig controls session database backups.
type BackupConfig struct {
	Enabled    bool     `mapstructure:"enabled"     yaml:"enabled"`
	MaxBackups int      `mapstructure:"max_backups" yaml:"max_backups"`
	Schedule   string   `mapstructure:"schedule"    yaml:"schedule"` // cron expression
	S3         S3Config `mapstructure:"s3"          yaml:"s3"`
}

// S3Config controls optional off-host backup upload.
type S3Config struct {
	Enabled      bool   `mapstructure:"enabled"        yaml:"enabled"`
	Bucket       string `mapstructure:"bucket"         yaml:"bucket"`
	Region       string `mapstructure:"region"         yaml:"region"`
	Endpoint     string `mapstructure:"endpoint"       yaml:"endpoint"`
	Prefix       string `mapstructure:"prefix"         yaml:"prefix"`
	AccessKeyEnv string `mapstructure:"access_key_env" yaml:"access_key_env"`
	SecretKeyEnv string `mapstructure:"secret_key_env" yaml:"secret_key_env"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"  yaml:"level"`
	Pretty bool   `mapstructure:"pretty" yaml:"pretty"`
}

// Load reads configuration from .env, the YAML config file and environment
// variables. Config file search order:
//  1. $ARENA_CONFIG (explicit path)
//  2. ./config/arena.yaml
//  3. ~/.arena/arena.yaml
//
// Environment variables override file values, format ARENA_<SECTION>_<KEY>,
// e.g. ARENA_SERVER_PORT.
func Load() (*Config, error) {
	// .env is a development convenience; absence is fine.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if path := os.Getenv("ARENA_CONFIG"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("arena")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(filepath.Join(homeDir(), ".arena"))
	}

	v.SetEnvPrefix("ARENA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file, run on defaults + env.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.resolve(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromFile reads configuration from a specific file path.
func LoadFromFile(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetEnvPrefix("ARENA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.resolve(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Trading defaults mirror the standard competition setup.
	v.SetDefault("trading.initial_capital", 10000.0)
	v.SetDefault("trading.stop_loss_pct", 0.05)
	v.SetDefault("trading.stop_profit_pct", 0.15)
	v.SetDefault("trading.max_holdings", 5)
	v.SetDefault("trading.max_price", 100.0)
	v.SetDefault("trading.analyze_stock_count", 5)
	v.SetDefault("trading.min_cash_to_buy", 500.0)
	v.SetDefault("trading.ai_confidence_threshold", 0.3)
	v.SetDefault("trading.enable_reflection", true)
	v.SetDefault("trading.reflection_interval", 5)

	v.SetDefault("market.quote_timeout_sec", 10)
	v.SetDefault("market.preload_batch_size", 200)
	v.SetDefault("market.preload_parallel", 8)

	v.SetDefault("news.timeout_sec", 15)
	v.SetDefault("news.sector_keywords", []string{
		"半导体", "芯片", "人工智能", "新能源", "光伏", "锂电池", "汽车", "医药",
		"白酒", "银行", "券商", "保险", "地产", "军工", "机器人", "算力",
	})

	v.SetDefault("llm.timeout_sec", 600)
	v.SetDefault("llm.max_retries", 3)
	v.SetDefault("llm.backoff_base_sec", 2)
	v.SetDefault("llm.temperature", 0.3)
	v.SetDefault("llm.max_tokens", 4096)

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.dev_mode", false)

	v.SetDefault("storage.data_dir", "./data")
	v.SetDefault("storage.backup.enabled", true)
	v.SetDefault("storage.backup.max_backups", 10)
	v.SetDefault("storage.backup.schedule", "0 3 * * *")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", true)
}

// resolve normalizes dates, resolves the data directory and pulls model API
// keys from the environment. Models with no usable key are disabled with a
// warning rather than failing the whole load.
func (c *Config) resolve() error {
	if c.Trading.StartDate != "" {
		normalized, err := utils.NormalizeDate(c.Trading.StartDate)
		if err != nil {
			return fmt.Errorf("invalid trading.start_date: %w", err)
		}
		c.Trading.StartDate = normalized
	}
	if c.Trading.EndDate != "" {
		normalized, err := utils.NormalizeDate(c.Trading.EndDate)
		if err != nil {
			return fmt.Errorf("invalid trading.end_date: %w", err)
		}
		c.Trading.EndDate = normalized
	}

	absDir, err := filepath.Abs(c.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("failed to resolve data directory: %w", err)
	}
	if err := os.MkdirAll(absDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	c.Storage.DataDir = absDir

	for i := range c.Arena.Models {
		m := &c.Arena.Models[i]
		if !m.Enabled {
			continue
		}
		if m.APIKeyEnv == "" {
			m.Enabled = false
			c.Warnings = append(c.Warnings, fmt.Sprintf("model %s has no api_key_env, disabled", m.Name))
			continue
		}
		key := os.Getenv(m.APIKeyEnv)
		if key == "" {
			m.Enabled = false
			c.Warnings = append(c.Warnings, fmt.Sprintf("model %s: %s not set, disabled", m.Name, m.APIKeyEnv))
			continue
		}
		m.APIKey = key
	}

	return nil
}

// EnabledModels returns the roster entries that survived key resolution, in
// declaration order.
func (c *Config) EnabledModels() []ModelConfig {
	var models []ModelConfig
	for _, m := range c.Arena.Models {
		if m.Enabled {
			models = append(models, m)
		}
	}
	return models
}

// Validate checks that the configuration can drive a competition run.
func (c *Config) Validate() error {
	if c.Trading.InitialCapital <= 0 {
		return fmt.Errorf("trading.initial_capital must be positive, got %.2f", c.Trading.InitialCapital)
	}
	if c.Trading.StartDate == "" || c.Trading.EndDate == "" {
		return fmt.Errorf("trading.start_date and trading.end_date are required")
	}
	cmp, err := utils.CompareDates(c.Trading.StartDate, c.Trading.EndDate)
	if err != nil {
		return fmt.Errorf("invalid trading date range: %w", err)
	}
	if cmp > 0 {
		return fmt.Errorf("trading.start_date %s is after trading.end_date %s", c.Trading.StartDate, c.Trading.EndDate)
	}
	if c.Trading.MaxHoldings < 1 {
		return fmt.Errorf("trading.max_holdings must be at least 1, got %d", c.Trading.MaxHoldings)
	}
	if c.Trading.StopLossPct <= 0 || c.Trading.StopLossPct >= 1 {
		return fmt.Errorf("trading.stop_loss_pct must be a fraction in (0, 1), got %.4f", c.Trading.StopLossPct)
	}
	if c.Trading.StopProfitPct <= 0 || c.Trading.StopProfitPct >= 1 {
		return fmt.Errorf("trading.stop_profit_pct must be a fraction in (0, 1), got %.4f", c.Trading.StopProfitPct)
	}
	if len(c.EnabledModels()) == 0 {
		return fmt.Errorf("no enabled models in arena.models")
	}
	return nil
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
