package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Storage    StorageConfig    `yaml:"storage"`
	Web        WebConfig        `yaml:"web"`
	Logging    LoggingConfig    `yaml:"logging"`
	Backtest   BacktestConfig   `yaml:"backtest"`
	Queue      QueueConfig      `yaml:"queue"`
	MarketData MarketDataConfig `yaml:"market_data"`
	Tinkoff    TinkoffConfig    `yaml:"tinkoff"`
	Telegram   TelegramConfig   `yaml:"telegram"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

type StorageConfig struct {
	Driver     string         `yaml:"driver"` // sqlite or postgres
	SQLitePath string         `yaml:"sqlite_path"`
	Postgres   PostgresConfig `yaml:"postgres"`
}

type PostgresConfig struct {
	DSN      string `yaml:"dsn"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
}

type WebConfig struct {
	Port     int    `yaml:"port"`
	BasePath string `yaml:"base_path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

type BacktestConfig struct {
	Concurrency   int          `yaml:"concurrency"`
	RatePerSecond float64      `yaml:"rate_per_second"`
	MaxPending    int          `yaml:"max_pending"`
	Timeout       string       `yaml:"timeout"`
	Engine        EngineConfig `yaml:"engine"`
}

type EngineConfig struct {
	Command        []string `yaml:"command"`
	Probe          []string `yaml:"probe"`
	WorkDir        string   `yaml:"workdir"`
	MaxOutputBytes int64    `yaml:"max_output_bytes"`
	MemoryLimitMB  int64    `yaml:"memory_limit_mb"`
	CPUSeconds     int64    `yaml:"cpu_seconds"`
}

type QueueConfig struct {
	Backend      string      `yaml:"backend"` // database or kafka
	PollInterval string      `yaml:"poll_interval"`
	Kafka        KafkaConfig `yaml:"kafka"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group_id"`
}

type MarketDataConfig struct {
	Source      string           `yaml:"source"` // coingecko, tinkoff, clickhouse or parquet
	DefaultCoin string           `yaml:"default_coin"`
	DefaultDays int              `yaml:"default_days"`
	CoinGecko   CoinGeckoConfig  `yaml:"coingecko"`
	ClickHouse  ClickHouseConfig `yaml:"clickhouse"`
	Parquet     ParquetConfig    `yaml:"parquet"`
}

type CoinGeckoConfig struct {
	BaseURL    string `yaml:"base_url"`
	APIKey     string `yaml:"api_key"`
	VsCurrency string `yaml:"vs_currency"`
}

type ClickHouseConfig struct {
	Addr     string `yaml:"addr"`
	Database string `yaml:"database"`
	Table    string `yaml:"table"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Interval string `yaml:"interval"`
}

type ParquetConfig struct {
	DataDir string `yaml:"data_dir"`
}

type TinkoffConfig struct {
	Token   string `yaml:"token"`
	Sandbox bool   `yaml:"sandbox"`
}

type TelegramConfig struct {
	Enabled  bool   `yaml:"enabled"`
	BotToken string `yaml:"bot_token"`
	ChatID   int64  `yaml:"chat_id"`
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	setDefaults(cfg)
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Default returns a configuration with every default applied, for callers that
// run without a config file.
func Default() *Config {
	cfg := &Config{}
	setDefaults(cfg)
	return cfg
}

func setDefaults(cfg *Config) {
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = "data/strategy-lab.db"
	}
	if cfg.Storage.Postgres.Port == 0 {
		cfg.Storage.Postgres.Port = 5432
	}
	if cfg.Storage.Postgres.SSLMode == "" {
		cfg.Storage.Postgres.SSLMode = "disable"
	}
	if cfg.Web.Port == 0 {
		cfg.Web.Port = 8080
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Backtest.Concurrency == 0 {
		cfg.Backtest.Concurrency = 2
	}
	if cfg.Backtest.RatePerSecond == 0 {
		cfg.Backtest.RatePerSecond = 2
	}
	if cfg.Backtest.MaxPending == 0 {
		cfg.Backtest.MaxPending = 50
	}
	if cfg.Backtest.Timeout == "" {
		cfg.Backtest.Timeout = "5m"
	}
	if len(cfg.Backtest.Engine.Command) == 0 {
		cfg.Backtest.Engine.Command = []string{"python3", "engine/run_backtest.py"}
	}
	if len(cfg.Backtest.Engine.Probe) == 0 {
		cfg.Backtest.Engine.Probe = []string{"python3", "-c", "import backtesting, pandas, numpy"}
	}
	if cfg.Backtest.Engine.MaxOutputBytes == 0 {
		cfg.Backtest.Engine.MaxOutputBytes = 32 << 20
	}
	if cfg.Backtest.Engine.MemoryLimitMB == 0 {
		cfg.Backtest.Engine.MemoryLimitMB = 2048
	}
	if cfg.Backtest.Engine.CPUSeconds == 0 {
		cfg.Backtest.Engine.CPUSeconds = 300
	}
	if cfg.Queue.Backend == "" {
		cfg.Queue.Backend = "database"
	}
	if cfg.Queue.PollInterval == "" {
		cfg.Queue.PollInterval = "1s"
	}
	if cfg.Queue.Kafka.Topic == "" {
		cfg.Queue.Kafka.Topic = "backtest-jobs"
	}
	if cfg.Queue.Kafka.GroupID == "" {
		cfg.Queue.Kafka.GroupID = "strategy-lab-workers"
	}
	if cfg.MarketData.Source == "" {
		cfg.MarketData.Source = "coingecko"
	}
	if cfg.MarketData.DefaultCoin == "" {
		cfg.MarketData.DefaultCoin = "bitcoin"
	}
	if cfg.MarketData.DefaultDays == 0 {
		cfg.MarketData.DefaultDays = 365
	}
	if cfg.MarketData.CoinGecko.BaseURL == "" {
		cfg.MarketData.CoinGecko.BaseURL = "https://api.coingecko.com/api/v3"
	}
	if cfg.MarketData.CoinGecko.VsCurrency == "" {
		cfg.MarketData.CoinGecko.VsCurrency = "usd"
	}
	if cfg.MarketData.ClickHouse.Table == "" {
		cfg.MarketData.ClickHouse.Table = "candles"
	}
	if cfg.MarketData.ClickHouse.Interval == "" {
		cfg.MarketData.ClickHouse.Interval = "1d"
	}
	if cfg.MarketData.Parquet.DataDir == "" {
		cfg.MarketData.Parquet.DataDir = "data/candles"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		cfg.Storage.Postgres.DSN = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("TINKOFF_TOKEN"); v != "" {
		cfg.Tinkoff.Token = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Telegram.BotToken = v
	}
	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Queue.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("COINGECKO_API_KEY"); v != "" {
		cfg.MarketData.CoinGecko.APIKey = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "sqlite":
	case "postgres":
		if c.Storage.Postgres.DSN == "" && c.Storage.Postgres.Host == "" {
			return fmt.Errorf("storage.postgres.dsn or storage.postgres.host is required for postgres")
		}
	default:
		return fmt.Errorf("unknown storage.driver %q", c.Storage.Driver)
	}

	if c.Backtest.Concurrency < 1 {
		return fmt.Errorf("backtest.concurrency must be at least 1")
	}
	if c.Backtest.RatePerSecond <= 0 {
		return fmt.Errorf("backtest.rate_per_second must be positive")
	}
	if c.Backtest.MaxPending < 0 {
		return fmt.Errorf("backtest.max_pending must not be negative")
	}
	if _, err := time.ParseDuration(c.Backtest.Timeout); err != nil {
		return fmt.Errorf("invalid backtest.timeout %q: %w", c.Backtest.Timeout, err)
	}
	if len(c.Backtest.Engine.Command) == 0 {
		return fmt.Errorf("backtest.engine.command is required")
	}

	switch c.Queue.Backend {
	case "database":
	case "kafka":
		if len(c.Queue.Kafka.Brokers) == 0 {
			return fmt.Errorf("queue.kafka.brokers is required when queue.backend is kafka")
		}
	default:
		return fmt.Errorf("unknown queue.backend %q", c.Queue.Backend)
	}
	if _, err := time.ParseDuration(c.Queue.PollInterval); err != nil {
		return fmt.Errorf("invalid queue.poll_interval %q: %w", c.Queue.PollInterval, err)
	}

	switch c.MarketData.Source {
	case "coingecko", "parquet":
	case "tinkoff":
		if c.Tinkoff.Token == "" {
			return fmt.Errorf("tinkoff.token is required when market_data.source is tinkoff")
		}
	case "clickhouse":
		if c.MarketData.ClickHouse.Addr == "" {
			return fmt.Errorf("market_data.clickhouse.addr is required when market_data.source is clickhouse")
		}
	default:
		return fmt.Errorf("unknown market_data.source %q", c.MarketData.Source)
	}
	if c.MarketData.DefaultDays < 1 {
		return fmt.Errorf("market_data.default_days must be positive")
	}

	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == 0 {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}
	return nil
}

func (c *Config) BacktestTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Backtest.Timeout)
	return d
}

func (c *Config) QueuePollInterval() time.Duration {
	d, _ := time.ParseDuration(c.Queue.PollInterval)
	return d
}

// PostgresDSN returns the configured DSN, or builds one from the individual fields.
func (c *Config) PostgresDSN() string {
	pg := c.Storage.Postgres
	if pg.DSN != "" {
		return pg.DSN
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		pg.Host, pg.Port, pg.User, pg.Password, pg.Database, pg.SSLMode)
}

func (c *Config) IsSandbox() bool {
	return c.Tinkoff.Sandbox
}
