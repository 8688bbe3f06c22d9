package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"whalewatch/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App          AppConfig          `mapstructure:"app"`
	Logging      logging.Config     `mapstructure:"logging"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Scheduler    SchedulerConfig    `mapstructure:"scheduler"`
	Stream       StreamConfig       `mapstructure:"stream"`
	OpenInterest OpenInterestConfig `mapstructure:"open_interest"`
	Threshold    ThresholdConfig    `mapstructure:"threshold"`
	API          APIConfig          `mapstructure:"api"`
	Alerting     AlertingConfig     `mapstructure:"alerting"`
	Export       ExportConfig       `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN               string        `mapstructure:"dsn"`
	MaxOpenConns      int           `mapstructure:"max_open_conns"`
	MaxIdleConns      int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime   time.Duration `mapstructure:"conn_max_lifetime"`
	HealthCheckPeriod time.Duration `mapstructure:"health_check_period"`
	SchemaAttempts    int           `mapstructure:"schema_attempts"`
	SchemaRetryDelay  time.Duration `mapstructure:"schema_retry_delay"`
}

// SchedulerConfig governs the open interest polling cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	RunImmediately  bool          `mapstructure:"run_immediately"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// StreamConfig covers the trade websocket feed.
type StreamConfig struct {
	URL              string        `mapstructure:"url"`
	ReconnectDelay   time.Duration `mapstructure:"reconnect_delay"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	QueueSize        int           `mapstructure:"queue_size"`
	DrainTimeout     time.Duration `mapstructure:"drain_timeout"`
}

// OpenInterestConfig covers the REST metric endpoint.
type OpenInterestConfig struct {
	BaseURL            string        `mapstructure:"base_url"`
	Symbol             string        `mapstructure:"symbol"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	MinRequestInterval time.Duration `mapstructure:"min_request_interval"`
}

// ThresholdConfig seeds the large trade threshold.
type ThresholdConfig struct {
	Key     string  `mapstructure:"key"`
	Default float64 `mapstructure:"default"`
}

// APIConfig configures the HTTP query/control surface.
type APIConfig struct {
	Address           string        `mapstructure:"address"`
	TradesLimit       int           `mapstructure:"trades_limit"`
	OpenInterestLimit int           `mapstructure:"open_interest_limit"`
	StaticDir         string        `mapstructure:"static_dir"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	QueryTimeout      time.Duration `mapstructure:"query_timeout"`
}

// AlertingConfig defines whale alert routing.
type AlertingConfig struct {
	Enabled     bool           `mapstructure:"enabled"`
	MinQuantity float64        `mapstructure:"min_quantity"`
	QueueSize   int            `mapstructure:"queue_size"`
	Symbol      string         `mapstructure:"symbol"`
	Telegram    TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("WHALEWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "whalewatch")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.time_format", "")
	v.SetDefault("logging.caller", false)
	v.SetDefault("logging.pretty", false)
	v.SetDefault("logging.file.path", "")
	v.SetDefault("logging.file.max_size_mb", 100)
	v.SetDefault("logging.file.max_age_days", 7)
	v.SetDefault("logging.file.max_backups", 5)
	v.SetDefault("logging.file.compress", true)

	v.SetDefault("scheduler.interval", "1m")
	v.SetDefault("scheduler.run_immediately", true)
	v.SetDefault("scheduler.align_to_bucket", false)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x77686f69))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("stream.url", "wss://fstream.binance.com/ws/btcusdt@aggTrade")
	v.SetDefault("stream.reconnect_delay", "5s")
	v.SetDefault("stream.handshake_timeout", "10s")
	// the futures feed pings every three minutes
	v.SetDefault("stream.read_timeout", "200s")
	v.SetDefault("stream.write_timeout", "5s")
	v.SetDefault("stream.queue_size", 1024)
	v.SetDefault("stream.drain_timeout", "5s")

	v.SetDefault("open_interest.base_url", "https://fapi.binance.com")
	v.SetDefault("open_interest.symbol", "BTCUSDT")
	v.SetDefault("open_interest.request_timeout", "10s")
	v.SetDefault("open_interest.min_request_interval", "1s")

	v.SetDefault("threshold.key", "large_trade_min_quantity")
	v.SetDefault("threshold.default", 1.0)

	v.SetDefault("api.address", ":3000")
	v.SetDefault("api.trades_limit", 2000)
	v.SetDefault("api.open_interest_limit", 1440)
	v.SetDefault("api.static_dir", "")
	v.SetDefault("api.shutdown_timeout", "5s")
	v.SetDefault("api.query_timeout", "10s")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.min_quantity", 50.0)
	v.SetDefault("alerting.queue_size", 64)
	v.SetDefault("alerting.symbol", "BTCUSDT")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.chat_id", "")
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.health_check_period", "30s")
	v.SetDefault("database.schema_attempts", 3)
	v.SetDefault("database.schema_retry_delay", "2s")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if strings.TrimSpace(c.Stream.URL) == "" {
		return fmt.Errorf("stream.url must be configured")
	}
	if c.Stream.ReconnectDelay <= 0 {
		return fmt.Errorf("stream.reconnect_delay must be greater than zero")
	}
	if c.Stream.QueueSize <= 0 {
		return fmt.Errorf("stream.queue_size must be greater than zero")
	}
	if strings.TrimSpace(c.OpenInterest.Symbol) == "" {
		return fmt.Errorf("open_interest.symbol must be configured")
	}
	if c.Threshold.Key == "" {
		return fmt.Errorf("threshold.key must be configured")
	}
	if c.Threshold.Default <= 0 {
		return fmt.Errorf("threshold.default must be greater than zero")
	}
	if c.API.TradesLimit <= 0 || c.API.OpenInterestLimit <= 0 {
		return fmt.Errorf("api limits must be greater than zero")
	}
	if c.Alerting.MinQuantity < 0 {
		return fmt.Errorf("alerting.min_quantity cannot be negative")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
