package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"

	"xypay/internal/model"
)

// Config is the process-wide configuration tree.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	MySQL    MySQLConfig    `mapstructure:"mysql"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Log      LogConfig      `mapstructure:"log"`
	Outbox   OutboxConfig   `mapstructure:"outbox"`
	Transfer TransferConfig `mapstructure:"transfer"`
	Guard    GuardConfig    `mapstructure:"guard"`
	Cascade  CascadeConfig  `mapstructure:"cascade"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type MySQLConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	LogLevel     string `mapstructure:"log_level"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// KafkaConfig switches between the Kafka broker and the in-process broker.
type KafkaConfig struct {
	Enabled bool             `mapstructure:"enabled"`
	Brokers []string         `mapstructure:"brokers"`
	GroupID string           `mapstructure:"group_id"`
	Workers int              `mapstructure:"workers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	TransferCreated     string `mapstructure:"transfer_created"`
	TransferRetry       string `mapstructure:"transfer_retry"`
	TransferCompleted   string `mapstructure:"transfer_completed"`
	TransactionRecorded string `mapstructure:"transaction_recorded"`
	SagaStep            string `mapstructure:"saga_step"`
	Settlement          string `mapstructure:"settlement"`
	Notification        string `mapstructure:"notification"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type OutboxConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	BatchSize     int           `mapstructure:"batch_size"`
	MaxRetryCount int           `mapstructure:"max_retry_count"`
}

type TransferConfig struct {
	LockTTL           time.Duration `mapstructure:"lock_ttl"`
	LockRetryInterval time.Duration `mapstructure:"lock_retry_interval"`
	LockMaxRetries    int           `mapstructure:"lock_max_retries"`
	DefaultCurrency   string        `mapstructure:"default_currency"`
}

type GuardConfig struct {
	NightGuardEnabled    bool    `mapstructure:"night_guard_enabled"`
	NightStartHour       int     `mapstructure:"night_start_hour"`
	NightEndHour         int     `mapstructure:"night_end_hour"`
	TimeZone             string  `mapstructure:"time_zone"`
	LargeTxShieldEnabled bool    `mapstructure:"large_tx_shield_enabled"`
	LargeTxThreshold     float64 `mapstructure:"large_tx_threshold"`
	LocationGuardEnabled bool    `mapstructure:"location_guard_enabled"`
}

type CascadeConfig struct {
	AutoSaveEnabled        bool    `mapstructure:"auto_save_enabled"`
	AutoSweepEnabled       bool    `mapstructure:"auto_sweep_enabled"`
	DefaultAutoSavePercent float64 `mapstructure:"default_auto_save_percent"`
	MaxRedeliveries        int     `mapstructure:"max_redeliveries"`
}

type RetryConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	MinAge         time.Duration `mapstructure:"min_age"`
	MaxRetries     int           `mapstructure:"max_retries"`
	BatchSize      int           `mapstructure:"batch_size"`
	RetryableCodes []string      `mapstructure:"retryable_codes"`
}

type GatewayConfig struct {
	Timeout             time.Duration `mapstructure:"timeout"`
	BreakerMaxRequests  uint32        `mapstructure:"breaker_max_requests"`
	BreakerInterval     time.Duration `mapstructure:"breaker_interval"`
	BreakerOpenTimeout  time.Duration `mapstructure:"breaker_open_timeout"`
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)

	v.SetDefault("mysql.host", "127.0.0.1")
	v.SetDefault("mysql.port", 3306)
	v.SetDefault("mysql.max_open_conns", 50)
	v.SetDefault("mysql.max_idle_conns", 10)
	v.SetDefault("mysql.log_level", "warn")

	v.SetDefault("redis.host", "127.0.0.1")
	v.SetDefault("redis.port", 6379)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.group_id", "xypay-engine")
	v.SetDefault("kafka.workers", 4)
	v.SetDefault("kafka.topic.transfer_created", "transfer.created")
	v.SetDefault("kafka.topic.transfer_retry", "transfer.retry")
	v.SetDefault("kafka.topic.transfer_completed", "transfer.completed")
	v.SetDefault("kafka.topic.transaction_recorded", "transaction.recorded")
	v.SetDefault("kafka.topic.saga_step", "saga.step")
	v.SetDefault("kafka.topic.settlement", "transfer.settlement")
	v.SetDefault("kafka.topic.notification", "notification")

	v.SetDefault("log.level", "info")

	v.SetDefault("outbox.interval", 200*time.Millisecond)
	v.SetDefault("outbox.batch_size", 100)
	v.SetDefault("outbox.max_retry_count", 10)

	v.SetDefault("transfer.lock_ttl", 30*time.Second)
	v.SetDefault("transfer.lock_retry_interval", 50*time.Millisecond)
	v.SetDefault("transfer.lock_max_retries", 100)
	v.SetDefault("transfer.default_currency", "NGN")

	v.SetDefault("guard.night_guard_enabled", true)
	v.SetDefault("guard.night_start_hour", 0)
	v.SetDefault("guard.night_end_hour", 5)
	v.SetDefault("guard.time_zone", "Africa/Lagos")
	v.SetDefault("guard.large_tx_shield_enabled", true)
	v.SetDefault("guard.large_tx_threshold", 1000000)
	v.SetDefault("guard.location_guard_enabled", true)

	v.SetDefault("cascade.auto_save_enabled", true)
	v.SetDefault("cascade.auto_sweep_enabled", true)
	v.SetDefault("cascade.default_auto_save_percent", 10)
	v.SetDefault("cascade.max_redeliveries", 5)

	v.SetDefault("retry.interval", 30*time.Second)
	v.SetDefault("retry.min_age", 2*time.Minute)
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.batch_size", 50)
	v.SetDefault("retry.retryable_codes", []string{
		"PROCESSING_ERROR", "DATABASE_ERROR", "EXTERNAL_SERVICE_ERROR",
		"BANK_SERVICE_UNAVAILABLE", "TIMEOUT_ERROR",
	})

	v.SetDefault("gateway.timeout", 10*time.Second)
	v.SetDefault("gateway.breaker_max_requests", 1)
	v.SetDefault("gateway.breaker_interval", time.Minute)
	v.SetDefault("gateway.breaker_open_timeout", 30*time.Second)
	v.SetDefault("gateway.consecutive_failures", 5)
}

// Load reads the yaml file at configPath (optional when empty) and applies
// XYPAY_* environment overrides, e.g. XYPAY_MYSQL_HOST.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("XYPAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig is Load for process entrypoints: any error is fatal.
func LoadConfig(configPath string) *Config {
	cfg, err := Load(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	return cfg
}

func (c *Config) Validate() error {
	if c.Guard.NightStartHour < 0 || c.Guard.NightStartHour > 23 ||
		c.Guard.NightEndHour < 0 || c.Guard.NightEndHour > 23 {
		return fmt.Errorf("guard night hours must be within 0-23")
	}
	if c.Guard.LargeTxThreshold <= 0 {
		return fmt.Errorf("guard.large_tx_threshold must be positive")
	}
	if c.Cascade.DefaultAutoSavePercent < 0 || c.Cascade.DefaultAutoSavePercent > 100 {
		return fmt.Errorf("cascade.default_auto_save_percent must be within 0-100")
	}
	if c.Cascade.MaxRedeliveries < 0 {
		return fmt.Errorf("cascade.max_redeliveries must not be negative")
	}
	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("retry.max_retries must not be negative")
	}
	if len(c.Retry.RetryableCodes) == 0 {
		return fmt.Errorf("retry.retryable_codes must name at least one error code")
	}
	for _, code := range c.Retry.RetryableCodes {
		if _, err := model.ParseErrorCode(code); err != nil {
			return fmt.Errorf("retry.retryable_codes: %w", err)
		}
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers required when kafka is enabled")
	}
	return nil
}
