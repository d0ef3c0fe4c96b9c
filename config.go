package pendleyield

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the library configuration, loadable from a YAML file with
// environment-variable overrides.
type Config struct {
	LogLevel    string            `mapstructure:"log_level"`
	Etherscan   EtherscanConfig   `mapstructure:"etherscan"`
	Pendle      PendleConfig      `mapstructure:"pendle"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Placeholder PlaceholderConfig `mapstructure:"placeholder"`
}

// EtherscanConfig configures the Etherscan log source. APIKey is required.
type EtherscanConfig struct {
	APIKey         string `mapstructure:"api_key" json:"-" yaml:"-"`
	BaseURL        string `mapstructure:"base_url"`
	ChainID        string `mapstructure:"chain_id"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	MaxRetries     int    `mapstructure:"max_retries"`
}

// PendleConfig configures the Pendle v2 API client and its request governor.
type PendleConfig struct {
	BaseURL               string `mapstructure:"base_url"`
	TimeoutSeconds        int    `mapstructure:"timeout_seconds"`
	MaxRetries            int    `mapstructure:"max_retries"`
	GovernorBudget        int    `mapstructure:"governor_budget"`
	GovernorWindowSeconds int    `mapstructure:"governor_window_seconds"`
}

// DatabaseConfig configures the Postgres cache store.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password" json:"-" yaml:"-"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// RedisConfig configures the optional snapshot hot cache. Enabled must be set
// for the client to connect.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password" json:"-" yaml:"-"`
	DB       int    `mapstructure:"db"`
	TTLHours int    `mapstructure:"ttl_hours"`
}

// PlaceholderConfig shapes the stand-in pool metadata used when a voted pool
// is missing from the Pendle API (delisted or expired).
type PlaceholderConfig struct {
	Name        string `mapstructure:"name"`
	Symbol      string `mapstructure:"symbol"`
	Protocol    string `mapstructure:"protocol"`
	AccentColor string `mapstructure:"accent_color"`
	// ExpiryOffsetDays is added to the current date to synthesize an expiry
	// for the placeholder pool.
	ExpiryOffsetDays int `mapstructure:"expiry_offset_days"`
}

// LoadConfig reads config.yaml (from ./configs or the working directory) and
// the environment. A missing config file is fine; defaults plus environment
// variables fully configure the library.
func LoadConfig() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")

	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Secrets come from the environment, never the config file.
	if err := v.BindEnv("etherscan.api_key", "ETHERSCAN_API_KEY"); err != nil {
		return nil, fmt.Errorf("failed to bind ETHERSCAN_API_KEY environment variable: %w", err)
	}
	if err := v.BindEnv("database.password", "DATABASE_PASSWORD"); err != nil {
		return nil, fmt.Errorf("failed to bind DATABASE_PASSWORD environment variable: %w", err)
	}
	if err := v.BindEnv("redis.password", "REDIS_PASSWORD"); err != nil {
		return nil, fmt.Errorf("failed to bind REDIS_PASSWORD environment variable: %w", err)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("etherscan.base_url", DefaultEtherscanBaseURL)
	v.SetDefault("etherscan.chain_id", DefaultChainID)
	v.SetDefault("etherscan.timeout_seconds", 30)
	v.SetDefault("etherscan.max_retries", DefaultMaxRetries)

	v.SetDefault("pendle.base_url", DefaultPendleBaseURL)
	v.SetDefault("pendle.timeout_seconds", 30)
	v.SetDefault("pendle.max_retries", DefaultMaxRetries)
	v.SetDefault("pendle.governor_budget", DefaultGovernorBudget)
	v.SetDefault("pendle.governor_window_seconds", 60)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.dbname", "pendle_yield")
	v.SetDefault("database.sslmode", "disable")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl_hours", 24)

	v.SetDefault("placeholder.name", "Unknown Pool")
	v.SetDefault("placeholder.symbol", "UNKNOWN")
	v.SetDefault("placeholder.protocol", "Unknown")
	v.SetDefault("placeholder.accent_color", "#A8A8A8")
	v.SetDefault("placeholder.expiry_offset_days", 365)
}
