package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Tradeflow TradeflowConfig `yaml:"tradeflow"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Adapter   AdapterConfig   `yaml:"adapter"`
	Exchanges ExchangesConfig `yaml:"exchanges"`
	Kafka     KafkaConfig     `yaml:"kafka"`
}

type TradeflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type MetricsConfig struct {
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

type AdapterConfig struct {
	PollInterval       time.Duration   `yaml:"poll_interval"`
	SnapshotRetryDelay time.Duration   `yaml:"snapshot_retry_delay"`
	PendingBuffer      int             `yaml:"pending_buffer"`
	Retry              RetryConfig     `yaml:"retry"`
	RateLimit          RateLimitConfig `yaml:"rate_limit"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Delay       time.Duration `yaml:"delay"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

type ExchangesConfig struct {
	Binance ExchangeConfig `yaml:"binance"`
	Kucoin  ExchangeConfig `yaml:"kucoin"`
	Bybit   ExchangeConfig `yaml:"bybit"`
}

type ExchangeConfig struct {
	Enabled   bool           `yaml:"enabled"`
	APIKey    string         `yaml:"api_key"`
	APISecret string         `yaml:"api_secret"`
	URL       string         `yaml:"url"`
	Markets   []MarketConfig `yaml:"markets"`
}

type MarketConfig struct {
	Base  string `yaml:"base"`
	Quote string `yaml:"quote"`
}

type KafkaConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

var envVarRegexp = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv substitutes ${VAR} placeholders with environment variable values.
// Unset variables expand to the empty string.
func expandEnv(data []byte) []byte {
	return envVarRegexp.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envVarRegexp.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}

func LoadConfig(path string) (*Config, error) {
	// Read configuration file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Adapter: AdapterConfig{
			PollInterval:       5 * time.Second,
			SnapshotRetryDelay: 5 * time.Second,
			PendingBuffer:      1024,
			Retry:              RetryConfig{MaxAttempts: 3, Delay: 500 * time.Millisecond},
			RateLimit:          RateLimitConfig{RequestsPerSecond: 10, BurstSize: 20},
		},
	}
	if err := yaml.Unmarshal(expandEnv(data), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override credentials from environment variables if available
	if v := os.Getenv("BINANCE_API_KEY"); v != "" {
		config.Exchanges.Binance.APIKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("BINANCE_API_SECRET"); v != "" {
		config.Exchanges.Binance.APISecret = strings.TrimSpace(v)
	}
	if v := os.Getenv("BYBIT_API_KEY"); v != "" {
		config.Exchanges.Bybit.APIKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("BYBIT_API_SECRET"); v != "" {
		config.Exchanges.Bybit.APISecret = strings.TrimSpace(v)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Tradeflow.Name == "" {
		return fmt.Errorf("tradeflow.name is required")
	}

	if cfg.Tradeflow.Version == "" {
		return fmt.Errorf("tradeflow.version is required")
	}

	if cfg.Adapter.PollInterval <= 0 {
		return fmt.Errorf("adapter.poll_interval must be greater than 0")
	}
	if cfg.Adapter.SnapshotRetryDelay <= 0 {
		return fmt.Errorf("adapter.snapshot_retry_delay must be greater than 0")
	}
	if cfg.Adapter.PendingBuffer <= 0 {
		return fmt.Errorf("adapter.pending_buffer must be greater than 0")
	}
	if cfg.Adapter.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("adapter.retry.max_attempts must be greater than 0")
	}
	if cfg.Adapter.Retry.Delay <= 0 {
		return fmt.Errorf("adapter.retry.delay must be greater than 0")
	}

	if cfg.Kafka.Enabled {
		if len(cfg.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka.brokers is required when kafka is enabled")
		}
		if cfg.Kafka.Topic == "" {
			return fmt.Errorf("kafka.topic is required when kafka is enabled")
		}
	}

	for _, ex := range []struct {
		name string
		cfg  ExchangeConfig
	}{
		{"binance", cfg.Exchanges.Binance},
		{"kucoin", cfg.Exchanges.Kucoin},
		{"bybit", cfg.Exchanges.Bybit},
	} {
		if !ex.cfg.Enabled {
			continue
		}
		for _, m := range ex.cfg.Markets {
			if m.Base == "" || m.Quote == "" {
				return fmt.Errorf("exchanges.%s.markets entries require base and quote", ex.name)
			}
		}
	}

	return nil
}
