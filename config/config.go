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
	Arbiflow   ArbiflowConfig          `yaml:"arbiflow"`
	Connection ConnectionConfig        `yaml:"connection"`
	Channels   ChannelsConfig          `yaml:"channels"`
	Venues     map[string]VenueConfig  `yaml:"venues"`
	Arbitrage  ArbitrageConfig         `yaml:"arbitrage"`
	Storage    StorageConfig           `yaml:"storage"`
	Logging    LoggingConfig           `yaml:"logging"`
}

type ArbiflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// ConnectionConfig is the shared policy applied by the registry to every
// managed connection it creates.
type ConnectionConfig struct {
	DialTimeout       time.Duration `yaml:"dial_timeout"`
	SendTimeout       time.Duration `yaml:"send_timeout"`
	ShutdownGrace     time.Duration `yaml:"shutdown_grace"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	IdleThreshold     time.Duration `yaml:"idle_threshold"`
	Backoff           BackoffConfig `yaml:"backoff"`
	Breaker           BreakerConfig `yaml:"breaker"`
}

type BackoffConfig struct {
	MinDelay time.Duration `yaml:"min_delay"`
	MaxDelay time.Duration `yaml:"max_delay"`
	Factor   float64       `yaml:"factor"`
	Jitter   bool          `yaml:"jitter"`
}

type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

type ChannelsConfig struct {
	BookBuffer        int `yaml:"book_buffer"`
	OpportunityBuffer int `yaml:"opportunity_buffer"`
}

// VenueConfig carries one exchange's endpoints and credentials. Credential
// values support ${ENV_VAR} expansion so secrets stay out of the YAML file.
type VenueConfig struct {
	Enabled       bool          `yaml:"enabled"`
	WsURL         string        `yaml:"ws_url"`
	RestURL       string        `yaml:"rest_url"`
	APIKey        string        `yaml:"api_key"`
	APISecret     string        `yaml:"api_secret"`
	APIPassphrase string        `yaml:"api_passphrase"`
	RateLimit     RateLimit     `yaml:"rate_limit"`
	DefaultFees   FeeRates      `yaml:"default_fees"`
	BookDepth     int           `yaml:"book_depth"`
	RestTimeout   time.Duration `yaml:"rest_timeout"`
}

type RateLimit struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

type FeeRates struct {
	Maker float64 `yaml:"maker"`
	Taker float64 `yaml:"taker"`
}

type ArbitrageConfig struct {
	EnabledVenues []string      `yaml:"enabled_venues"`
	Pairs         []string      `yaml:"pairs"`
	ScanInterval  time.Duration `yaml:"scan_interval"`
	RiskProfile   RiskProfile   `yaml:"risk_profile"`
}

// RiskProfile bounds what the detection engine will consider tradable.
type RiskProfile struct {
	MinProfitThresholdPercent float64 `yaml:"min_profit_threshold_percent"`
	MaxTradeAmount            float64 `yaml:"max_trade_amount"`
	TickerBookConfidence      float64 `yaml:"ticker_book_confidence"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool          `yaml:"enabled"`
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Prefix          string        `yaml:"prefix"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	BatchSize       int           `yaml:"batch_size"`
}

type LoggingConfig struct {
	Level         string `yaml:"level"`
	Format        string `yaml:"format"`
	Output        string `yaml:"output"`
	MaxAge        int    `yaml:"max_age"`
	DashboardName string `yaml:"dashboard_name"`
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${VAR} references with environment values, leaving
// unresolved references empty so missing credentials read as absent.
func expandEnv(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(m string) string {
		name := envVarPattern.FindStringSubmatch(m)[1]
		return os.Getenv(name)
	})
}

func LoadConfig(path string) (*Config, error) {
	// Read configuration file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&config)

	for id, vc := range config.Venues {
		vc.APIKey = strings.TrimSpace(expandEnv(vc.APIKey))
		vc.APISecret = strings.TrimSpace(expandEnv(vc.APISecret))
		vc.APIPassphrase = strings.TrimSpace(expandEnv(vc.APIPassphrase))
		config.Venues[id] = vc
	}

	// Override S3 settings from environment variables if available
	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyDefaults(cfg *Config) {
	cc := &cfg.Connection
	if cc.DialTimeout <= 0 {
		cc.DialTimeout = 10 * time.Second
	}
	if cc.SendTimeout <= 0 {
		cc.SendTimeout = 5 * time.Second
	}
	if cc.ShutdownGrace <= 0 {
		cc.ShutdownGrace = 2 * time.Second
	}
	if cc.HeartbeatInterval <= 0 {
		cc.HeartbeatInterval = 20 * time.Second
	}
	if cc.IdleThreshold <= 0 {
		cc.IdleThreshold = time.Minute
	}
	if cc.Backoff.MinDelay <= 0 {
		cc.Backoff.MinDelay = 500 * time.Millisecond
	}
	if cc.Backoff.MaxDelay <= 0 {
		cc.Backoff.MaxDelay = 30 * time.Second
	}
	if cc.Backoff.Factor <= 1 {
		cc.Backoff.Factor = 2
	}
	if cc.Breaker.FailureThreshold <= 0 {
		cc.Breaker.FailureThreshold = 5
	}
	if cc.Breaker.Cooldown <= 0 {
		cc.Breaker.Cooldown = time.Minute
	}

	if cfg.Channels.BookBuffer <= 0 {
		cfg.Channels.BookBuffer = 256
	}
	if cfg.Channels.OpportunityBuffer <= 0 {
		cfg.Channels.OpportunityBuffer = 64
	}

	if cfg.Arbitrage.ScanInterval <= 0 {
		cfg.Arbitrage.ScanInterval = 5 * time.Second
	}
	if cfg.Arbitrage.RiskProfile.TickerBookConfidence <= 0 {
		cfg.Arbitrage.RiskProfile.TickerBookConfidence = 0.5
	}

	for id, vc := range cfg.Venues {
		if vc.BookDepth <= 0 {
			vc.BookDepth = 100
		}
		if vc.RestTimeout <= 0 {
			vc.RestTimeout = 10 * time.Second
		}
		if vc.RateLimit.RequestsPerSecond <= 0 {
			vc.RateLimit.RequestsPerSecond = 5
		}
		if vc.RateLimit.BurstSize <= 0 {
			vc.RateLimit.BurstSize = 10
		}
		if vc.DefaultFees.Taker <= 0 {
			vc.DefaultFees.Taker = 0.001
		}
		if vc.DefaultFees.Maker <= 0 {
			vc.DefaultFees.Maker = 0.001
		}
		cfg.Venues[id] = vc
	}

	if cfg.Storage.S3.FlushInterval <= 0 {
		cfg.Storage.S3.FlushInterval = time.Minute
	}
	if cfg.Storage.S3.BatchSize <= 0 {
		cfg.Storage.S3.BatchSize = 500
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Arbiflow.Name == "" {
		return fmt.Errorf("arbiflow.name is required")
	}

	if cfg.Arbiflow.Version == "" {
		return fmt.Errorf("arbiflow.version is required")
	}

	if len(cfg.Venues) == 0 {
		return fmt.Errorf("at least one venue must be configured")
	}

	productionLike := IsProductionLike(AppEnvironment())

	for id, vc := range cfg.Venues {
		if !vc.Enabled {
			continue
		}
		if vc.WsURL == "" {
			return fmt.Errorf("venues.%s.ws_url is required", id)
		}
		if productionLike && vc.APIKey == "" {
			return fmt.Errorf("venues.%s.api_key is required in %s environments", id, AppEnvironment())
		}
	}

	for _, id := range cfg.Arbitrage.EnabledVenues {
		if _, ok := cfg.Venues[id]; !ok {
			return fmt.Errorf("arbitrage.enabled_venues references unknown venue '%s'", id)
		}
	}

	if cfg.Arbitrage.RiskProfile.MaxTradeAmount < 0 {
		return fmt.Errorf("arbitrage.risk_profile.max_trade_amount must not be negative")
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
