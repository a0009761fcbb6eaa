package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Default endpoints for the live trading API. Every one of them can be
// overridden from the configuration file, which is how the test suite points
// sessions at local servers.
const (
	DefaultBaseURL        = "https://api.dhan.co/v2"
	DefaultMarketFeedURL  = "wss://api-feed.dhan.co"
	DefaultDepthFeedURL   = "wss://depth-api-feed.dhan.co/twentydepth"
	DefaultOrderFeedURL   = "wss://api-order-update.dhan.co"
	DefaultScripMasterURL = "https://images.dhan.co/api-data/api-scrip-master.csv"
)

type Config struct {
	Dhanflow    AppConfig         `yaml:"dhanflow"`
	API         APIConfig         `yaml:"api"`
	Feed        FeedConfig        `yaml:"feed"`
	Instruments InstrumentsConfig `yaml:"instruments"`
	Tracker     TrackerConfig     `yaml:"tracker"`
	RateLimits  RateLimitsConfig  `yaml:"rate_limits"`
	Channels    ChannelsConfig    `yaml:"channels"`
	Recorder    RecorderConfig    `yaml:"recorder"`
	Storage     StorageConfig     `yaml:"storage"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Dashboard   DashboardConfig   `yaml:"dashboard"`
	Logging     LoggingConfig     `yaml:"logging"`
}

type AppConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type APIConfig struct {
	BaseURL        string `yaml:"base_url"`
	ClientID       string `yaml:"client_id"`
	AccessToken    string `yaml:"access_token"`
	PartnerID      string `yaml:"partner_id"`
	PartnerSecret  string `yaml:"partner_secret"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// Partner reports whether the partner credential pair is configured.
func (a APIConfig) Partner() bool {
	return a.PartnerID != "" && a.PartnerSecret != ""
}

type FeedConfig struct {
	Market                  FeedChannelConfig `yaml:"market"`
	Depth                   FeedChannelConfig `yaml:"depth"`
	Orders                  FeedChannelConfig `yaml:"orders"`
	HandshakeTimeoutSeconds int               `yaml:"handshake_timeout_seconds"`
	PingIntervalSeconds     int               `yaml:"ping_interval_seconds"`
	WriteTimeoutSeconds     int               `yaml:"write_timeout_seconds"`
	AuthFailureLimit        int               `yaml:"auth_failure_limit"`
	Backoff                 BackoffConfig     `yaml:"backoff"`
}

type FeedChannelConfig struct {
	Enabled       bool     `yaml:"enabled"`
	URL           string   `yaml:"url"`
	Mode          string   `yaml:"mode"`
	Subscriptions []string `yaml:"subscriptions"`
}

type BackoffConfig struct {
	BaseDelayMs    int `yaml:"base_delay_ms"`
	MaxDelayMs     int `yaml:"max_delay_ms"`
	JitterPercent  int `yaml:"jitter_percent"`
	CooloffSeconds int `yaml:"cooloff_seconds"`
}

type InstrumentsConfig struct {
	MasterURL       string          `yaml:"master_url"`
	CacheDir        string          `yaml:"cache_dir"`
	CacheTTLMinutes int             `yaml:"cache_ttl_minutes"`
	RateLimit       RateLimitConfig `yaml:"rate_limit"`
	Segments        []string        `yaml:"segments"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

type TrackerConfig struct {
	MaxTrackedOrders     int `yaml:"max_tracked_orders"`
	MaxAgeMinutes        int `yaml:"max_age_minutes"`
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
}

type RateLimitsConfig struct {
	Order      TierLimitConfig `yaml:"order"`
	Data       TierLimitConfig `yaml:"data"`
	NonTrading TierLimitConfig `yaml:"non_trading"`
}

type TierLimitConfig struct {
	PerSecond int `yaml:"per_second"`
	PerMinute int `yaml:"per_minute"`
	PerHour   int `yaml:"per_hour"`
	PerDay    int `yaml:"per_day"`
}

type ChannelsConfig struct {
	EventBuffer int `yaml:"event_buffer"`
}

type RecorderConfig struct {
	Enabled              bool   `yaml:"enabled"`
	MaxWorkers           int    `yaml:"max_workers"`
	BatchSize            int    `yaml:"batch_size"`
	FlushIntervalSeconds int    `yaml:"flush_interval_seconds"`
	Compression          string `yaml:"compression"`
	DataDir              string `yaml:"data_dir"`
}

type StorageConfig struct {
	S3 S3Config `yaml:"s3"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type MetricsConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Listen      string `yaml:"listen"`
	ChannelSize bool   `yaml:"channel_size"`
}

type DashboardConfig struct {
	Enabled                 bool   `yaml:"enabled"`
	Listen                  string `yaml:"listen"`
	MetricsHistory          int    `yaml:"metrics_history"`
	LogsHistory             int    `yaml:"logs_history"`
	ResourceIntervalSeconds int    `yaml:"resource_interval_seconds"`
	DiskPath                string `yaml:"disk_path"`
}

type LoggingConfig struct {
	Level                 string                 `yaml:"level"`
	Format                string                 `yaml:"format"`
	Output                string                 `yaml:"output"`
	MaxAge                int                    `yaml:"max_age"`
	Fields                map[string]interface{} `yaml:"fields"`
	ReportIntervalSeconds int                    `yaml:"report_interval_seconds"`
	CloudWatch            CloudWatchConfig       `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

// defaultConfig seeds every tunable with a production-shaped value before the
// yaml overlay is applied, so a minimal file stays valid.
func defaultConfig() Config {
	return Config{
		API: APIConfig{
			BaseURL:        DefaultBaseURL,
			TimeoutSeconds: 10,
		},
		Feed: FeedConfig{
			Market: FeedChannelConfig{Enabled: true, URL: DefaultMarketFeedURL, Mode: "quote"},
			Depth:  FeedChannelConfig{Enabled: false, URL: DefaultDepthFeedURL},
			Orders: FeedChannelConfig{Enabled: true, URL: DefaultOrderFeedURL},

			HandshakeTimeoutSeconds: 30,
			PingIntervalSeconds:     10,
			WriteTimeoutSeconds:     10,
			Backoff: BackoffConfig{
				BaseDelayMs:    2000,
				MaxDelayMs:     90000,
				JitterPercent:  20,
				CooloffSeconds: 60,
			},
		},
		Instruments: InstrumentsConfig{
			MasterURL:       DefaultScripMasterURL,
			CacheTTLMinutes: 1440,
			RateLimit:       RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1},
		},
		Tracker: TrackerConfig{
			MaxTrackedOrders:     10000,
			MaxAgeMinutes:        1440,
			SweepIntervalSeconds: 60,
		},
		RateLimits: RateLimitsConfig{
			Order:      TierLimitConfig{PerSecond: 25, PerMinute: 250, PerHour: 1000, PerDay: 7000},
			Data:       TierLimitConfig{PerSecond: 10, PerMinute: 1000, PerHour: 5000, PerDay: 100000},
			NonTrading: TierLimitConfig{PerSecond: 20, PerMinute: 500, PerHour: 2000, PerDay: 10000},
		},
		Channels: ChannelsConfig{EventBuffer: 10000},
		Recorder: RecorderConfig{
			MaxWorkers:           2,
			BatchSize:            5000,
			FlushIntervalSeconds: 60,
			Compression:          "snappy",
		},
		Dashboard: DashboardConfig{
			Listen:                  ":8080",
			MetricsHistory:          200,
			LogsHistory:             200,
			ResourceIntervalSeconds: 5,
			DiskPath:                "/",
		},
		Metrics: MetricsConfig{Listen: ":2112", ChannelSize: true},
		Logging: LoggingConfig{
			Level:                 "info",
			Format:                "json",
			Output:                "stdout",
			ReportIntervalSeconds: 30,
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := defaultConfig()
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Credentials come from the environment when present so tokens stay out
	// of committed config files.
	if v := os.Getenv("DHAN_CLIENT_ID"); v != "" {
		config.API.ClientID = strings.TrimSpace(v)
	}
	if v := os.Getenv("DHAN_ACCESS_TOKEN"); v != "" {
		config.API.AccessToken = strings.TrimSpace(v)
	}
	if v := os.Getenv("DHAN_PARTNER_ID"); v != "" {
		config.API.PartnerID = strings.TrimSpace(v)
	}
	if v := os.Getenv("DHAN_PARTNER_SECRET"); v != "" {
		config.API.PartnerSecret = strings.TrimSpace(v)
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

func validateConfig(cfg *Config) error {
	if cfg.Dhanflow.Name == "" {
		return fmt.Errorf("dhanflow.name is required")
	}

	if cfg.Dhanflow.Version == "" {
		return fmt.Errorf("dhanflow.version is required")
	}

	selfCreds := cfg.API.ClientID != "" && cfg.API.AccessToken != ""
	if !selfCreds && !cfg.API.Partner() {
		return fmt.Errorf("api credentials are required: set client_id + access_token or partner_id + partner_secret")
	}

	switch cfg.Feed.Market.Mode {
	case "ticker", "quote", "full":
	default:
		return fmt.Errorf("feed.market.mode '%s' is invalid (ticker, quote or full)", cfg.Feed.Market.Mode)
	}

	for name, ch := range map[string]FeedChannelConfig{
		"feed.market": cfg.Feed.Market,
		"feed.depth":  cfg.Feed.Depth,
		"feed.orders": cfg.Feed.Orders,
	} {
		if ch.Enabled && ch.URL == "" {
			return fmt.Errorf("%s.url is required when the channel is enabled", name)
		}
	}

	if cfg.Feed.HandshakeTimeoutSeconds <= 0 {
		return fmt.Errorf("feed.handshake_timeout_seconds must be greater than 0")
	}

	if cfg.Feed.Backoff.BaseDelayMs <= 0 || cfg.Feed.Backoff.MaxDelayMs < cfg.Feed.Backoff.BaseDelayMs {
		return fmt.Errorf("feed.backoff delays are invalid: base %dms, max %dms", cfg.Feed.Backoff.BaseDelayMs, cfg.Feed.Backoff.MaxDelayMs)
	}

	if cfg.Feed.Backoff.JitterPercent < 0 || cfg.Feed.Backoff.JitterPercent > 100 {
		return fmt.Errorf("feed.backoff.jitter_percent must be between 0 and 100")
	}

	if cfg.Feed.Backoff.CooloffSeconds <= 0 {
		return fmt.Errorf("feed.backoff.cooloff_seconds must be greater than 0")
	}

	if cfg.Instruments.MasterURL == "" {
		return fmt.Errorf("instruments.master_url is required")
	}

	if cfg.Instruments.RateLimit.RequestsPerSecond <= 0 {
		return fmt.Errorf("instruments.rate_limit.requests_per_second must be greater than 0")
	}

	if cfg.Channels.EventBuffer <= 0 {
		return fmt.Errorf("channels.event_buffer must be greater than 0")
	}

	if cfg.Tracker.MaxTrackedOrders <= 0 {
		return fmt.Errorf("tracker.max_tracked_orders must be greater than 0")
	}
	if cfg.Tracker.MaxAgeMinutes <= 0 {
		return fmt.Errorf("tracker.max_age_minutes must be greater than 0")
	}
	if cfg.Tracker.SweepIntervalSeconds <= 0 {
		return fmt.Errorf("tracker.sweep_interval_seconds must be greater than 0")
	}

	for tier, limits := range map[string]TierLimitConfig{
		"order":       cfg.RateLimits.Order,
		"data":        cfg.RateLimits.Data,
		"non_trading": cfg.RateLimits.NonTrading,
	} {
		if limits.PerSecond <= 0 || limits.PerMinute <= 0 || limits.PerHour <= 0 || limits.PerDay <= 0 {
			return fmt.Errorf("rate_limits.%s windows must all be greater than 0", tier)
		}
	}

	if cfg.Recorder.Enabled {
		if cfg.Recorder.MaxWorkers <= 0 {
			return fmt.Errorf("recorder.max_workers must be greater than 0")
		}
		if cfg.Recorder.BatchSize <= 0 {
			return fmt.Errorf("recorder.batch_size must be greater than 0")
		}
		if cfg.Recorder.FlushIntervalSeconds <= 0 {
			return fmt.Errorf("recorder.flush_interval_seconds must be greater than 0")
		}
		switch cfg.Recorder.Compression {
		case "snappy", "gzip", "none":
		default:
			return fmt.Errorf("recorder.compression '%s' is invalid", cfg.Recorder.Compression)
		}
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if cfg.Storage.S3.AccessKeyID == "" || cfg.Storage.S3.SecretAccessKey == "" {
			return fmt.Errorf("storage.s3.access_key_id and storage.s3.secret_access_key are required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen is required when metrics are enabled")
	}

	if cfg.Dashboard.Enabled && cfg.Dashboard.Listen == "" {
		return fmt.Errorf("dashboard.listen is required when the dashboard is enabled")
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
