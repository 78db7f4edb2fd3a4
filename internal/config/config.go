package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/cardpipe/internal/retry"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	envPrefix = "CARDPIPE"

	defaultLogLevel          = "info"
	defaultLogEncoding       = "json"
	defaultDatabaseDriver    = "sqlite"
	defaultDatabaseDSN       = "cardpipe.db"
	defaultChunksDir         = "data/chunks"
	defaultUpstreamBaseURL   = "https://api.pokemontcg.io/v2"
	defaultUpstreamRawURL    = "https://raw.githubusercontent.com/PokemonTCG/pokemon-tcg-data/master"
	defaultUpstreamTimeout   = 30 * time.Second
	defaultPageSize          = 100
	defaultPageSizeWithKey   = 250
	defaultRequestDelay      = time.Second
	defaultRequestDelayKey   = 250 * time.Millisecond
	defaultMaxAttempts       = 5
	defaultBackoff           = "exponential"
	defaultBaseDelay         = 2 * time.Second
	defaultMaxDelay          = time.Minute
	defaultCooldown          = time.Minute
	defaultCooldownWithKey   = 10 * time.Second
	defaultSaveInterval      = 5
	defaultRegulation        = "G"
	defaultSet               = "sv1"
	defaultImportBatchSize   = 100
	defaultHTTPAddress       = "127.0.0.1:8080"
	defaultMetricsPushJob    = "cardpipe"
	maxUpstreamPageSize      = 250
	supportedDriverSQLite    = "sqlite"
	supportedDriverPostgres  = "postgres"
	supportedEncodingJSON    = "json"
	supportedEncodingConsole = "console"
)

// AppConfig captures runtime configuration for every pipeline step.
type AppConfig struct {
	LogLevel    string
	LogEncoding string

	DatabaseDriver string
	DatabaseDSN    string
	ChunksDir      string

	UpstreamBaseURL             string
	UpstreamRawBaseURL          string
	UpstreamAPIKey              string
	UpstreamTimeout             time.Duration
	UpstreamPageSize            int
	UpstreamPageSizeWithKey     int
	UpstreamRequestDelay        time.Duration
	UpstreamRequestDelayWithKey time.Duration

	RetryMaxAttempts              int
	RetryBackoff                  retry.BackoffKind
	RetryBaseDelay                time.Duration
	RetryMaxDelay                 time.Duration
	RetryRateLimitCooldown        time.Duration
	RetryRateLimitCooldownWithKey time.Duration

	CrawlSaveInterval      int
	CrawlSkipFailedPages   bool
	CrawlDefaultRegulation string
	CrawlDefaultSet        string

	ImportBatchSize int
	HTTPAddress     string

	MetricsPushgatewayURL string
	MetricsPushJob        string
}

// FetchSettings are the values that depend on whether an API key is configured.
type FetchSettings struct {
	PageSize          int
	RequestDelay      time.Duration
	RateLimitCooldown time.Duration
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.encoding", defaultLogEncoding)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.dsn", defaultDatabaseDSN)
	configViper.SetDefault("chunks.dir", defaultChunksDir)
	configViper.SetDefault("upstream.base_url", defaultUpstreamBaseURL)
	configViper.SetDefault("upstream.raw_base_url", defaultUpstreamRawURL)
	configViper.SetDefault("upstream.api_key", "")
	configViper.SetDefault("upstream.timeout", defaultUpstreamTimeout)
	configViper.SetDefault("upstream.page_size", defaultPageSize)
	configViper.SetDefault("upstream.page_size_with_key", defaultPageSizeWithKey)
	configViper.SetDefault("upstream.request_delay", defaultRequestDelay)
	configViper.SetDefault("upstream.request_delay_with_key", defaultRequestDelayKey)
	configViper.SetDefault("retry.max_attempts", defaultMaxAttempts)
	configViper.SetDefault("retry.backoff", defaultBackoff)
	configViper.SetDefault("retry.base_delay", defaultBaseDelay)
	configViper.SetDefault("retry.max_delay", defaultMaxDelay)
	configViper.SetDefault("retry.rate_limit_cooldown", defaultCooldown)
	configViper.SetDefault("retry.rate_limit_cooldown_with_key", defaultCooldownWithKey)
	configViper.SetDefault("crawl.save_interval", defaultSaveInterval)
	configViper.SetDefault("crawl.skip_failed_pages", false)
	configViper.SetDefault("crawl.default_regulation", defaultRegulation)
	configViper.SetDefault("crawl.default_set", defaultSet)
	configViper.SetDefault("import.batch_size", defaultImportBatchSize)
	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("metrics.pushgateway_url", "")
	configViper.SetDefault("metrics.push_job", defaultMetricsPushJob)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	backoff, err := retry.ParseBackoffKind(configViper.GetString("retry.backoff"))
	if err != nil {
		return AppConfig{}, fmt.Errorf("retry.backoff: %w", err)
	}

	cfg := AppConfig{
		LogLevel:    configViper.GetString("log.level"),
		LogEncoding: strings.ToLower(strings.TrimSpace(configViper.GetString("log.encoding"))),

		DatabaseDriver: strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabaseDSN:    configViper.GetString("database.dsn"),
		ChunksDir:      configViper.GetString("chunks.dir"),

		UpstreamBaseURL:             configViper.GetString("upstream.base_url"),
		UpstreamRawBaseURL:          configViper.GetString("upstream.raw_base_url"),
		UpstreamAPIKey:              strings.TrimSpace(configViper.GetString("upstream.api_key")),
		UpstreamTimeout:             configViper.GetDuration("upstream.timeout"),
		UpstreamPageSize:            configViper.GetInt("upstream.page_size"),
		UpstreamPageSizeWithKey:     configViper.GetInt("upstream.page_size_with_key"),
		UpstreamRequestDelay:        configViper.GetDuration("upstream.request_delay"),
		UpstreamRequestDelayWithKey: configViper.GetDuration("upstream.request_delay_with_key"),

		RetryMaxAttempts:              configViper.GetInt("retry.max_attempts"),
		RetryBackoff:                  backoff,
		RetryBaseDelay:                configViper.GetDuration("retry.base_delay"),
		RetryMaxDelay:                 configViper.GetDuration("retry.max_delay"),
		RetryRateLimitCooldown:        configViper.GetDuration("retry.rate_limit_cooldown"),
		RetryRateLimitCooldownWithKey: configViper.GetDuration("retry.rate_limit_cooldown_with_key"),

		CrawlSaveInterval:      configViper.GetInt("crawl.save_interval"),
		CrawlSkipFailedPages:   configViper.GetBool("crawl.skip_failed_pages"),
		CrawlDefaultRegulation: strings.TrimSpace(configViper.GetString("crawl.default_regulation")),
		CrawlDefaultSet:        strings.TrimSpace(configViper.GetString("crawl.default_set")),

		ImportBatchSize: configViper.GetInt("import.batch_size"),
		HTTPAddress:     configViper.GetString("http.address"),

		MetricsPushgatewayURL: strings.TrimSpace(configViper.GetString("metrics.pushgateway_url")),
		MetricsPushJob:        strings.TrimSpace(configViper.GetString("metrics.push_job")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// HasAPIKey reports whether an upstream API key is configured.
func (c AppConfig) HasAPIKey() bool {
	return c.UpstreamAPIKey != ""
}

// Fetch derives the key-dependent page size, inter-request delay and rate
// limit cooldown.
func (c AppConfig) Fetch() FetchSettings {
	if c.HasAPIKey() {
		return FetchSettings{
			PageSize:          c.UpstreamPageSizeWithKey,
			RequestDelay:      c.UpstreamRequestDelayWithKey,
			RateLimitCooldown: c.RetryRateLimitCooldownWithKey,
		}
	}
	return FetchSettings{
		PageSize:          c.UpstreamPageSize,
		RequestDelay:      c.UpstreamRequestDelay,
		RateLimitCooldown: c.RetryRateLimitCooldown,
	}
}

// RetryStrategy builds the upstream retry strategy.
func (c AppConfig) RetryStrategy(logger *zap.Logger) retry.Strategy {
	return retry.Strategy{
		MaxAttempts:       c.RetryMaxAttempts,
		Backoff:           c.RetryBackoff,
		BaseDelay:         c.RetryBaseDelay,
		MaxDelay:          c.RetryMaxDelay,
		RateLimitCooldown: c.Fetch().RateLimitCooldown,
		Logger:            logger,
	}
}

func (c AppConfig) validate() error {
	switch c.DatabaseDriver {
	case supportedDriverSQLite, supportedDriverPostgres:
	default:
		return fmt.Errorf("database.driver must be %q or %q, got %q", supportedDriverSQLite, supportedDriverPostgres, c.DatabaseDriver)
	}
	if strings.TrimSpace(c.DatabaseDSN) == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if strings.TrimSpace(c.ChunksDir) == "" {
		return fmt.Errorf("chunks.dir is required")
	}
	switch c.LogEncoding {
	case supportedEncodingJSON, supportedEncodingConsole:
	default:
		return fmt.Errorf("log.encoding must be %q or %q, got %q", supportedEncodingJSON, supportedEncodingConsole, c.LogEncoding)
	}
	if strings.TrimSpace(c.UpstreamBaseURL) == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	if strings.TrimSpace(c.UpstreamRawBaseURL) == "" {
		return fmt.Errorf("upstream.raw_base_url is required")
	}
	if c.UpstreamTimeout <= 0 {
		return fmt.Errorf("upstream.timeout must be positive")
	}
	for key, size := range map[string]int{
		"upstream.page_size":          c.UpstreamPageSize,
		"upstream.page_size_with_key": c.UpstreamPageSizeWithKey,
	} {
		if size < 1 || size > maxUpstreamPageSize {
			return fmt.Errorf("%s must be between 1 and %d, got %d", key, maxUpstreamPageSize, size)
		}
	}
	if c.UpstreamRequestDelay < 0 || c.UpstreamRequestDelayWithKey < 0 {
		return fmt.Errorf("upstream request delays must not be negative")
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1")
	}
	if c.RetryBaseDelay < 0 || c.RetryMaxDelay < 0 || c.RetryRateLimitCooldown < 0 || c.RetryRateLimitCooldownWithKey < 0 {
		return fmt.Errorf("retry delays must not be negative")
	}
	if c.CrawlSaveInterval < 1 {
		return fmt.Errorf("crawl.save_interval must be at least 1")
	}
	if c.ImportBatchSize < 1 {
		return fmt.Errorf("import.batch_size must be at least 1")
	}
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	if c.MetricsPushgatewayURL != "" && c.MetricsPushJob == "" {
		return fmt.Errorf("metrics.push_job is required when metrics.pushgateway_url is set")
	}
	return nil
}
