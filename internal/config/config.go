package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Queue     QueueConfig     `yaml:"queue" mapstructure:"queue"`
	Worker    WorkerConfig    `yaml:"worker" mapstructure:"worker"`
	Usage     UsageConfig     `yaml:"usage" mapstructure:"usage"`
	HTTP      HTTPConfig      `yaml:"http" mapstructure:"http"`
	Places    PlacesConfig    `yaml:"places" mapstructure:"places"`
	PSI       PSIConfig       `yaml:"psi" mapstructure:"psi"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Browser   BrowserConfig   `yaml:"browser" mapstructure:"browser"`
	Benchmark BenchmarkConfig `yaml:"benchmark" mapstructure:"benchmark"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// QueueConfig selects and tunes the job queue backend.
type QueueConfig struct {
	Driver         string `yaml:"driver" mapstructure:"driver"`
	RedisURL       string `yaml:"redis_url" mapstructure:"redis_url"`
	MaxAttempts    int    `yaml:"max_attempts" mapstructure:"max_attempts"`
	PollIntervalMs int    `yaml:"poll_interval_ms" mapstructure:"poll_interval_ms"`
	StaleAfterSecs int    `yaml:"stale_after_secs" mapstructure:"stale_after_secs"`
}

// WorkerConfig configures the job worker pool.
type WorkerConfig struct {
	Concurrency int `yaml:"concurrency" mapstructure:"concurrency"`
}

// UsageConfig holds the per-metric daily caps.
type UsageConfig struct {
	Limits map[string]int `yaml:"limits" mapstructure:"limits"`
}

// HTTPConfig tunes the shared outbound HTTP client.
type HTTPConfig struct {
	RateLimitRPS float64 `yaml:"rate_limit_rps" mapstructure:"rate_limit_rps"`
	MaxAttempts  int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	TimeoutSecs  int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	UserAgent    string  `yaml:"user_agent" mapstructure:"user_agent"`
	CurlPath     string  `yaml:"curl_path" mapstructure:"curl_path"`
}

// PlacesConfig holds Google Places API settings.
type PlacesConfig struct {
	Key          string  `yaml:"key" mapstructure:"key"`
	BaseURL      string  `yaml:"base_url" mapstructure:"base_url"`
	RegionCode   string  `yaml:"region_code" mapstructure:"region_code"`
	LanguageCode string  `yaml:"language_code" mapstructure:"language_code"`
	RateLimitRPS float64 `yaml:"rate_limit_rps" mapstructure:"rate_limit_rps"`
	MaxPages     int     `yaml:"max_pages" mapstructure:"max_pages"`
}

// PSIConfig holds PageSpeed Insights settings.
type PSIConfig struct {
	Key         string  `yaml:"key" mapstructure:"key"`
	BaseURL     string  `yaml:"base_url" mapstructure:"base_url"`
	CacheDays   int     `yaml:"cache_days" mapstructure:"cache_days"`
	Concurrency int     `yaml:"concurrency" mapstructure:"concurrency"`
	RateLimit   float64 `yaml:"rate_limit_rps" mapstructure:"rate_limit_rps"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// BrowserConfig configures headless Chrome captures.
type BrowserConfig struct {
	EvidenceDir    string `yaml:"evidence_dir" mapstructure:"evidence_dir"`
	FastMode       bool   `yaml:"fast_mode" mapstructure:"fast_mode"`
	NavTimeoutSecs int    `yaml:"nav_timeout_secs" mapstructure:"nav_timeout_secs"`
	ExecPath       string `yaml:"exec_path" mapstructure:"exec_path"`
}

// BenchmarkConfig configures the competitor benchmark.
type BenchmarkConfig struct {
	RadiusKM float64 `yaml:"radius_km" mapstructure:"radius_km"`
}

// ServerConfig configures the operator API.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("LEADGEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.sqlite_path", "leadgen.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("queue.driver", "postgres")
	v.SetDefault("queue.redis_url", "redis://localhost:6379/0")
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.poll_interval_ms", 1000)
	v.SetDefault("queue.stale_after_secs", 900)
	v.SetDefault("worker.concurrency", 5)
	v.SetDefault("usage.limits.discover_places", 500)
	v.SetDefault("usage.limits.psi_audit", 100)
	v.SetDefault("usage.limits.llm_verdict", 50)
	v.SetDefault("usage.limits.capture_screenshot", 50)
	v.SetDefault("http.rate_limit_rps", 5)
	v.SetDefault("http.max_attempts", 3)
	v.SetDefault("http.timeout_secs", 10)
	v.SetDefault("http.user_agent", "Mozilla/5.0 (compatible; LeadGenBot/1.0)")
	v.SetDefault("http.curl_path", "curl")
	v.SetDefault("places.base_url", "https://places.googleapis.com/v1")
	v.SetDefault("places.region_code", "MY")
	v.SetDefault("places.language_code", "en")
	v.SetDefault("places.rate_limit_rps", 5)
	v.SetDefault("places.max_pages", 3)
	v.SetDefault("psi.base_url", "https://www.googleapis.com/pagespeedonline/v5")
	v.SetDefault("psi.cache_days", 14)
	v.SetDefault("psi.concurrency", 2)
	v.SetDefault("psi.rate_limit_rps", 1)
	v.SetDefault("psi.timeout_secs", 90)
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("browser.evidence_dir", "evidence")
	v.SetDefault("browser.fast_mode", false)
	v.SetDefault("browser.nav_timeout_secs", 30)
	v.SetDefault("benchmark.radius_km", 2.0)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the configuration for values that would make the
// pipeline misbehave at runtime.
func (c *Config) Validate() error {
	var errs []string

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for the postgres driver")
		}
	case "sqlite":
		if c.Store.SQLitePath == "" {
			errs = append(errs, "store.sqlite_path is required for the sqlite driver")
		}
	default:
		errs = append(errs, "store.driver must be postgres or sqlite, got "+c.Store.Driver)
	}

	switch c.Queue.Driver {
	case "postgres":
		if c.Store.Driver != "postgres" {
			errs = append(errs, "queue.driver postgres requires store.driver postgres")
		}
	case "redis", "memory":
	default:
		errs = append(errs, "queue.driver must be postgres, redis or memory, got "+c.Queue.Driver)
	}

	if c.Worker.Concurrency < 1 {
		errs = append(errs, "worker.concurrency must be at least 1")
	}
	if c.HTTP.RateLimitRPS <= 0 {
		errs = append(errs, "http.rate_limit_rps must be positive")
	}
	if c.PSI.CacheDays < 0 {
		errs = append(errs, "psi.cache_days must not be negative")
	}
	if c.Benchmark.RadiusKM <= 0 {
		errs = append(errs, "benchmark.radius_km must be positive")
	}
	for metric, limit := range c.Usage.Limits {
		if limit < 0 {
			errs = append(errs, "usage.limits."+metric+" must not be negative")
		}
	}

	if len(errs) > 0 {
		return eris.Errorf("config: invalid: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
