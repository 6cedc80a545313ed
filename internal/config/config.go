// Package config loads and validates crawler configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/news-crawler/internal/extractor"
	"github.com/JakeFAU/news-crawler/internal/logging"
	"github.com/JakeFAU/news-crawler/internal/sources"
	"github.com/JakeFAU/news-crawler/internal/storage/postgres"
)

// Backend names accepted by crawler.backend.
const (
	BackendChromedp = "chromedp"
	BackendColly    = "colly"
	BackendHybrid   = "hybrid"
)

// Archive backends accepted by archive.backend.
const (
	ArchiveNone   = "none"
	ArchiveLocal  = "local"
	ArchiveGCS    = "gcs"
	ArchiveMemory = "memory"
)

// Config captures every knob of a crawl run.
type Config struct {
	Logging     logging.Config    `mapstructure:"logging"`
	Server      ServerConfig      `mapstructure:"server"`
	Crawler     CrawlerConfig     `mapstructure:"crawler"`
	Frontier    FrontierConfig    `mapstructure:"frontier"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
	Retry       RetryConfig       `mapstructure:"retry"`
	Browser     BrowserConfig     `mapstructure:"browser"`
	Fingerprint FingerprintConfig `mapstructure:"fingerprint"`
	Quality     QualityConfig     `mapstructure:"quality"`
	State       StateConfig       `mapstructure:"state"`
	Output      OutputConfig      `mapstructure:"output"`
	Archive     ArchiveConfig     `mapstructure:"archive"`
	Postgres    PostgresConfig    `mapstructure:"postgres"`
	PubSub      PubSubConfig      `mapstructure:"pubsub"`
	// Categories and Sites are lists so domain names are never split on
	// their dots by the key delimiter.
	Categories []sources.Category `mapstructure:"categories"`
	Sites      []SiteConfig       `mapstructure:"sites"`
}

// ServerConfig controls the status API.
type ServerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// CrawlerConfig governs the orchestrator.
type CrawlerConfig struct {
	Workers   int    `mapstructure:"workers"`
	Backend   string `mapstructure:"backend"`
	UserAgent string `mapstructure:"user_agent"`
	// MaxRPS caps navigations per second across all domains. Zero disables.
	MaxRPS       float64       `mapstructure:"max_rps"`
	SaveEvery    int           `mapstructure:"save_every"`
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`
	// MaxLinksPerListing bounds how many discovered links one listing
	// page may enqueue. Zero means unlimited.
	MaxLinksPerListing int `mapstructure:"max_links_per_listing"`
}

// FrontierConfig controls admission into the queue.
type FrontierConfig struct {
	MaxDomainShare  float64 `mapstructure:"max_domain_share"`
	ShareWarmup     int     `mapstructure:"share_warmup"`
	FairShareFloor  bool    `mapstructure:"fair_share_floor"`
	ShareBasis      string  `mapstructure:"share_basis"`
	AllowDuplicates bool    `mapstructure:"allow_duplicates"`
	// Seen is "exact" or "bloom".
	Seen          string  `mapstructure:"seen"`
	BloomCapacity uint    `mapstructure:"bloom_capacity"`
	BloomFPRate   float64 `mapstructure:"bloom_fp_rate"`
}

// RateLimitConfig sets the per-domain politeness delays.
type RateLimitConfig struct {
	DefaultDelay  time.Duration `mapstructure:"default_delay"`
	MinDelay      time.Duration `mapstructure:"min_delay"`
	MaxDelay      time.Duration `mapstructure:"max_delay"`
	BackoffFactor float64       `mapstructure:"backoff_factor"`
	SuccessFactor float64       `mapstructure:"success_factor"`
	Jitter        float64       `mapstructure:"jitter"`
}

// RetryConfig sets the fetch retry policy.
type RetryConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
	Factor       float64       `mapstructure:"factor"`
	Jitter       float64       `mapstructure:"jitter"`
}

// BrowserConfig sizes the session pool and configures the backends.
type BrowserConfig struct {
	PoolSize          int           `mapstructure:"pool_size"`
	PagesPerSession   int           `mapstructure:"pages_per_session"`
	MaxLifetime       time.Duration `mapstructure:"max_lifetime"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	MemoryThreshold   float64       `mapstructure:"memory_threshold"`
	OpenTimeout       time.Duration `mapstructure:"open_timeout"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout"`
	SettleDelay       time.Duration `mapstructure:"settle_delay"`
	DisableImages     bool          `mapstructure:"disable_images"`
	Headful           bool          `mapstructure:"headful"`
	ExecPath          string        `mapstructure:"exec_path"`
	StaticTimeout     time.Duration `mapstructure:"static_timeout"`
}

// FingerprintConfig tunes near-duplicate detection.
type FingerprintConfig struct {
	Threshold       float64 `mapstructure:"threshold"`
	MaxFingerprints int     `mapstructure:"max_fingerprints"`
	ShingleSize     int     `mapstructure:"shingle_size"`
}

// QualityConfig gates articles on content quality.
type QualityConfig struct {
	Enabled          bool    `mapstructure:"enabled"`
	Threshold        int     `mapstructure:"threshold"`
	MinTextLength    int     `mapstructure:"min_text_length"`
	MinTextHTMLRatio float64 `mapstructure:"min_text_html_ratio"`
	MaxAdRatio       float64 `mapstructure:"max_ad_ratio"`
}

// StateConfig locates the resumable state file.
type StateConfig struct {
	Path             string        `mapstructure:"path"`
	BackupCount      int           `mapstructure:"backup_count"`
	AutosaveInterval time.Duration `mapstructure:"autosave_interval"`
}

// OutputConfig locates the per-category URL artifacts.
type OutputConfig struct {
	Dir            string `mapstructure:"dir"`
	FlushThreshold int    `mapstructure:"flush_threshold"`
}

// ArchiveConfig selects where article JSON is written.
type ArchiveConfig struct {
	Backend   string `mapstructure:"backend"`
	Prefix    string `mapstructure:"prefix"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	GCSPrefix string `mapstructure:"gcs_prefix"`
}

// PostgresConfig enables the articles index and crawl-run tables.
type PostgresConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	ArticlesTable string `mapstructure:"articles_table"`
	EnsureSchema  bool   `mapstructure:"ensure_schema"`
	// TrackRuns records run lifecycle and per-domain counters.
	TrackRuns       bool `mapstructure:"track_runs"`
	postgres.Config `mapstructure:",squash"`
}

// PubSubConfig holds the notification target.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// SiteConfig binds CSS selectors to a domain.
type SiteConfig struct {
	Domain    string                   `mapstructure:"domain"`
	Selectors extractor.SelectorConfig `mapstructure:"selectors"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRAWLER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("crawler.workers", 3)
	v.SetDefault("crawler.backend", BackendChromedp)
	v.SetDefault("crawler.user_agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0 Safari/537.36")
	v.SetDefault("crawler.max_rps", 0)
	v.SetDefault("crawler.save_every", 10)
	v.SetDefault("crawler.drain_timeout", "30s")
	v.SetDefault("crawler.max_links_per_listing", 0)
	v.SetDefault("frontier.max_domain_share", 40)
	v.SetDefault("frontier.share_warmup", 0)
	v.SetDefault("frontier.fair_share_floor", false)
	v.SetDefault("frontier.share_basis", "accepted")
	v.SetDefault("frontier.allow_duplicates", false)
	v.SetDefault("frontier.seen", "exact")
	v.SetDefault("frontier.bloom_capacity", 1_000_000)
	v.SetDefault("frontier.bloom_fp_rate", 0.001)
	v.SetDefault("rate_limit.default_delay", "2s")
	v.SetDefault("rate_limit.min_delay", "500ms")
	v.SetDefault("rate_limit.max_delay", "60s")
	v.SetDefault("rate_limit.backoff_factor", 2.0)
	v.SetDefault("rate_limit.success_factor", 0.9)
	v.SetDefault("rate_limit.jitter", 0.25)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_delay", "1s")
	v.SetDefault("retry.max_delay", "60s")
	v.SetDefault("retry.factor", 2.0)
	v.SetDefault("retry.jitter", 0.1)
	v.SetDefault("browser.pool_size", 3)
	v.SetDefault("browser.pages_per_session", 50)
	v.SetDefault("browser.max_lifetime", "1h")
	v.SetDefault("browser.idle_timeout", "5m")
	v.SetDefault("browser.memory_threshold", 90)
	v.SetDefault("browser.open_timeout", "30s")
	v.SetDefault("browser.navigation_timeout", "45s")
	v.SetDefault("browser.settle_delay", "500ms")
	v.SetDefault("browser.disable_images", true)
	v.SetDefault("browser.headful", false)
	v.SetDefault("browser.static_timeout", "15s")
	v.SetDefault("fingerprint.threshold", 0.85)
	v.SetDefault("fingerprint.max_fingerprints", 10000)
	v.SetDefault("fingerprint.shingle_size", 3)
	v.SetDefault("quality.enabled", true)
	v.SetDefault("quality.threshold", 50)
	v.SetDefault("quality.min_text_length", 500)
	v.SetDefault("quality.min_text_html_ratio", 0.1)
	v.SetDefault("quality.max_ad_ratio", 0.4)
	v.SetDefault("state.path", "data/crawler_state.json")
	v.SetDefault("state.backup_count", 3)
	v.SetDefault("state.autosave_interval", "60s")
	v.SetDefault("output.dir", "data/urls")
	v.SetDefault("output.flush_threshold", 20)
	v.SetDefault("archive.backend", ArchiveLocal)
	v.SetDefault("archive.prefix", "articles")
	v.SetDefault("archive.local_dir", "data/archive")
	// Keys without a real default are still registered so AutomaticEnv can
	// fill them during Unmarshal.
	v.SetDefault("archive.gcs_bucket", "")
	v.SetDefault("archive.gcs_prefix", "")
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("postgres.dsn", "")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic", "")
	v.SetDefault("postgres.enabled", false)
	v.SetDefault("postgres.articles_table", "articles")
	v.SetDefault("postgres.ensure_schema", true)
	v.SetDefault("postgres.track_runs", true)
	v.SetDefault("postgres.max_conns", 4)
	v.SetDefault("postgres.max_conn_lifetime", "30m")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Crawler.Workers <= 0 {
		return fmt.Errorf("crawler.workers must be > 0")
	}
	switch c.Crawler.Backend {
	case BackendChromedp, BackendColly, BackendHybrid:
	default:
		return fmt.Errorf("crawler.backend must be one of chromedp, colly, hybrid")
	}
	if c.Crawler.MaxRPS < 0 {
		return fmt.Errorf("crawler.max_rps must be >= 0")
	}
	if c.Crawler.SaveEvery <= 0 {
		return fmt.Errorf("crawler.save_every must be > 0")
	}
	if c.Crawler.DrainTimeout <= 0 {
		return fmt.Errorf("crawler.drain_timeout must be > 0")
	}
	if c.Server.Enabled && c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Frontier.MaxDomainShare < 0 || c.Frontier.MaxDomainShare > 100 {
		return fmt.Errorf("frontier.max_domain_share must be within [0, 100]")
	}
	switch c.Frontier.ShareBasis {
	case "accepted", "completed":
	default:
		return fmt.Errorf("frontier.share_basis must be accepted or completed")
	}
	switch c.Frontier.Seen {
	case "exact":
	case "bloom":
		if c.Frontier.BloomFPRate <= 0 || c.Frontier.BloomFPRate >= 1 {
			return fmt.Errorf("frontier.bloom_fp_rate must be within (0, 1)")
		}
	default:
		return fmt.Errorf("frontier.seen must be exact or bloom")
	}
	if c.RateLimit.MinDelay <= 0 || c.RateLimit.MaxDelay < c.RateLimit.MinDelay {
		return fmt.Errorf("rate_limit.min_delay must be > 0 and <= rate_limit.max_delay")
	}
	if c.RateLimit.DefaultDelay < c.RateLimit.MinDelay || c.RateLimit.DefaultDelay > c.RateLimit.MaxDelay {
		return fmt.Errorf("rate_limit.default_delay must be within [min_delay, max_delay]")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}
	if c.Browser.PoolSize <= 0 {
		return fmt.Errorf("browser.pool_size must be > 0")
	}
	if c.Browser.PagesPerSession <= 0 {
		return fmt.Errorf("browser.pages_per_session must be > 0")
	}
	if c.Fingerprint.Threshold <= 0 || c.Fingerprint.Threshold > 1 {
		return fmt.Errorf("fingerprint.threshold must be within (0, 1]")
	}
	if c.Quality.Enabled && (c.Quality.Threshold < 0 || c.Quality.Threshold > 100) {
		return fmt.Errorf("quality.threshold must be within [0, 100]")
	}
	if c.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}
	if c.Output.Dir == "" {
		return fmt.Errorf("output.dir is required")
	}
	if err := c.validateArchive(); err != nil {
		return err
	}
	if c.Postgres.Enabled && c.Postgres.DSN == "" {
		return fmt.Errorf("postgres.dsn must be set when postgres is enabled")
	}
	if c.PubSub.Topic != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic is set")
	}
	if len(c.Categories) == 0 {
		return fmt.Errorf("at least one category is required")
	}
	for i, site := range c.Sites {
		if site.Domain == "" {
			return fmt.Errorf("sites[%d].domain is required", i)
		}
		if site.Selectors.Content == "" {
			return fmt.Errorf("sites[%d].selectors.content is required", i)
		}
	}
	return nil
}

func (c Config) validateArchive() error {
	switch c.Archive.Backend {
	case ArchiveNone, ArchiveMemory:
	case ArchiveLocal:
		if c.Archive.LocalDir == "" {
			return fmt.Errorf("archive.local_dir must be set for the local backend")
		}
	case ArchiveGCS:
		if c.Archive.GCSBucket == "" {
			return fmt.Errorf("archive.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("archive.backend must be one of none, local, gcs, memory")
	}
	if c.Archive.Backend == ArchiveNone && c.PubSub.Topic != "" {
		return fmt.Errorf("pubsub.topic requires an archive backend")
	}
	return nil
}
