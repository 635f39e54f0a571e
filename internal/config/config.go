// Package config loads and validates scraper configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Search    SearchConfig    `mapstructure:"search"`
	Scroll    ScrollConfig    `mapstructure:"scroll"`
	Workers   WorkersConfig   `mapstructure:"workers"`
	Detection DetectionConfig `mapstructure:"detection"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Output    OutputConfig    `mapstructure:"output"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// SearchConfig governs feed discovery behavior.
type SearchConfig struct {
	Language       string `mapstructure:"language"`
	LinkWorkers    int    `mapstructure:"link_workers"`
	Prefetch       bool   `mapstructure:"prefetch"`
	BatchDelaySecs int    `mapstructure:"batch_delay_seconds"`
}

// ScrollConfig controls the feed scroll loop.
type ScrollConfig struct {
	IdleTimeoutSecs int  `mapstructure:"idle_timeout_seconds"`
	DelayMinMs      int  `mapstructure:"delay_min_ms"`
	DelayMaxMs      int  `mapstructure:"delay_max_ms"`
	Smart           bool `mapstructure:"smart"`
	MaxEmptyScrolls int  `mapstructure:"max_empty_scrolls"`
}

// WorkersConfig governs the extraction worker pool.
type WorkersConfig struct {
	Count              int `mapstructure:"count"`
	StaggerMs          int `mapstructure:"stagger_ms"`
	CleanupEvery       int `mapstructure:"cleanup_every"`
	PostItemDelayMinMs int `mapstructure:"post_item_delay_min_ms"`
	PostItemDelayMaxMs int `mapstructure:"post_item_delay_max_ms"`
	MaxRetries         int `mapstructure:"max_retries"`
	RetryBackoffMs     int `mapstructure:"retry_backoff_ms"`
	MaxRestarts        int `mapstructure:"max_restarts"`
	RestartBackoffSecs int `mapstructure:"restart_backoff_seconds"`
	LowQualityLimit    int `mapstructure:"low_quality_limit"`
}

// DetectionConfig tunes the bot-detection controller.
type DetectionConfig struct {
	Limit      int      `mapstructure:"limit"`
	Signatures []string `mapstructure:"signatures"`
}

// BrowserConfig configures the headless Chrome processes.
type BrowserConfig struct {
	Headless       bool    `mapstructure:"headless"`
	UserAgent      string  `mapstructure:"user_agent"`
	NavTimeoutSecs int     `mapstructure:"nav_timeout_seconds"`
	NavQPS         float64 `mapstructure:"nav_qps"`
}

// OutputConfig sets local result and checkpoint paths.
type OutputConfig struct {
	Dir            string `mapstructure:"dir"`
	CheckpointFile string `mapstructure:"checkpoint_file"`
}

// PubSubConfig holds completion notification settings. Empty project or
// topic disables publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// StorageConfig names the bucket for artifact mirroring. Empty disables it.
type StorageConfig struct {
	GCSBucket string `mapstructure:"gcs_bucket"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MAPEXTRACT")
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
	v.SetDefault("search.language", "en")
	v.SetDefault("search.link_workers", 1)
	v.SetDefault("search.prefetch", true)
	v.SetDefault("search.batch_delay_seconds", 2)
	v.SetDefault("scroll.idle_timeout_seconds", 30)
	v.SetDefault("scroll.delay_min_ms", 1500)
	v.SetDefault("scroll.delay_max_ms", 2500)
	v.SetDefault("scroll.smart", true)
	v.SetDefault("scroll.max_empty_scrolls", 5)
	v.SetDefault("workers.count", 3)
	v.SetDefault("workers.stagger_ms", 1000)
	v.SetDefault("workers.cleanup_every", 20)
	v.SetDefault("workers.post_item_delay_min_ms", 500)
	v.SetDefault("workers.post_item_delay_max_ms", 1000)
	v.SetDefault("workers.max_retries", 3)
	v.SetDefault("workers.retry_backoff_ms", 1000)
	v.SetDefault("workers.max_restarts", 2)
	v.SetDefault("workers.restart_backoff_seconds", 10)
	v.SetDefault("workers.low_quality_limit", 3)
	v.SetDefault("detection.limit", 3)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.nav_timeout_seconds", 30)
	v.SetDefault("browser.nav_qps", 0.5)
	v.SetDefault("output.dir", "results")
	v.SetDefault("output.checkpoint_file", "results/checkpoint.json")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Search.LinkWorkers <= 0 {
		return fmt.Errorf("search.link_workers must be > 0")
	}
	if c.Workers.Count <= 0 {
		return fmt.Errorf("workers.count must be > 0")
	}
	if c.Scroll.IdleTimeoutSecs <= 0 {
		return fmt.Errorf("scroll.idle_timeout_seconds must be > 0")
	}
	if c.Scroll.DelayMaxMs < c.Scroll.DelayMinMs {
		return fmt.Errorf("scroll.delay_max_ms must be >= scroll.delay_min_ms")
	}
	if c.Workers.PostItemDelayMaxMs < c.Workers.PostItemDelayMinMs {
		return fmt.Errorf("workers.post_item_delay_max_ms must be >= workers.post_item_delay_min_ms")
	}
	if c.Workers.MaxRestarts < 0 {
		return fmt.Errorf("workers.max_restarts must be >= 0")
	}
	if c.Output.Dir == "" {
		return fmt.Errorf("output.dir must be set")
	}
	if (c.PubSub.ProjectID == "") != (c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set together")
	}
	if c.Metrics.Enabled && c.Metrics.Port <= 0 {
		return fmt.Errorf("metrics.port must be > 0 when metrics are enabled")
	}
	return nil
}

// BatchDelay returns the pause between keyword batches.
func (c Config) BatchDelay() time.Duration {
	return time.Duration(c.Search.BatchDelaySecs) * time.Second
}

// IdleTimeout returns the discovery idle cutoff.
func (c Config) IdleTimeout() time.Duration {
	return time.Duration(c.Scroll.IdleTimeoutSecs) * time.Second
}

// NavTimeout returns the per-navigation deadline.
func (c Config) NavTimeout() time.Duration {
	return time.Duration(c.Browser.NavTimeoutSecs) * time.Second
}
