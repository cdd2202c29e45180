package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all viberank configuration.
type Config struct {
	Storage   StorageConfig   `mapstructure:"storage"`
	Server    ServerConfig    `mapstructure:"server"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Alerts    AlertsConfig    `mapstructure:"alerts"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// StorageConfig defines database settings.
type StorageConfig struct {
	Path string `mapstructure:"path"`
}

// ServerConfig defines HTTP API settings.
type ServerConfig struct {
	Listen       string  `mapstructure:"listen"`
	ReadTimeout  string  `mapstructure:"read_timeout"`
	WriteTimeout string  `mapstructure:"write_timeout"`
	MaxBodySize  int64   `mapstructure:"max_body_size"`
	SubmitRate   float64 `mapstructure:"submit_rate"`  // submissions per second per client
	SubmitBurst  int     `mapstructure:"submit_burst"` // burst allowance per client
}

// ReconcileConfig defines merge and anomaly detection settings.
type ReconcileConfig struct {
	MergePolicy    string `mapstructure:"merge_policy"`    // additive or overwrite
	AnomalyPreset  string `mapstructure:"anomaly_preset"`  // lenient or strict
	ThresholdsFile string `mapstructure:"thresholds_file"` // optional YAML override file
	MaxRetries     int    `mapstructure:"max_retries"`
}

// WorkerConfig defines deferred task worker settings.
type WorkerConfig struct {
	Interval    string `mapstructure:"interval"`
	BatchSize   int    `mapstructure:"batch_size"`
	LockTTL     string `mapstructure:"lock_ttl"`
	MaxAttempts int    `mapstructure:"max_attempts"`
	RetryDelay  string `mapstructure:"retry_delay"`
}

// AlertsConfig defines alerting integrations.
type AlertsConfig struct {
	Slack   SlackConfig   `mapstructure:"slack"`
	Webhook WebhookConfig `mapstructure:"webhook"`
}

// SlackConfig defines Slack webhook settings.
type SlackConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	WebhookURL string `mapstructure:"webhook_url"`
	Channel    string `mapstructure:"channel"`
}

// WebhookConfig defines generic webhook settings.
type WebhookConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Secret  string `mapstructure:"secret"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("find home directory: %w", err)
		}

		v.AddConfigPath(filepath.Join(home, ".viberank"))
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	// Defaults
	home, _ := os.UserHomeDir()
	v.SetDefault("storage.path", filepath.Join(home, ".viberank", "viberank.db"))
	v.SetDefault("server.listen", ":8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.max_body_size", 4*1024*1024) // 4 MB
	v.SetDefault("server.submit_rate", 1.0)
	v.SetDefault("server.submit_burst", 5)
	v.SetDefault("reconcile.merge_policy", "additive")
	v.SetDefault("reconcile.anomaly_preset", "lenient")
	v.SetDefault("reconcile.max_retries", 3)
	v.SetDefault("worker.interval", "2s")
	v.SetDefault("worker.batch_size", 50)
	v.SetDefault("worker.lock_ttl", "30s")
	v.SetDefault("worker.max_attempts", 5)
	v.SetDefault("worker.retry_delay", "10s")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("alerts.slack.channel", "#usage-review")

	// Environment variables
	v.SetEnvPrefix("VIBERANK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}
