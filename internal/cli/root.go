package cli

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/snuconnectome/viberank-connectomelab/internal/config"
	"github.com/snuconnectome/viberank-connectomelab/pkg/alerts"
	"github.com/snuconnectome/viberank-connectomelab/pkg/reconcile"
	"github.com/snuconnectome/viberank-connectomelab/pkg/storage"
	"github.com/snuconnectome/viberank-connectomelab/pkg/tasks"
	"github.com/snuconnectome/viberank-connectomelab/pkg/usage"
)

// Version is set at build time via ldflags.
var Version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "viberank",
	Short: "viberank - usage submission reconciliation and ranking for the lab",
	Long: `viberank collects usage reports from lab machines, validates and merges
them into one canonical record per user, machine, and source, and serves
leaderboards and usage statistics over them.`,
	SilenceUsage: true,
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.viberank/config.yaml)")
}

// loadConfig loads the configuration.
func loadConfig() (*config.Config, error) {
	return config.Load(cfgFile)
}

// newLogger creates a structured logger from config.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	return slog.New(handler)
}

// initStorage creates a storage backend from config.
func initStorage(cfg *config.Config) (*storage.SQLite, error) {
	return storage.NewSQLite(cfg.Storage.Path)
}

// initNotifiers creates alert notifiers from config.
func initNotifiers(cfg *config.Config) []alerts.Notifier {
	var notifiers []alerts.Notifier
	if cfg.Alerts.Slack.Enabled {
		notifiers = append(notifiers, alerts.NewSlackNotifier(cfg.Alerts.Slack.WebhookURL, cfg.Alerts.Slack.Channel))
	}
	if cfg.Alerts.Webhook.Enabled {
		notifiers = append(notifiers, alerts.NewWebhookNotifier(cfg.Alerts.Webhook.URL, cfg.Alerts.Webhook.Secret))
	}
	return notifiers
}

// loadThresholds resolves anomaly thresholds from the override file or preset.
func loadThresholds(cfg *config.Config) (usage.AnomalyThresholds, error) {
	if cfg.Reconcile.ThresholdsFile != "" {
		return usage.LoadThresholds(cfg.Reconcile.ThresholdsFile)
	}
	return usage.PresetThresholds(cfg.Reconcile.AnomalyPreset)
}

// initEngine wires the reconciliation engine from config.
func initEngine(cfg *config.Config, store storage.Store, logger *slog.Logger) (*reconcile.Engine, error) {
	thresholds, err := loadThresholds(cfg)
	if err != nil {
		return nil, fmt.Errorf("load anomaly thresholds: %w", err)
	}

	policy := usage.MergePolicy(cfg.Reconcile.MergePolicy)
	if !policy.Valid() {
		return nil, fmt.Errorf("unknown merge policy %q", cfg.Reconcile.MergePolicy)
	}

	return reconcile.NewEngine(store, logger, reconcile.Options{
		Thresholds:    thresholds,
		DefaultPolicy: policy,
		Notifiers:     initNotifiers(cfg),
		MaxRetries:    cfg.Reconcile.MaxRetries,
	}), nil
}

// initWorker wires the deferred task worker from config.
func initWorker(cfg *config.Config, store storage.Store, engine *reconcile.Engine, logger *slog.Logger) *tasks.Worker {
	w := tasks.NewWorker(store, logger, tasks.Options{
		Interval:    parseDuration(cfg.Worker.Interval, 2*time.Second),
		BatchSize:   cfg.Worker.BatchSize,
		LockTTL:     parseDuration(cfg.Worker.LockTTL, 30*time.Second),
		MaxAttempts: cfg.Worker.MaxAttempts,
		RetryDelay:  parseDuration(cfg.Worker.RetryDelay, 10*time.Second),
	})
	w.Register(reconcile.TaskRecomputeProfile, engine.HandleRecomputeTask)
	return w
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
