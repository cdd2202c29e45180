package cli

import (
	"context"
	"log/slog"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"

	"github.com/snuconnectome/viberank-connectomelab/internal/config"
	"github.com/snuconnectome/viberank-connectomelab/internal/server"
	"github.com/snuconnectome/viberank-connectomelab/pkg/reconcile"
	"github.com/snuconnectome/viberank-connectomelab/pkg/usage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the submission API and the deferred task worker",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringP("listen", "l", "", "Listen address (default from config)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	listen, _ := cmd.Flags().GetString("listen")
	if listen != "" {
		cfg.Server.Listen = listen
	}

	logger := newLogger(cfg)

	store, err := initStorage(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	engine, err := initEngine(cfg, store, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	worker := initWorker(cfg, store, engine, logger)
	go worker.Run(ctx)

	if cfg.Reconcile.ThresholdsFile != "" {
		stopWatch, err := watchThresholds(ctx, cfg, engine, logger)
		if err != nil {
			return err
		}
		defer stopWatch()
	}

	srv := server.New(engine, logger, server.Options{
		Listen:       cfg.Server.Listen,
		ReadTimeout:  parseDuration(cfg.Server.ReadTimeout, 30*time.Second),
		WriteTimeout: parseDuration(cfg.Server.WriteTimeout, 60*time.Second),
		MaxBodySize:  cfg.Server.MaxBodySize,
		SubmitRate:   cfg.Server.SubmitRate,
		SubmitBurst:  cfg.Server.SubmitBurst,
	})
	return srv.Run(ctx)
}

// watchThresholds reloads the anomaly threshold file on change. Editors often
// replace the file instead of writing in place, so the parent directory is
// watched and events are filtered by name.
func watchThresholds(ctx context.Context, cfg *config.Config, engine *reconcile.Engine, logger *slog.Logger) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	path := cfg.Reconcile.ThresholdsFile
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				thresholds, err := usage.LoadThresholds(path)
				if err != nil {
					logger.Error("reload anomaly thresholds", "path", path, "error", err)
					continue
				}
				engine.SetThresholds(thresholds)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Error("threshold watcher", "error", err)
			}
		}
	}()

	logger.Info("watching anomaly threshold file", "path", path)
	return func() { watcher.Close() }, nil
}
