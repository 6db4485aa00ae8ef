package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/cwygoda/fetchd/internal/adapter/fsstore"
	"github.com/cwygoda/fetchd/internal/adapter/sqlite"
	"github.com/cwygoda/fetchd/internal/adapter/web"
	"github.com/cwygoda/fetchd/internal/adapter/ytdlp"
	"github.com/cwygoda/fetchd/internal/config"
	"github.com/cwygoda/fetchd/internal/domain"
	"github.com/cwygoda/fetchd/internal/enricher"
	"github.com/cwygoda/fetchd/internal/logger"
	"github.com/cwygoda/fetchd/internal/notify"
	"github.com/cwygoda/fetchd/internal/settings"
	"github.com/cwygoda/fetchd/internal/worker"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg := &config.Config{}

	root := &cobra.Command{
		Use:   "fetchd",
		Short: "Personal media download queue",
		Long: `fetchd queues media URLs, downloads them with yt-dlp and moves
finished files into your media library.`,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// A .env file is optional; flags and real environment
			// variables take precedence either way.
			_ = godotenv.Load()

			if err := cfg.Finalize(cmd); err != nil {
				return err
			}
			return run(cfg)
		},
	}
	cfg.BindFlags(root)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	log := logger.New(cfg.LogLevel, cfg.LogJSON)

	log.WithFields(logrus.Fields{
		"addr":      cfg.Addr,
		"store":     cfg.Store,
		"data_dir":  cfg.DataDir,
		"media_dir": cfg.MediaDir,
	}).Info("starting fetchd")

	for _, dir := range []string{cfg.DataDir, cfg.DownloadDir, cfg.MediaDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}

	var store domain.JobStore
	switch cfg.Store {
	case config.StoreSQLite:
		st, err := sqlite.New(cfg.DBPath(), log.WithField("component", "sqlite"))
		if err != nil {
			return fmt.Errorf("open job store: %w", err)
		}
		defer st.Close()
		store = st
	default:
		st, err := fsstore.New(cfg.JobsDir(), log.WithField("component", "fsstore"))
		if err != nil {
			return fmt.Errorf("open job store: %w", err)
		}
		store = st
	}

	svc := domain.NewJobService(store, cfg.MaxRetries)

	prefs, err := settings.Load(cfg.SettingsPath())
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	feed := notify.NewLog(cfg.NotificationsPath(), log.WithField("component", "notify"))
	hub := notify.NewHub()
	runner := ytdlp.NewRunner(cfg.YtdlpPath, log.WithField("component", "ytdlp"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Downloads that were active when the previous process died go back
	// to the queue before polling starts.
	if n, err := svc.RecoverInterrupted(ctx); err != nil {
		log.WithError(err).Warn("recovering interrupted downloads")
	} else if n > 0 {
		log.WithField("jobs", n).Info("re-queued interrupted downloads")
	}

	w := worker.New(worker.Config{
		Service:      svc,
		Settings:     prefs,
		Launcher:     worker.NewLauncher(runner),
		Feed:         feed,
		Hub:          hub,
		Log:          log.WithField("component", "worker"),
		WorkDir:      cfg.DownloadDir,
		MediaDir:     cfg.MediaDir,
		PollInterval: cfg.PollInterval,
	})

	enr := enricher.New(svc, prefs, runner, hub, log.WithField("component", "enricher"))

	srv := web.New(web.Config{
		Service:   svc,
		Downloads: w,
		Settings:  prefs,
		Feed:      feed,
		Hub:       hub,
		Log:       log.WithField("component", "web"),
		WebRoot:   cfg.WebRoot,
	})

	workerCtx, stopWorker := context.WithCancel(context.Background())
	defer stopWorker()
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		w.Run(workerCtx)
	}()

	enrichCtx, stopEnrich := context.WithCancel(context.Background())
	defer stopEnrich()
	enrichDone := make(chan struct{})
	go func() {
		defer close(enrichDone)
		enr.Run(enrichCtx)
	}()

	listenErr := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.Addr).Info("http server listening")
		listenErr <- srv.Listen(cfg.Addr)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("signal received, shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("http server shutdown")
		}
		cancel()
	case serveErr = <-listenErr:
	}

	// Stop polling and wait for in-flight downloads to drain, then let
	// any running probes finish.
	stopWorker()
	<-workerDone
	stopEnrich()
	<-enrichDone

	if serveErr != nil {
		return fmt.Errorf("http server: %w", serveErr)
	}
	log.Info("shutdown complete")
	return nil
}
