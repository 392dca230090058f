package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/matiasw/chebot/internal/bot"
	"github.com/matiasw/chebot/internal/config"
	"github.com/matiasw/chebot/internal/metrics"
	"github.com/matiasw/chebot/internal/translate"
)

const (
	flushTimeout  = 10 * time.Second
	statsInterval = 10 * time.Minute
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the Telegram bot",
	Long: `Start the bot and keep it running until interrupted.

Sessions are flushed to storage on shutdown, so an outage at exit
loses nothing that memory still holds.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger, cleanup := config.SetupLogger(cfg)
	defer func() {
		if err := cleanup(); err != nil {
			fmt.Printf("Warning: failed to close log file: %v\n", err)
		}
	}()

	if err := cfg.Validate(); err != nil {
		return err
	}

	stats := metrics.NewCollector()

	backend, closeBackend, err := buildBackend(ctx, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeBackend(); err != nil {
			logger.Warn("failed to close storage backend", "error", err)
		}
	}()

	store, mgr := buildSessions(backend, logger, stats)

	translator, err := translate.New(cfg, logger, stats)
	if err != nil {
		return fmt.Errorf("create translator: %w", err)
	}

	b, err := bot.New(bot.Config{Token: cfg.TelegramToken}, bot.Dependencies{
		Manager:    mgr,
		Translator: translator,
		Stats:      stats,
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("create bot: %w", err)
	}

	logger.Info("starting chebot",
		"version", Version,
		"storage", cfg.Storage,
		"provider", cfg.TranslateProvider,
		"model", translator.Model(),
	)

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		return b.Start(egCtx)
	})

	eg.Go(func() error {
		store.Sweep(egCtx, cfg.SweepInterval)
		return nil
	})

	eg.Go(func() error {
		logStats(egCtx, logger, stats)
		return nil
	})

	err = eg.Wait()

	// The signal context is gone by now; flush on a fresh one so shutdown
	// still reaches storage.
	flushCtx, flushCancel := context.WithTimeout(context.Background(), flushTimeout)
	defer flushCancel()
	if ferr := store.Flush(flushCtx); ferr != nil {
		logger.Error("failed to flush sessions on shutdown", "error", ferr)
	}

	if err != nil {
		return fmt.Errorf("bot: %w", err)
	}
	logger.Info("chebot stopped")
	return nil
}

// logStats periodically logs a runtime stats summary.
func logStats(ctx context.Context, logger *slog.Logger, stats *metrics.Collector) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := stats.Snapshot()
			logger.Info("runtime stats",
				"uptime_min", int(snap.UptimeSeconds/60),
				"translations", opCount(snap.Translate),
				"translate_errors", opErrors(snap.Translate),
				"storage_reads", opCount(snap.StorageRead),
				"storage_writes", opCount(snap.StorageWrite),
				"storage_errors", opErrors(snap.StorageRead)+opErrors(snap.StorageWrite),
			)
		}
	}
}

func opCount(s *metrics.OperationSnapshot) int64 {
	if s == nil {
		return 0
	}
	return s.Count
}

func opErrors(s *metrics.OperationSnapshot) int64 {
	if s == nil {
		return 0
	}
	return s.Errors
}
