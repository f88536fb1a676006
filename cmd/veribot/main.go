// Package main contains the entrypoint for the veribot membership daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/wikigate/veribot/internal/config"
	"github.com/wikigate/veribot/internal/daemon"
	"github.com/wikigate/veribot/internal/database"
	"github.com/wikigate/veribot/internal/logger"
	"github.com/wikigate/veribot/internal/reconcile"
	"github.com/wikigate/veribot/internal/telegram"
	"github.com/wikigate/veribot/internal/verify"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	exitCode := run(ctx)
	stop()
	os.Exit(exitCode)
}

// run initializes all components (config, logger, database, oracle,
// Telegram client, reconciler, scheduler), starts the daemon, and returns
// an exit code. A non-zero exit tells the supervisor to restart us with a
// clean state reload.
func run(ctx context.Context) int {
	configPath := flag.String("config", "./config.yaml", "Path to configuration file")
	verbose := flag.Bool("verbose", false, "Enable debug logging of every reconciler decision")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		return 1
	}

	level := cfg.Logger.Level
	if *verbose {
		level = "debug"
	}
	log := logger.NewLogger(level, cfg.Logger.JSON)
	log.Info("Logger initialized", "level", level, "json", cfg.Logger.JSON)

	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		log.Error("Failed to connect to database", "path", cfg.Database.Path, "error", err)
		return 1
	}
	defer database.CloseDB(db)
	store := database.NewStore(db, log)

	oracle := verify.NewSQLOracle(db, log)

	tg, err := telegram.NewClient(cfg.Telegram.Token, log)
	if err != nil {
		log.Error("Failed to create Telegram client", "error", err)
		return 1
	}

	me, err := tg.Me(ctx)
	if err != nil {
		log.Error("Failed to get bot info", "error", err)
		return 1
	}
	log.Info("Retrieved bot info", "bot_id", me.ID, "bot_username", me.Username)

	source := telegram.NewSource(tg, cfg.Poller.TimeoutSeconds, cfg.Poller.Limit, log)
	reconciler := reconcile.New(store, tg, oracle, log)

	sched, err := daemon.NewScheduler(log, &cfg.Maintenance, store)
	if err != nil {
		log.Error("Failed to create scheduler", "error", err)
		return 1
	}

	d := daemon.New(log, cfg, store, source, reconciler, sched)

	log.Info("Starting daemon...")
	runErr := d.Run(ctx)

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		log.Error("Daemon stopped due to error", "error", runErr)
		// Allow logs to flush before exiting on error
		time.Sleep(time.Second)
		return 1
	}

	log.Info("Daemon stopped gracefully.")
	return 0
}
