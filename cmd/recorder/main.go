package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"go.lepak.sg/bikeshare-backend/citybikes"
	"go.lepak.sg/bikeshare-backend/config"
	"go.lepak.sg/bikeshare-backend/favorites"
	"go.lepak.sg/bikeshare-backend/prefs"
	"go.lepak.sg/bikeshare-backend/recorder"
	"go.lepak.sg/bikeshare-backend/refresh"
)

const (
	defaultPollInterval = 30 * time.Second
	timeRound           = 30 * time.Second
	logName             = "recorder.log"
)

var (
	configPath   = flag.String("c", "", "path to yaml config")
	verbose      = flag.Bool("v", false, "verbose mode")
	pollInterval = flag.Duration("i", defaultPollInterval, "poll interval")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	if cfg.Log.Output == "" {
		cfg.Log.Output = logName
	}
	if err := rotate(cfg.Log.Output); err != nil {
		fmt.Fprintf(os.Stderr, "rotating log: %v\n", err)
		os.Exit(1)
	}

	logger, err := cfg.Log.Build(*verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Error("exiting", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	db, err := prefs.OpenDB(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return err
	}
	store, err := prefs.New(ctx, db, cfg.Database.Driver)
	if err != nil {
		_ = db.Close()
		return fmt.Errorf("opening preferences: %w", err)
	}
	defer store.Close()

	rec, err := recorder.New(ctx, db, logger)
	if err != nil {
		return err
	}

	favs, err := favorites.Load(ctx, store)
	if err != nil {
		return fmt.Errorf("loading favorites: %w", err)
	}

	controller, err := refresh.New(refresh.NewParam{
		Ctx:       ctx,
		Config:    store,
		Fetcher:   citybikes.NewClient(cfg.API.BaseURL, cfg.API.Timeout),
		Favorites: favs,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	defer controller.Close()

	fmt.Println("waiting for a round time before starting...")
	return rec.Run(ctx, controller, *pollInterval, timeRound)
}

// rotate moves an old log file out of the way, suffixed with its mtime.
func rotate(name string) error {
	logStat, err := os.Stat(name)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	newname := fmt.Sprintf("%s.%s", name, logStat.ModTime().Format("060102.150405"))
	return os.Rename(name, newname)
}
