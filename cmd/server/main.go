package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"go.lepak.sg/bikeshare-backend/citybikes"
	"go.lepak.sg/bikeshare-backend/config"
	"go.lepak.sg/bikeshare-backend/favorites"
	"go.lepak.sg/bikeshare-backend/model"
	"go.lepak.sg/bikeshare-backend/prefs"
	"go.lepak.sg/bikeshare-backend/recorder"
	"go.lepak.sg/bikeshare-backend/refresh"
	"go.lepak.sg/bikeshare-backend/server"
)

var (
	configPath = flag.String("c", "", "path to yaml config")
	verbose    = flag.Bool("v", false, "verbose mode")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
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

	p, closeAll, err := setup(ctx, cfg, logger, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	defer closeAll()
	p.Gatherer = prometheus.DefaultGatherer

	// the background loop refreshes on startup by itself
	if cfg.Refresh.Interval == 0 {
		go func() {
			res := <-p.Controller.Refresh(ctx)
			if !res.OK() && res.Reason == model.ReasonNoNetwork {
				logger.Warn("no network configured, set one with the cli before refreshing")
			}
		}()
	}

	return server.StartHttp(ctx, p)
}

// setup opens the database and builds everything the http server needs.
// closeAll stops the controller and closes the database.
func setup(ctx context.Context, cfg *config.Config, logger *zap.Logger, reg prometheus.Registerer) (p server.Param, closeAll func(), err error) {
	db, err := prefs.OpenDB(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return p, nil, err
	}
	store, err := prefs.New(ctx, db, cfg.Database.Driver)
	if err != nil {
		_ = db.Close()
		return p, nil, fmt.Errorf("opening preferences: %w", err)
	}

	// samples are written by cmd/recorder sharing the same database
	rec, err := recorder.New(ctx, db, logger)
	if err != nil {
		_ = store.Close()
		return p, nil, err
	}

	favs, err := favorites.Load(ctx, store)
	if err != nil {
		_ = store.Close()
		return p, nil, fmt.Errorf("loading favorites: %w", err)
	}

	controller, err := refresh.New(refresh.NewParam{
		Ctx:        ctx,
		Config:     store,
		Fetcher:    citybikes.NewClient(cfg.API.BaseURL, cfg.API.Timeout),
		Favorites:  favs,
		Logger:     logger,
		Registerer: reg,
	})
	if err != nil {
		_ = store.Close()
		return p, nil, err
	}

	p = server.Param{
		Addr:            cfg.Server.Addr,
		PromAddr:        cfg.Server.PromAddr,
		Controller:      controller,
		RefreshInterval: cfg.Refresh.Interval,
		History:         rec,
		Logger:          logger,
		Registerer:      reg,
	}
	return p, func() {
		controller.Close()
		_ = store.Close()
	}, nil
}
