package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"go.lepak.sg/bikeshare-backend/citybikes"
	"go.lepak.sg/bikeshare-backend/config"
	"go.lepak.sg/bikeshare-backend/favorites"
	"go.lepak.sg/bikeshare-backend/prefs"
	"go.lepak.sg/bikeshare-backend/refresh"
)

var (
	// Global flags
	verbose    bool
	configPath string

	logger *zap.Logger
	app    *application
)

var errNoNetwork = fmt.Errorf("%w: pick one from `bikeshare networks` and set it with `bikeshare network <id>`",
	refresh.ErrEmptyNetworkConfig)

type application struct {
	prefs     *prefs.Store
	favorites *favorites.Store
	client    *citybikes.Client
	fetcher   refresh.Fetcher

	controller *refresh.Controller
}

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "bikeshare",
	Short: "Bike share station availability",
	Long: `bikeshare shows how many bikes and free docks the stations of a bike share
network have, using the citybik.es API.

Run without arguments to list every station of the configured network.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		logger, err = cfg.Log.Build(verbose)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		store, err := prefs.Open(cmd.Context(), cfg.Database.Driver, cfg.Database.DSN)
		if err != nil {
			return fmt.Errorf("opening preferences: %w", err)
		}
		favs, err := favorites.Load(cmd.Context(), store)
		if err != nil {
			_ = store.Close()
			return fmt.Errorf("loading favorites: %w", err)
		}

		client := citybikes.NewClient(cfg.API.BaseURL, cfg.API.Timeout)
		app = &application{
			prefs:     store,
			favorites: favs,
			client:    client,
			fetcher:   client,
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		app.close()
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runList(cmd, "")
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to yaml config")

	rootCmd.AddCommand(
		listCmd,
		favoritesCmd,
		searchCmd,
		favCmd,
		networkCmd,
		networksCmd,
		stripIDCmd,
		watchCmd,
	)
}

// startController starts the refresh worker. dispatch may be nil.
func (a *application) startController(ctx context.Context, dispatch func(func())) *refresh.Controller {
	a.controller = refresh.MustNew(refresh.NewParam{
		Ctx:       ctx,
		Config:    a.prefs,
		Fetcher:   a.fetcher,
		Favorites: a.favorites,
		Dispatch:  dispatch,
		Logger:    logger,
	})
	return a.controller
}

func (a *application) close() {
	if a == nil {
		return
	}
	if a.controller != nil {
		a.controller.Close()
		a.controller = nil
	}
	if a.prefs != nil {
		_ = a.prefs.Close()
		a.prefs = nil
	}
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err := rootCmd.ExecuteContext(ctx)
	if err != nil {
		// PersistentPostRun is skipped when RunE fails
		app.close()
		if errors.Is(err, refresh.ErrEmptyNetworkConfig) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
