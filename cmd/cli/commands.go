package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"go.lepak.sg/bikeshare-backend/citybikes"
	"go.lepak.sg/bikeshare-backend/model"
	"go.lepak.sg/bikeshare-backend/refresh"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List every station of the configured network",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runList(cmd, "")
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "List stations whose name contains query",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runList(cmd, args[0])
	},
}

var favoritesCmd = &cobra.Command{
	Use:     "favorites",
	Aliases: []string{"favs"},
	Short:   "List favorite stations",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		res, err := refreshOnce(cmd.Context())
		if err != nil {
			return err
		}
		p := newPrinter(cmd.OutOrStdout(), app.favorites.IsFavorite)
		p.header(res.Network, time.Now())
		p.stations(res.FavoriteStations)
		return nil
	},
}

var favCmd = &cobra.Command{
	Use:   "fav <station-id>",
	Short: "Add or remove a station from the favorites",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := app.startController(cmd.Context(), nil)
		on, err := c.ToggleFavorite(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if on {
			fmt.Fprintf(cmd.OutOrStdout(), "%s added to favorites\n", args[0])
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "%s removed from favorites\n", args[0])
		}
		return nil
	},
}

var networkCmd = &cobra.Command{
	Use:   "network [id]",
	Short: "Show or set the network to follow",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if len(args) == 1 {
			if err := app.prefs.SetNetworkID(ctx, args[0]); err != nil {
				return err
			}
		}

		id, err := app.prefs.NetworkID(ctx)
		if err != nil {
			return err
		}
		if id == "" {
			return errNoNetwork
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	},
}

var networksCmd = &cobra.Command{
	Use:   "networks [query]",
	Short: "List the networks known to the API",
	Long:  "List the networks known to the API. The optional query matches id, name, city or country.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		networks, err := app.client.ListNetworks(cmd.Context())
		if err != nil {
			return err
		}

		query := ""
		if len(args) == 1 {
			query = args[0]
		}
		for _, n := range filterNetworks(networks, query) {
			fmt.Fprintln(cmd.OutOrStdout(), formatNetwork(n))
		}
		return nil
	},
}

var stripIDCmd = &cobra.Command{
	Use:       "strip-id [on|off]",
	Short:     "Show or set whether the network prefix is stripped from station ids",
	Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"on", "off"},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if len(args) == 1 {
			if err := app.prefs.SetStripID(ctx, args[0] == "on"); err != nil {
				return err
			}
		}

		strip, err := app.prefs.StripID(ctx)
		if err != nil {
			return err
		}
		if strip {
			fmt.Fprintln(cmd.OutOrStdout(), "on")
		} else {
			fmt.Fprintln(cmd.OutOrStdout(), "off")
		}
		return nil
	},
}

var watchInterval time.Duration

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Refresh the station list periodically until interrupted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if watchInterval <= 0 {
			return fmt.Errorf("invalid refresh interval %s", watchInterval)
		}
		return runWatch(cmd.Context(), newPrinter(cmd.OutOrStdout(), app.favorites.IsFavorite), watchInterval)
	},
}

func init() {
	watchCmd.Flags().DurationVarP(&watchInterval, "refresh", "r", 30*time.Second, "refresh interval")
}

func runList(cmd *cobra.Command, query string) error {
	res, err := refreshOnce(cmd.Context())
	if err != nil {
		return err
	}

	p := newPrinter(cmd.OutOrStdout(), app.favorites.IsFavorite)
	p.header(res.Network, time.Now())
	if query == "" {
		p.stations(res.AllStations)
	} else {
		p.stations(app.controller.Search(query))
	}
	return nil
}

func refreshOnce(ctx context.Context) (model.RefreshResult, error) {
	c := app.startController(ctx, nil)
	res := <-c.Refresh(ctx)
	if !res.OK() {
		return res, refreshError(res)
	}
	return res, nil
}

func refreshError(res model.RefreshResult) error {
	if res.Reason == model.ReasonNoNetwork {
		return errNoNetwork
	}
	return fmt.Errorf("refresh failed (%s): %w", res.Reason, res.Err)
}

// runWatch runs the controller's publishing on this goroutine and refreshes
// once per interval until ctx is done.
func runWatch(ctx context.Context, p *printer, interval time.Duration) error {
	events := make(chan func())
	c := app.startController(ctx, func(f func()) { events <- f })

	// Close waits for the worker, which may be blocked handing us work
	shutdown := func() {
		closed := make(chan struct{})
		go func() {
			c.Close()
			close(closed)
		}()
		for {
			select {
			case f := <-events:
				f()
			case <-closed:
				return
			}
		}
	}

	p.clear = true
	detach := c.Attach(p)
	defer detach()

	tick := time.NewTicker(interval)
	defer tick.Stop()

	pending := c.Refresh(ctx)
	for {
		select {
		case f := <-events:
			f()
		case res := <-pending:
			pending = nil
			if res.Reason == model.ReasonNoNetwork {
				shutdown()
				return errNoNetwork
			}
		case <-tick.C:
			if pending == nil {
				pending = c.Refresh(ctx)
			}
		case <-ctx.Done():
			shutdown()
			return nil
		}
	}
}

func filterNetworks(l []citybikes.NetworkInfo, query string) []citybikes.NetworkInfo {
	if query == "" {
		return l
	}
	q := strings.ToLower(query)
	var out []citybikes.NetworkInfo
	for _, n := range l {
		fields := []string{n.ID, n.Name}
		if n.Location != nil {
			fields = append(fields, n.Location.City, n.Location.Country)
		}
		for _, f := range fields {
			if strings.Contains(strings.ToLower(f), q) {
				out = append(out, n)
				break
			}
		}
	}
	return out
}

func formatNetwork(n citybikes.NetworkInfo) string {
	where := ""
	if n.Location != nil {
		where = n.Location.City
		if n.Location.Country != "" {
			where += ", " + n.Location.Country
		}
	}
	return fmt.Sprintf("%-28s %-36s %s", n.ID, n.Name, where)
}

var _ refresh.Sink = (*printer)(nil)
