package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"go.lepak.sg/bikeshare-backend/model"
)

// printer writes station lists to a terminal. As a refresh sink it redraws
// on every published result.
type printer struct {
	out        io.Writer
	isFavorite func(id string) bool
	// clear the terminal before each redraw
	clear bool
}

func newPrinter(out io.Writer, isFavorite func(id string) bool) *printer {
	return &printer{out: out, isFavorite: isFavorite}
}

func (p *printer) OnRefreshStart() {
	fmt.Fprintln(p.out, "loading...")
}

func (p *printer) OnRefreshResult(res model.RefreshResult) {
	if !res.OK() {
		fmt.Fprintln(p.out, "error:", refreshError(res))
		return
	}

	if p.clear {
		fmt.Fprint(p.out, "\033[H\033[2J") // clear terminal
	}
	p.header(res.Network, time.Now())
	if len(res.FavoriteStations) > 0 {
		fmt.Fprintln(p.out, "favorites:")
		p.stations(res.FavoriteStations)
		fmt.Fprintln(p.out)
	}
	fmt.Fprintln(p.out, "all stations:")
	p.stations(res.AllStations)
}

func (p *printer) header(n *model.BikeNetwork, at time.Time) {
	var sb strings.Builder
	sb.WriteString(n.Name)
	sb.WriteString(" (")
	sb.WriteString(n.ID)
	sb.WriteRune(')')
	if n.Location != nil && n.Location.City != "" {
		sb.WriteString(", ")
		sb.WriteString(n.Location.City)
	}
	sb.WriteString(" at ")
	sb.WriteString(at.Format("15:04:05"))
	fmt.Fprintln(p.out, sb.String())
}

func (p *printer) stations(l model.Stations) {
	if len(l) == 0 {
		fmt.Fprintln(p.out, "  no stations")
		return
	}
	for i := range l {
		fmt.Fprintln(p.out, p.row(l[i]))
	}
}

func (p *printer) row(s model.Station) string {
	mark := ' '
	if p.isFavorite != nil && p.isFavorite(s.ID) {
		mark = '*'
	}
	return fmt.Sprintf("%c %-40s %4d bikes %4d docks  %s", mark, s.Name, s.FreeBikes, s.EmptySlots, s.ID)
}
