package model

import (
	"sort"
	"strings"
)

type Station struct {
	// Unique within a network, join key against favorites
	ID   string `json:"id"`
	Name string `json:"name"`

	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`

	FreeBikes  int `json:"free_bikes"`
	EmptySlots int `json:"empty_slots"`

	// As sent by the upstream, not parsed
	Timestamp string `json:"timestamp,omitempty"`
	// Operator specific metadata (address, banking, status...)
	Extra map[string]any `json:"extra,omitempty"`
}

// SortKey is the default list ordering key.
func (s Station) SortKey() string {
	return strings.ToLower(s.Name)
}

type Location struct {
	City      string  `json:"city,omitempty"`
	Country   string  `json:"country,omitempty"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type BikeNetwork struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Company  []string  `json:"company,omitempty"`
	Location *Location `json:"location,omitempty"`
	Stations Stations  `json:"stations"`
}

type Stations []Station

func (l Stations) Len() int {
	return len(l)
}

func (l Stations) Less(i, j int) bool {
	return l[i].SortKey() < l[j].SortKey()
}

func (l Stations) Swap(i, j int) {
	l[i], l[j] = l[j], l[i]
}

// Sort orders the stations by name, ignoring case. Stations with equal keys keep their relative order.
func (l Stations) Sort() {
	sort.Stable(l)
}

// Search returns the stations whose name contains query, ignoring case.
// The input order is kept and an empty query returns l itself.
func (l Stations) Search(query string) Stations {
	if query == "" {
		return l
	}

	q := strings.ToLower(query)
	out := make(Stations, 0)
	for i := range l {
		if strings.Contains(strings.ToLower(l[i].Name), q) {
			out = append(out, l[i])
		}
	}
	return out
}

func (l Stations) Copy() Stations {
	ll := make(Stations, len(l))
	copy(ll, l)
	return ll
}

// ByID returns the station with the given id.
func (l Stations) ByID(id string) (Station, bool) {
	for i := range l {
		if l[i].ID == id {
			return l[i], true
		}
	}
	return Station{}, false
}
