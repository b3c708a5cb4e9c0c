package citybikes

import (
	"encoding/json"
	"fmt"
	"strings"

	"go.lepak.sg/bikeshare-backend/model"
)

// Separators allowed between a network id prefix and the rest of a station id.
const idSeparators = "-_:./"

type payload struct {
	Network *rawNetwork `json:"network"`
}

type rawNetwork struct {
	ID       *string         `json:"id"`
	Name     *string         `json:"name"`
	Company  json.RawMessage `json:"company"`
	Location *model.Location `json:"location"`
	Stations *[]rawStation   `json:"stations"`
}

type rawStation struct {
	ID   *string `json:"id"`
	Name *string `json:"name"`

	// The v2 API spells these out, some mirrors use the short form
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Lat       *float64 `json:"lat"`
	Lng       *float64 `json:"lng"`

	FreeBikes  *int `json:"free_bikes"`
	EmptySlots *int `json:"empty_slots"`

	Timestamp json.RawMessage `json:"timestamp"`
	Extra     map[string]any  `json:"extra"`
}

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedPayload, fmt.Sprintf(format, args...))
}

// Parse converts a network payload into a BikeNetwork. Stations are returned
// in payload order. Unknown fields are ignored; missing or mistyped required
// fields fail with ErrMalformedPayload.
//
// With stripIDPrefix set, a leading "<network id><sep>" is removed from
// station ids unless that would make two ids in the network equal.
func Parse(raw []byte, stripIDPrefix bool) (*model.BikeNetwork, error) {
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, malformed("%v", err)
	}

	n := p.Network
	switch {
	case n == nil:
		return nil, malformed("missing network")
	case n.ID == nil || *n.ID == "":
		return nil, malformed("missing network id")
	case n.Name == nil:
		return nil, malformed("missing network name")
	case n.Stations == nil:
		return nil, malformed("missing stations")
	}

	out := &model.BikeNetwork{
		ID:       *n.ID,
		Name:     *n.Name,
		Company:  parseCompany(n.Company),
		Location: n.Location,
		Stations: make(model.Stations, len(*n.Stations)),
	}

	seen := make(map[string]struct{}, len(*n.Stations))
	for i, rs := range *n.Stations {
		s, err := rs.toModel()
		if err != nil {
			return nil, fmt.Errorf("station %d: %w", i, err)
		}
		if _, dup := seen[s.ID]; dup {
			return nil, malformed("station %d: duplicate id %q", i, s.ID)
		}
		seen[s.ID] = struct{}{}
		out.Stations[i] = s
	}

	if stripIDPrefix {
		stripIDs(out.ID, out.Stations)
	}

	return out, nil
}

func (rs *rawStation) toModel() (model.Station, error) {
	if rs.ID == nil || *rs.ID == "" {
		return model.Station{}, malformed("missing id")
	}
	if rs.Name == nil {
		return model.Station{}, malformed("missing name")
	}

	lat, lng := rs.Latitude, rs.Longitude
	if lat == nil {
		lat = rs.Lat
	}
	if lng == nil {
		lng = rs.Lng
	}
	if lat == nil || lng == nil {
		return model.Station{}, malformed("station %q: missing coordinates", *rs.ID)
	}

	if rs.FreeBikes == nil || rs.EmptySlots == nil {
		return model.Station{}, malformed("station %q: missing counts", *rs.ID)
	}

	return model.Station{
		ID:         *rs.ID,
		Name:       *rs.Name,
		Latitude:   *lat,
		Longitude:  *lng,
		FreeBikes:  *rs.FreeBikes,
		EmptySlots: *rs.EmptySlots,
		Timestamp:  parseTimestamp(rs.Timestamp),
		Extra:      rs.Extra,
	}, nil
}

// company is either a list of names or a single name
func parseCompany(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	var one string
	if err := json.Unmarshal(raw, &one); err == nil && one != "" {
		return []string{one}
	}
	return nil
}

func parseTimestamp(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	if string(raw) == "null" {
		return ""
	}
	// numeric epoch
	return string(raw)
}

func trimNetworkPrefix(networkID, id string) string {
	if len(id) <= len(networkID)+1 || !strings.EqualFold(id[:len(networkID)], networkID) {
		return id
	}
	if !strings.ContainsRune(idSeparators, rune(id[len(networkID)])) {
		return id
	}
	return id[len(networkID)+1:]
}

// stripIDs rewrites station ids in place. Input ids must be unique.
func stripIDs(networkID string, l model.Stations) {
	orig := make([]string, len(l))
	for i := range l {
		orig[i] = l[i].ID
		l[i].ID = trimNetworkPrefix(networkID, l[i].ID)
	}

	// Revert every member of a collision group until ids are unique again.
	// Each pass reverts at least one stripped id, so this terminates.
	for {
		count := make(map[string]int, len(l))
		for i := range l {
			count[l[i].ID]++
		}

		reverted := false
		for i := range l {
			if count[l[i].ID] > 1 && l[i].ID != orig[i] {
				l[i].ID = orig[i]
				reverted = true
			}
		}
		if !reverted {
			return
		}
	}
}
