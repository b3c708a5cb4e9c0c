package citybikes

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"go.lepak.sg/bikeshare-backend/model"
)

// NetworkInfo is one entry of the network directory, without stations.
type NetworkInfo struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Company  []string        `json:"company,omitempty"`
	Location *model.Location `json:"location,omitempty"`
}

type directoryEntry struct {
	ID       string          `json:"id"`
	Name     string          `json:"name"`
	Company  json.RawMessage `json:"company"`
	Location *model.Location `json:"location"`
}

// ListNetworks fetches the network directory, sorted by city then name.
// Entries without an id are dropped.
func (c *Client) ListNetworks(ctx context.Context) ([]NetworkInfo, error) {
	buf, err := c.get(ctx, c.baseURL)
	if err != nil {
		return nil, err
	}
	return ParseDirectory(buf)
}

func ParseDirectory(raw []byte) ([]NetworkInfo, error) {
	var dir struct {
		Networks *[]directoryEntry `json:"networks"`
	}
	if err := json.Unmarshal(raw, &dir); err != nil {
		return nil, malformed("%v", err)
	}
	if dir.Networks == nil {
		return nil, malformed("missing networks")
	}

	out := make([]NetworkInfo, 0, len(*dir.Networks))
	for _, e := range *dir.Networks {
		if e.ID == "" {
			continue
		}
		out = append(out, NetworkInfo{
			ID:       e.ID,
			Name:     e.Name,
			Company:  parseCompany(e.Company),
			Location: e.Location,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		ci, cj := city(out[i]), city(out[j])
		if ci != cj {
			return ci < cj
		}
		return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
	})

	return out, nil
}

func city(n NetworkInfo) string {
	if n.Location == nil {
		return ""
	}
	return strings.ToLower(n.Location.City)
}
