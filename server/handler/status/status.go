package status

import (
	"encoding/json"
	"net/http"
	"os"

	"go.uber.org/zap"

	"go.lepak.sg/bikeshare-backend/refresh"
)

const (
	envGitRev = "GIT_REV"
)

type Source interface {
	State() refresh.State
	Refreshing() bool
	Snapshot() *refresh.Snapshot
}

type Handler struct {
	Source Source
	Logger *zap.Logger
}

type result struct {
	Version     string `json:"version"`
	State       string `json:"state"`
	Refreshing  bool   `json:"refreshing"`
	Network     string `json:"network,omitempty"`
	Stations    int    `json:"stations"`
	Favorites   int    `json:"favorites"`
	LastUpdated uint64 `json:"last_updated"`
}

func (h Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := h.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	w.Header().Set("content-type", "application/json")

	res := result{
		Version:    os.Getenv(envGitRev),
		State:      h.Source.State().String(),
		Refreshing: h.Source.Refreshing(),
	}
	if snap := h.Source.Snapshot(); snap != nil {
		res.Network = snap.Network.ID
		res.Stations = len(snap.All)
		res.Favorites = len(snap.Favorites)
		res.LastUpdated = uint64(snap.UpdatedAt.UnixMilli())
	}

	b, err := json.Marshal(res)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		logger.Error("marshal of status result", zap.Error(err))
		return
	}

	_, err = w.Write(b)
	if err != nil {
		logger.Debug("writing response", zap.Error(err))
	}
}
