package history

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"go.lepak.sg/bikeshare-backend/recorder"
	"go.lepak.sg/bikeshare-backend/refresh"
)

const defaultWindow = 24 * time.Hour

type Store interface {
	History(ctx context.Context, networkID, stationID string, since time.Time) ([]recorder.Sample, error)
}

type Source interface {
	Snapshot() *refresh.Snapshot
}

// Handler serves the recorded availability of one station of the current
// network. The window is set with ?window=, a duration, default 24h.
type Handler struct {
	Store  Store
	Source Source
	Logger *zap.Logger
}

type result struct {
	Network string            `json:"network"`
	Station string            `json:"station"`
	Samples []recorder.Sample `json:"samples"`
}

func (h Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := h.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	window := defaultWindow
	if s := r.URL.Query().Get("window"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			replyError(w, http.StatusBadRequest, "invalid window")
			return
		}
		window = d
	}

	snap := h.Source.Snapshot()
	if snap == nil {
		replyError(w, http.StatusNotFound, "no network loaded yet")
		return
	}

	res := result{
		Network: snap.Network.ID,
		Station: r.PathValue("id"),
	}
	var err error
	res.Samples, err = h.Store.History(r.Context(), res.Network, res.Station, time.Now().Add(-window))
	if err != nil {
		logger.Error("reading history", zap.String("station", res.Station), zap.Error(err))
		replyError(w, http.StatusInternalServerError, err.Error())
		return
	}

	b, err := json.Marshal(res)
	if err != nil {
		logger.Error("marshal of history result", zap.Error(err))
		replyError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("content-type", "application/json")
	_, err = w.Write(b)
	if err != nil {
		logger.Debug("writing response", zap.Error(err))
	}
}

func replyError(w http.ResponseWriter, status int, msg string) {
	b, _ := json.Marshal(map[string]string{"error": msg})
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}
