package stations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"go.lepak.sg/bikeshare-backend/model"
	"go.lepak.sg/bikeshare-backend/refresh"
)

var errNoNetwork = errors.New("no network loaded yet")

// Controller is the part of refresh.Controller served over http.
type Controller interface {
	Refresh(ctx context.Context) <-chan model.RefreshResult
	Snapshot() *refresh.Snapshot
	ToggleFavorite(ctx context.Context, id string) (bool, error)
}

type Handler struct {
	controller Controller
	logger     *zap.Logger

	// This is the context for update, when it's cancelled the background
	// refresh loop abandons its refresh and exits
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	tick   *time.Ticker

	metrics *metrics
}

type listResult struct {
	Network     string         `json:"network,omitempty"`
	Stations    model.Stations `json:"stations"`
	LastUpdated uint64         `json:"last_updated"`
}

type networkResult struct {
	*model.BikeNetwork
	Favorites   model.Stations `json:"favorites"`
	LastUpdated uint64         `json:"last_updated"`
}

type toggleResult struct {
	ID       string `json:"id"`
	Favorite bool   `json:"favorite"`
}

type refreshResult struct {
	Network   string         `json:"network"`
	Stations  int            `json:"stations"`
	Favorites model.Stations `json:"favorites"`
}

type NewParam struct {
	Ctx        context.Context
	Controller Controller
	// Background refresh period, 0 disables the loop
	RefreshInterval time.Duration
	Logger          *zap.Logger
	Registerer      prometheus.Registerer
}

func New(p NewParam) (*Handler, error) {
	if p.Controller == nil {
		return nil, errors.New("stations: Controller is required")
	}
	if p.RefreshInterval < 0 {
		return nil, fmt.Errorf("stations: negative refresh interval %v", p.RefreshInterval)
	}
	if p.Ctx == nil {
		p.Ctx = context.Background()
	}
	if p.Logger == nil {
		p.Logger = zap.NewNop()
	}

	h := &Handler{
		controller: p.Controller,
		logger:     p.Logger.Named("stations"),
		metrics:    newMetrics(p.Registerer),
	}
	h.ctx, h.cancel = context.WithCancel(p.Ctx)

	if p.RefreshInterval > 0 {
		h.tick = time.NewTicker(p.RefreshInterval)
		h.wg.Add(1)
		go h.update()
	}

	return h, nil
}

func MustNew(p NewParam) *Handler {
	h, err := New(p)
	if err != nil {
		panic(err)
	}
	return h
}

// Register mounts the station routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/stations", h.route("stations", h.serveStations))
	mux.HandleFunc("GET /v1/favorites", h.route("favorites", h.serveFavorites))
	mux.HandleFunc("POST /v1/favorites/{id}", h.route("toggle", h.serveToggle))
	mux.HandleFunc("POST /v1/refresh", h.route("refresh", h.serveRefresh))
	mux.HandleFunc("GET /v1/network", h.route("network", h.serveNetwork))
}

// update refreshes immediately, then once per tick.
func (h *Handler) update() {
	defer h.wg.Done()
	running := true
	for running {
		func() {
			var err error

			defer func() {
				h.metrics.BgRequests.Inc()
				if err != nil {
					h.metrics.BgErrors.Inc()
				}

				select {
				case <-h.ctx.Done():
					h.logger.Debug("exiting update loop")
					running = false
				case <-h.tick.C:
				}
			}()

			res := <-h.controller.Refresh(h.ctx)
			err = res.Err
			if err != nil && res.Reason != model.ReasonCanceled {
				h.logger.Warn("background refresh failed",
					zap.String("reason", string(res.Reason)), zap.Error(err))
			}
		}()
	}
}

// Stop ends the background refresh loop.
func (h *Handler) Stop() {
	h.cancel()
	h.wg.Wait()
	if h.tick != nil {
		h.tick.Stop()
	}
}

func (h *Handler) route(name string, f func(w http.ResponseWriter, r *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()
		var err error

		defer func() {
			h.metrics.Latency.Observe(time.Since(startTime).Seconds())
			h.metrics.Requests.WithLabelValues(name).Inc()
			if err != nil {
				h.metrics.Errors.WithLabelValues(name).Inc()
			}
		}()

		err = f(w, r)
	}
}

func (h *Handler) serveStations(w http.ResponseWriter, r *http.Request) error {
	res := listResult{Stations: model.Stations{}}
	if snap := h.controller.Snapshot(); snap != nil {
		res.Network = snap.Network.ID
		res.Stations = snap.All.Search(r.URL.Query().Get("q"))
		res.LastUpdated = millis(snap.UpdatedAt)
	}
	return h.reply(w, http.StatusOK, res)
}

func (h *Handler) serveFavorites(w http.ResponseWriter, r *http.Request) error {
	res := listResult{Stations: model.Stations{}}
	if snap := h.controller.Snapshot(); snap != nil {
		res.Network = snap.Network.ID
		res.Stations = snap.Favorites
		res.LastUpdated = millis(snap.UpdatedAt)
	}
	return h.reply(w, http.StatusOK, res)
}

func (h *Handler) serveToggle(w http.ResponseWriter, r *http.Request) error {
	id := r.PathValue("id")
	if id == "" {
		err := errors.New("missing station id")
		h.replyError(w, http.StatusBadRequest, err)
		return err
	}

	on, err := h.controller.ToggleFavorite(r.Context(), id)
	if err != nil {
		h.logger.Error("toggling favorite", zap.String("station", id), zap.Error(err))
		h.replyError(w, http.StatusInternalServerError, err)
		return err
	}

	return h.reply(w, http.StatusOK, toggleResult{ID: id, Favorite: on})
}

func (h *Handler) serveRefresh(w http.ResponseWriter, r *http.Request) error {
	res := <-h.controller.Refresh(r.Context())
	if !res.OK() {
		h.replyError(w, statusFor(res.Reason), res.Err)
		return res.Err
	}

	favs := res.FavoriteStations
	if favs == nil {
		favs = model.Stations{}
	}
	return h.reply(w, http.StatusOK, refreshResult{
		Network:   res.Network.ID,
		Stations:  len(res.AllStations),
		Favorites: favs,
	})
}

func (h *Handler) serveNetwork(w http.ResponseWriter, r *http.Request) error {
	snap := h.controller.Snapshot()
	if snap == nil {
		h.replyError(w, http.StatusNotFound, errNoNetwork)
		return errNoNetwork
	}

	return h.reply(w, http.StatusOK, networkResult{
		BikeNetwork: snap.Network,
		Favorites:   snap.Favorites,
		LastUpdated: millis(snap.UpdatedAt),
	})
}

// statusFor maps a refresh failure to the reply status. A missing network
// id is the caller's to fix, so it is a precondition failure.
func statusFor(reason model.Reason) int {
	switch reason {
	case model.ReasonNoNetwork:
		return http.StatusPreconditionFailed
	case model.ReasonConnection, model.ReasonMalformed:
		return http.StatusBadGateway
	case model.ReasonCanceled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) reply(w http.ResponseWriter, status int, v any) error {
	marshal, err := json.Marshal(v)
	if err != nil {
		h.replyError(w, http.StatusInternalServerError, err)
		return err
	}

	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_, err = w.Write(marshal)
	if err != nil {
		h.logger.Debug("writing response", zap.Error(err))
	}
	return err
}

func (h *Handler) replyError(w http.ResponseWriter, status int, err error) {
	b, _ := json.Marshal(map[string]string{"error": err.Error()})
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(status)
	_, err2 := w.Write(b)
	if err2 != nil {
		h.logger.Debug("double fault in stations handler", zap.NamedError("cause", err), zap.Error(err2))
	}
}

func millis(t time.Time) uint64 {
	if t.IsZero() {
		return 0
	}
	return uint64(t.UnixMilli())
}
