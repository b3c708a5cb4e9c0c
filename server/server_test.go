package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"go.lepak.sg/bikeshare-backend/citybikes"
	"go.lepak.sg/bikeshare-backend/favorites"
	"go.lepak.sg/bikeshare-backend/model"
	"go.lepak.sg/bikeshare-backend/prefs"
	"go.lepak.sg/bikeshare-backend/recorder"
	"go.lepak.sg/bikeshare-backend/refresh"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const payload = `{"network":{"id":"velib","name":"Velib","company":["JCDecaux"],"stations":[
	{"id":"a1","name":"zoo gate","latitude":1.5,"longitude":2.5,"free_bikes":4,"empty_slots":6},
	{"id":"b2","name":"Art Museum","latitude":1.6,"longitude":2.6,"free_bikes":0,"empty_slots":12},
	{"id":"c3","name":"market","latitude":1.7,"longitude":2.7,"free_bikes":9,"empty_slots":1}]}}`

type staticFetcher struct{}

func (staticFetcher) FetchNetwork(ctx context.Context, networkID string, strip bool) (*model.BikeNetwork, error) {
	return citybikes.Parse([]byte(payload), strip)
}

type fixture struct {
	prefs      *prefs.Store
	recorder   *recorder.Recorder
	controller *refresh.Controller
	handler    http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	db, err := prefs.OpenDB(prefs.DriverSQLite, ":memory:")
	require.NoError(t, err)
	store, err := prefs.New(ctx, db, prefs.DriverSQLite)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	rec, err := recorder.New(ctx, db, nil)
	require.NoError(t, err)

	favs, err := favorites.Load(ctx, store)
	require.NoError(t, err)

	logger := zaptest.NewLogger(t)
	c := refresh.MustNew(refresh.NewParam{
		Config:     store,
		Fetcher:    staticFetcher{},
		Favorites:  favs,
		Logger:     logger,
		Registerer: prometheus.NewRegistry(),
	})
	t.Cleanup(c.Close)

	h, stop := Handler(ctx, Param{
		Controller: c,
		History:    rec,
		Logger:     logger,
		Registerer: prometheus.NewRegistry(),
	})
	t.Cleanup(stop)

	return &fixture{prefs: store, recorder: rec, controller: c, handler: h}
}

func (f *fixture) do(t *testing.T, method, target string, out any) int {
	t.Helper()
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	if out != nil {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec.Code
}

type listBody struct {
	Network  string         `json:"network"`
	Stations model.Stations `json:"stations"`
}

func names(l model.Stations) []string {
	out := make([]string, len(l))
	for i := range l {
		out[i] = l[i].Name
	}
	return out
}

func TestServer_NoNetworkConfigured(t *testing.T) {
	f := newFixture(t)

	var e map[string]string
	assert.Equal(t, http.StatusPreconditionFailed, f.do(t, http.MethodPost, "/v1/refresh", &e))
	assert.Equal(t, refresh.ErrEmptyNetworkConfig.Error(), e["error"])

	var st map[string]any
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/status", &st))
	assert.Equal(t, "idle", st["state"])
	assert.NotContains(t, st, "network")
}

func TestServer_RefreshFavoritesSearch(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.prefs.SetNetworkID(context.Background(), "velib"))

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/v1/refresh", nil))

	var all listBody
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/stations", &all))
	assert.Equal(t, "velib", all.Network)
	assert.Equal(t, []string{"Art Museum", "market", "zoo gate"}, names(all.Stations))

	var toggled map[string]any
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/v1/favorites/a1", &toggled))
	assert.Equal(t, true, toggled["favorite"])
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/v1/favorites/b2", nil))

	var favs listBody
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/favorites", &favs))
	assert.Equal(t, []string{"Art Museum", "zoo gate"}, names(favs.Stations))

	// persisted through prefs
	ids, err := f.prefs.FavStations(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]struct{}{"a1": {}, "b2": {}}, ids)

	var found listBody
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/stations?q=MAR", &found))
	assert.Equal(t, []string{"market"}, names(found.Stations))

	var st map[string]any
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/status", &st))
	assert.Equal(t, "velib", st["network"])
	assert.EqualValues(t, 3, st["stations"])
	assert.EqualValues(t, 2, st["favorites"])
}

func TestServer_StripIDs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.prefs.SetNetworkID(ctx, "velib"))
	require.NoError(t, f.prefs.SetStripID(ctx, true))

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodPost, "/v1/refresh", nil))

	var network struct {
		ID       string         `json:"id"`
		Company  []string       `json:"company"`
		Stations model.Stations `json:"stations"`
	}
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/network", &network))
	assert.Equal(t, "velib", network.ID)
	assert.Equal(t, []string{"JCDecaux"}, network.Company)
	require.Len(t, network.Stations, 3)
}

func TestServer_History(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var e map[string]string
	assert.Equal(t, http.StatusNotFound, f.do(t, http.MethodGet, "/v1/stations/a1/history", &e))

	require.NoError(t, f.prefs.SetNetworkID(ctx, "velib"))
	res := <-f.controller.Refresh(ctx)
	require.True(t, res.OK())
	require.NoError(t, f.recorder.Save(ctx, time.Now(), res.Network.ID, res.AllStations))

	var body struct {
		Station string            `json:"station"`
		Samples []recorder.Sample `json:"samples"`
	}
	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/v1/stations/a1/history", &body))
	assert.Equal(t, "a1", body.Station)
	require.Len(t, body.Samples, 1)
	assert.Equal(t, 4, body.Samples[0].FreeBikes)
}

func TestStartHttp_StopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- StartHttp(ctx, Param{
			Addr:       "127.0.0.1:0",
			PromAddr:   "127.0.0.1:0",
			Controller: f.controller,
			Logger:     zaptest.NewLogger(t),
			Registerer: prometheus.NewRegistry(),
			Gatherer:   prometheus.NewRegistry(),
		})
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestStartHttp_ListenError(t *testing.T) {
	f := newFixture(t)

	err := StartHttp(context.Background(), Param{
		Addr:       "127.0.0.1:-1",
		PromAddr:   "127.0.0.1:0",
		Controller: f.controller,
		Registerer: prometheus.NewRegistry(),
		Gatherer:   prometheus.NewRegistry(),
	})
	assert.Error(t, err)
}
