package history

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.lepak.sg/bikeshare-backend/model"
	"go.lepak.sg/bikeshare-backend/recorder"
	"go.lepak.sg/bikeshare-backend/refresh"
)

type fakeStore struct {
	network, station string
	since            time.Time
	samples          []recorder.Sample
	err              error
}

func (f *fakeStore) History(ctx context.Context, networkID, stationID string, since time.Time) ([]recorder.Sample, error) {
	f.network, f.station, f.since = networkID, stationID, since
	return f.samples, f.err
}

type fakeSource struct {
	snap *refresh.Snapshot
}

func (f fakeSource) Snapshot() *refresh.Snapshot { return f.snap }

var loaded = fakeSource{snap: &refresh.Snapshot{Network: &model.BikeNetwork{ID: "velib"}}}

func serve(h Handler, target string) *httptest.ResponseRecorder {
	mux := http.NewServeMux()
	mux.Handle("GET /v1/stations/{id}/history", h)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func TestHistory(t *testing.T) {
	at := time.UnixMilli(1700000000000).UTC()
	store := &fakeStore{samples: []recorder.Sample{{Time: at, FreeBikes: 2, EmptySlots: 8}}}

	start := time.Now()
	rec := serve(Handler{Store: store, Source: loaded}, "/v1/stations/42/history?window=1h")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, "velib", store.network)
	assert.Equal(t, "42", store.station)
	assert.WithinDuration(t, start.Add(-time.Hour), store.since, 5*time.Second)

	var res result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "velib", res.Network)
	assert.Equal(t, "42", res.Station)
	require.Len(t, res.Samples, 1)
	assert.True(t, at.Equal(res.Samples[0].Time))
	assert.Equal(t, 2, res.Samples[0].FreeBikes)
}

func TestHistory_DefaultWindow(t *testing.T) {
	store := &fakeStore{samples: []recorder.Sample{}}

	start := time.Now()
	rec := serve(Handler{Store: store, Source: loaded}, "/v1/stations/42/history")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.WithinDuration(t, start.Add(-defaultWindow), store.since, 5*time.Second)
	assert.JSONEq(t, `{"network":"velib","station":"42","samples":[]}`, rec.Body.String())
}

func TestHistory_Errors(t *testing.T) {
	tests := []struct {
		name   string
		h      Handler
		target string
		status int
	}{
		{"bad window", Handler{Store: &fakeStore{}, Source: loaded}, "/v1/stations/1/history?window=soon", http.StatusBadRequest},
		{"negative window", Handler{Store: &fakeStore{}, Source: loaded}, "/v1/stations/1/history?window=-1h", http.StatusBadRequest},
		{"no network", Handler{Store: &fakeStore{}, Source: fakeSource{}}, "/v1/stations/1/history", http.StatusNotFound},
		{"store error", Handler{Store: &fakeStore{err: errors.New("gone")}, Source: loaded}, "/v1/stations/1/history", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(tt.h, tt.target)
			assert.Equal(t, tt.status, rec.Code)

			var e map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
			assert.NotEmpty(t, e["error"])
		})
	}
}
