package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"go.lepak.sg/bikeshare-backend/config"
	"go.lepak.sg/bikeshare-backend/model"
	"go.lepak.sg/bikeshare-backend/prefs"
	"go.lepak.sg/bikeshare-backend/recorder"
	"go.lepak.sg/bikeshare-backend/server"
)

const velibPayload = `{"network":{"id":"velib","name":"Velib","stations":[{"id":"1","name":"Station A","lat":0,"lng":0,"free_bikes":3,"empty_slots":5}]}}`

func TestSetup_ServesHistory(t *testing.T) {
	ctx := context.Background()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(velibPayload))
	}))
	defer upstream.Close()

	dsn := filepath.Join(t.TempDir(), "bikes.db")

	// what the cli and the recorder would have left behind
	store, err := prefs.Open(ctx, prefs.DriverSQLite, dsn)
	require.NoError(t, err)
	require.NoError(t, store.SetNetworkID(ctx, "velib"))
	db, err := prefs.OpenDB(prefs.DriverSQLite, dsn)
	require.NoError(t, err)
	rec, err := recorder.New(ctx, db, nil)
	require.NoError(t, err)
	require.NoError(t, rec.Save(ctx, time.Now(), "velib", model.Stations{{ID: "1", FreeBikes: 3, EmptySlots: 5}}))
	require.NoError(t, db.Close())
	require.NoError(t, store.Close())

	cfg := config.Default()
	cfg.Database.DSN = dsn
	cfg.API.BaseURL = upstream.URL

	p, closeAll, err := setup(ctx, cfg, zaptest.NewLogger(t), prometheus.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(closeAll)
	require.NotNil(t, p.History)

	h, stop := server.Handler(ctx, p)
	t.Cleanup(stop)

	select {
	case res := <-p.Controller.Refresh(ctx):
		require.True(t, res.OK(), "err: %v", res.Err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for refresh")
	}

	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, httptest.NewRequest(http.MethodGet, "/v1/stations/1/history?window=1h", nil))
	require.Equal(t, http.StatusOK, rw.Code, rw.Body.String())

	var body struct {
		Network string            `json:"network"`
		Station string            `json:"station"`
		Samples []recorder.Sample `json:"samples"`
	}
	require.NoError(t, json.Unmarshal(rw.Body.Bytes(), &body))
	assert.Equal(t, "velib", body.Network)
	require.Len(t, body.Samples, 1)
	assert.Equal(t, 3, body.Samples[0].FreeBikes)
}

func TestSetup_BadDriver(t *testing.T) {
	cfg := config.Default()
	cfg.Database.Driver = "postgres"

	_, _, err := setup(context.Background(), cfg, zaptest.NewLogger(t), prometheus.NewRegistry())
	assert.ErrorIs(t, err, prefs.ErrUnsupportedDriver)
}
