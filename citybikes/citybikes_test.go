package citybikes

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_FetchNetwork(t *testing.T) {
	var gotPath, gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotUA = r.Header.Get("User-Agent")
		w.Header().Set("content-type", "application/json")
		_, _ = w.Write([]byte(velibPayload))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/v2/networks/", 0)
	n, err := c.FetchNetwork(context.Background(), "velib", false)
	require.NoError(t, err)

	assert.Equal(t, "/v2/networks/velib", gotPath)
	assert.NotEmpty(t, gotUA)
	assert.Equal(t, "velib", n.ID)
	assert.Len(t, n.Stations, 1)
}

func TestClient_NetworkURL(t *testing.T) {
	c := NewClient("", 0)
	assert.Equal(t, DefaultBaseURL+"/velib", c.NetworkURL("velib"))
	assert.Equal(t, DefaultBaseURL+"/a%2Fb", c.NetworkURL("a/b"))
}

func TestClient_Non200IsConnectionError(t *testing.T) {
	for _, status := range []int{http.StatusNotFound, http.StatusInternalServerError, http.StatusNoContent} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))

		c := NewClient(srv.URL, 0)
		_, err := c.GetNetwork(context.Background(), "velib")
		assert.ErrorIs(t, err, ErrConnection, "status %d", status)
		assert.NotErrorIs(t, err, ErrMalformedPayload)

		srv.Close()
	}
}

func TestClient_TransportErrorIsConnectionError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := NewClient(url, 0)
	_, err := c.GetNetwork(context.Background(), "velib")
	assert.ErrorIs(t, err, ErrConnection)
}

func TestClient_TimeoutIsConnectionError(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(srv.URL, 50*time.Millisecond)
	_, err := c.GetNetwork(context.Background(), "velib")
	assert.ErrorIs(t, err, ErrConnection)
}

func TestClient_MalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"network":{"id":"velib","name":"Velib"}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 0)
	_, err := c.FetchNetwork(context.Background(), "velib", false)
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestClient_ListNetworks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v2/networks", r.URL.Path)
		_, _ = w.Write([]byte(`{"networks":[{"id":"velib","name":"Velib","location":{"city":"Paris"}}]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/v2/networks", 0)
	nets, err := c.ListNetworks(context.Background())
	require.NoError(t, err)
	require.Len(t, nets, 1)
	assert.Equal(t, "Velib", nets[0].Name)
}
