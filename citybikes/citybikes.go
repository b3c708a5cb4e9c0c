package citybikes

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.lepak.sg/bikeshare-backend/model"
)

const (
	DefaultBaseURL = "http://api.citybik.es/v2/networks"
	DefaultTimeout = 15 * time.Second

	userAgent = "bikeshare-backend/1 (+https://go.lepak.sg/bikeshare-backend)"

	// networks with a few thousand stations are a couple of MB
	maxBodySize = 32 << 20
)

var (
	ErrConnection       = errors.New("connection error")
	ErrMalformedPayload = errors.New("malformed payload")
)

type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a client for the network API rooted at baseURL.
// If timeout is 0 DefaultTimeout is used; a request exceeding it fails with ErrConnection.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) NetworkURL(networkID string) string {
	return c.baseURL + "/" + url.PathEscape(networkID)
}

// GetNetwork fetches the raw payload of one network.
// Anything other than a 200 response is reported as ErrConnection.
func (c *Client) GetNetwork(ctx context.Context, networkID string) ([]byte, error) {
	return c.get(ctx, c.NetworkURL(networkID))
}

// FetchNetwork fetches and parses one network.
func (c *Client) FetchNetwork(ctx context.Context, networkID string, stripIDPrefix bool) (*model.BikeNetwork, error) {
	buf, err := c.GetNetwork(ctx, networkID)
	if err != nil {
		return nil, err
	}
	return Parse(buf, stripIDPrefix)
}

func (c *Client) get(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnection, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// drain so the connection can be reused
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: GET %s: status %d", ErrConnection, u, resp.StatusCode)
	}

	buf, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("%w: reading body: %w", ErrConnection, err)
	}

	return buf, nil
}
