package tui

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/salahayoub/dronenet/pkg/types"
)

// HTTPDataFetcher implements DataFetcher against a node's /status endpoint.
type HTTPDataFetcher struct {
	baseURL    string
	client     *http.Client
	mu         sync.RWMutex
	connected  bool
	lastStatus *types.StatusResponse
	lastUpdate time.Time
}

// NewHTTPDataFetcher creates a new HTTP-based data fetcher.
// baseURL should be the HTTP endpoint of the node (e.g., "http://localhost:8400").
func NewHTTPDataFetcher(baseURL string) *HTTPDataFetcher {
	return &HTTPDataFetcher{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client: &http.Client{
			Timeout: 2 * time.Second,
		},
		connected: true, // Assume connected initially
	}
}

// FetchStatus retrieves the node's status. When the node is unreachable the
// last good status is returned along with the error.
func (f *HTTPDataFetcher) FetchStatus() (*types.StatusResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	resp, err := f.client.Get(f.baseURL + "/status")
	if err != nil {
		f.connected = false
		return f.lastStatus, fmt.Errorf("failed to connect: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		f.connected = false
		return f.lastStatus, fmt.Errorf("status endpoint returned %d", resp.StatusCode)
	}

	var status types.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		f.connected = false
		return f.lastStatus, fmt.Errorf("failed to decode status: %w", err)
	}

	f.connected = true
	f.lastStatus = &status
	f.lastUpdate = time.Now()
	return &status, nil
}

// IsConnected returns whether the last request succeeded.
func (f *HTTPDataFetcher) IsConnected() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.connected
}

// Reconnect probes /healthz.
func (f *HTTPDataFetcher) Reconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	resp, err := f.client.Get(f.baseURL + "/healthz")
	if err != nil {
		f.connected = false
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		f.connected = true
		return nil
	}

	f.connected = false
	return fmt.Errorf("health check failed: %d", resp.StatusCode)
}

// Name returns the base URL.
func (f *HTTPDataFetcher) Name() string {
	return f.baseURL
}

// LastUpdate returns when a status was last fetched successfully.
func (f *HTTPDataFetcher) LastUpdate() time.Time {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.lastUpdate
}
