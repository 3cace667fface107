package tui

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/salahayoub/dronenet/pkg/engine"
	"github.com/salahayoub/dronenet/pkg/transport"
)

// TestHTTPDataFetcher_FetchStatus tests decoding /status and falling back to
// the last good status when the node goes away.
func TestHTTPDataFetcher_FetchStatus(t *testing.T) {
	want := newMockDataFetcher().status
	var healthy atomic.Bool
	healthy.Store(true)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		switch r.URL.Path {
		case "/status":
			json.NewEncoder(w).Encode(want)
		case "/healthz":
			w.WriteHeader(http.StatusOK)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	f := NewHTTPDataFetcher(srv.URL + "/")
	if f.Name() != srv.URL {
		t.Errorf("Expected trailing slash trimmed, got %q", f.Name())
	}

	got, err := f.FetchStatus()
	if err != nil {
		t.Fatalf("Failed to fetch status: %v", err)
	}
	if got.DroneID != 7 || len(got.Drones) != 3 || !f.IsConnected() {
		t.Errorf("Unexpected status %+v", got)
	}
	if f.LastUpdate().IsZero() {
		t.Error("Expected LastUpdate to be set")
	}

	healthy.Store(false)
	got, err = f.FetchStatus()
	if err == nil {
		t.Fatal("Expected error from unhealthy node")
	}
	if got == nil || got.DroneID != 7 {
		t.Errorf("Expected cached status, got %+v", got)
	}
	if f.IsConnected() {
		t.Error("Expected disconnected after failure")
	}
	if err := f.Reconnect(); err == nil {
		t.Error("Expected reconnect to fail while unhealthy")
	}

	healthy.Store(true)
	if err := f.Reconnect(); err != nil || !f.IsConnected() {
		t.Errorf("Expected reconnect to succeed: %v", err)
	}
}

// TestHTTPDataFetcher_Unreachable tests a node that never answered.
func TestHTTPDataFetcher_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	f := NewHTTPDataFetcher(url)
	got, err := f.FetchStatus()
	if err == nil || got != nil {
		t.Errorf("Expected error and no status, got %+v, %v", got, err)
	}
}

// TestEngineDataFetcher tests reading a local engine's snapshot.
func TestEngineDataFetcher(t *testing.T) {
	cfg := engine.DefaultConfig()
	cfg.DroneID = 21
	e, err := engine.New(cfg, transport.NewHub().Join("a"))
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}

	f := NewEngineDataFetcher(e, "local")
	status, err := f.FetchStatus()
	if err != nil {
		t.Fatalf("Failed to fetch status: %v", err)
	}
	if status.DroneID != 21 || status.State != "SEEKING" || len(status.Drones) != 1 {
		t.Errorf("Unexpected status %+v", status)
	}

	f.Disconnect()
	if _, err := f.FetchStatus(); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected, got %v", err)
	}
	if err := f.Reconnect(); err != nil || !f.IsConnected() {
		t.Errorf("Expected reconnect to succeed: %v", err)
	}
	if f.Name() != "local" {
		t.Errorf("Unexpected name %q", f.Name())
	}
}

var _ DataFetcher = (*HTTPDataFetcher)(nil)
var _ DataFetcher = (*EngineDataFetcher)(nil)
var _ Snapshotter = (*engine.Engine)(nil)
