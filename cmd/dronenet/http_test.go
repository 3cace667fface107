package main

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/salahayoub/dronenet/pkg/engine"
	"github.com/salahayoub/dronenet/pkg/network"
	"github.com/salahayoub/dronenet/pkg/protocol"
	"github.com/salahayoub/dronenet/pkg/telemetry"
	"github.com/salahayoub/dronenet/pkg/types"
)

// fakeSource returns a fixed snapshot.
type fakeSource struct {
	snap engine.Snapshot
}

func (f *fakeSource) Snapshot() engine.Snapshot { return f.snap }

func newFakeSource() *fakeSource {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return &fakeSource{snap: engine.Snapshot{
		ID:        7,
		Nonce:     "n7",
		State:     protocol.StateSlave,
		MasterID:  3,
		Status:    "Network established: 2 drones online",
		StartedAt: now.Add(-time.Minute),
		TakenAt:   now,
		Records: []network.Record{
			{ID: 3, Role: network.RoleMaster, Liveness: network.Online, LastSeen: now.Add(-2 * time.Second)},
			{ID: 7, Role: network.RoleSlave, Liveness: network.Online, LastSeen: now},
		},
	}}
}

// TestStatusHandler tests GET /status returns the snapshot as JSON.
func TestStatusHandler(t *testing.T) {
	srv := httptest.NewServer(NewRouter(newFakeSource(), nil, nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatalf("Failed to GET /status: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected JSON content type, got %q", ct)
	}

	var status types.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		t.Fatalf("Failed to decode status: %v", err)
	}
	if status.DroneID != 7 || status.State != "SLAVE" || status.MasterID != 3 {
		t.Errorf("Unexpected status %+v", status)
	}
	if len(status.Drones) != 2 || status.Online() != 2 {
		t.Errorf("Expected 2 online drones, got %+v", status.Drones)
	}
	if status.Uptime != 60 {
		t.Errorf("Expected uptime 60, got %v", status.Uptime)
	}
}

// TestHealthz tests the liveness endpoint.
func TestHealthz(t *testing.T) {
	srv := httptest.NewServer(NewRouter(newFakeSource(), nil, nil))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("Failed to GET /healthz: %v", err)
	}
	defer resp.Body.Close()

	var health healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("Failed to decode health: %v", err)
	}
	if health.Status != "ok" || health.DroneID != 7 || health.State != "SLAVE" {
		t.Errorf("Unexpected health %+v", health)
	}
}

// TestRouter_Metrics tests /metrics is only mounted with a metrics sink.
func TestRouter_Metrics(t *testing.T) {
	tests := []struct {
		name    string
		metrics *telemetry.Metrics
		want    int
	}{
		{"without metrics", nil, http.StatusNotFound},
		{"with metrics", telemetry.New(false), http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.metrics != nil {
				tt.metrics.SetState("SLAVE")
			}
			srv := httptest.NewServer(NewRouter(newFakeSource(), tt.metrics, nil))
			defer srv.Close()

			resp, err := http.Get(srv.URL + "/metrics")
			if err != nil {
				t.Fatalf("Failed to GET /metrics: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Fatalf("Expected %d, got %d", tt.want, resp.StatusCode)
			}
			if tt.metrics != nil {
				body, _ := io.ReadAll(resp.Body)
				if !strings.Contains(string(body), "dronenet_") {
					t.Errorf("Expected dronenet metrics, got:\n%s", body)
				}
			}
		})
	}
}

// TestStatusHandler_MethodNotAllowed tests non-GET requests are rejected.
func TestStatusHandler_MethodNotAllowed(t *testing.T) {
	srv := httptest.NewServer(NewRouter(newFakeSource(), nil, nil))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/status", "application/json", nil)
	if err != nil {
		t.Fatalf("Failed to POST /status: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", resp.StatusCode)
	}
}
