package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/salahayoub/dronenet/pkg/engine"
	"github.com/salahayoub/dronenet/pkg/network"
	"github.com/salahayoub/dronenet/pkg/protocol"
	"github.com/salahayoub/dronenet/pkg/storage"
)

// TestNewStatusResponse verifies snapshot conversion, including ages,
// positions and conflict history.
func TestNewStatusResponse(t *testing.T) {
	start := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	taken := start.Add(90 * time.Second)

	snap := engine.Snapshot{
		ID:        7,
		Nonce:     "n7",
		State:     protocol.StateSlave,
		MasterID:  3,
		Status:    "Network established: 2 drones online",
		StartedAt: start,
		TakenAt:   taken,
		Records: []network.Record{
			{ID: 3, Role: network.RoleMaster, Liveness: network.Online, LastSeen: taken.Add(-4 * time.Second),
				Position: network.Position{X: 1, Y: 2, Z: 3}, BatteryLevel: 80, Reliability: 0.9},
			{ID: 7, Role: network.RoleSlave, Liveness: network.Online, LastSeen: taken, BatteryLevel: 60, Reliability: 1},
			{ID: 9, Role: network.RoleSlave, Liveness: network.Offline, LastSeen: taken.Add(-70 * time.Second)},
		},
		Conflicts: []storage.ConflictRecord{{OldID: 42, NewID: 7, PeerNonce: "zz", At: start.Add(time.Second)}},
	}

	resp := NewStatusResponse(snap)

	if resp.DroneID != 7 || resp.MasterID != 3 || resp.State != "SLAVE" {
		t.Errorf("Unexpected header fields: %+v", resp)
	}
	if resp.Uptime != 90 {
		t.Errorf("Expected uptime 90s, got %f", resp.Uptime)
	}
	if len(resp.Drones) != 3 {
		t.Fatalf("Expected 3 drones, got %d", len(resp.Drones))
	}
	master := resp.Drones[0]
	if master.Age != 4 || master.Position != [3]float64{1, 2, 3} || master.Role != "MASTER" || master.Self {
		t.Errorf("Unexpected master entry: %+v", master)
	}
	if !resp.Drones[1].Self {
		t.Errorf("Self entry not flagged")
	}
	if resp.Drones[2].Status != "OFFLINE" {
		t.Errorf("Expected OFFLINE, got %s", resp.Drones[2].Status)
	}
	if resp.Online() != 2 {
		t.Errorf("Expected 2 online, got %d", resp.Online())
	}
	if len(resp.Conflicts) != 1 || resp.Conflicts[0].OldID != 42 {
		t.Errorf("Unexpected conflicts: %+v", resp.Conflicts)
	}

	data, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("Failed to marshal: %v", err)
	}
	var decoded StatusResponse
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Failed to unmarshal: %v", err)
	}
	if decoded.Drones[0].BatteryLevel != 80 || decoded.Nonce != "n7" {
		t.Errorf("JSON round trip lost data: %+v", decoded)
	}
}
