// Package types holds shared data structures used across dronenet packages.
// The HTTP server, the TUI fetchers and the exporter all speak StatusResponse.
package types

import (
	"time"

	"github.com/salahayoub/dronenet/pkg/engine"
	"github.com/salahayoub/dronenet/pkg/network"
)

// StatusResponse is the JSON payload returned by the /status endpoint.
type StatusResponse struct {
	DroneID   uint16           `json:"drone_id"`
	Nonce     string           `json:"instance_nonce"`
	State     string           `json:"state"`
	MasterID  uint16           `json:"master_id"`
	Status    string           `json:"status"`
	Uptime    float64          `json:"uptime"`
	TakenAt   time.Time        `json:"taken_at"`
	Drones    []DroneStatus    `json:"drones"`
	Conflicts []ConflictStatus `json:"conflicts"`
}

// DroneStatus is one record of the network view. Age is seconds since the
// drone was last heard from.
type DroneStatus struct {
	ID           uint16     `json:"drone_id"`
	Role         string     `json:"role"`
	Status       string     `json:"status"`
	Position     [3]float64 `json:"position"`
	BatteryLevel float64    `json:"battery_level"`
	Capabilities []string   `json:"capabilities,omitempty"`
	Reliability  float64    `json:"reliability"`
	Age          float64    `json:"age"`
	Provisional  bool       `json:"provisional,omitempty"`
	Self         bool       `json:"self,omitempty"`
}

// ConflictStatus is one id change this drone made after losing a conflict.
type ConflictStatus struct {
	OldID uint16    `json:"old_id"`
	NewID uint16    `json:"new_id"`
	At    time.Time `json:"at"`
}

// Online counts the drones reported ONLINE, self included.
func (s StatusResponse) Online() int {
	n := 0
	for _, d := range s.Drones {
		if d.Status == network.Online.String() {
			n++
		}
	}
	return n
}

// NewStatusResponse converts an engine snapshot to its wire form.
func NewStatusResponse(snap engine.Snapshot) StatusResponse {
	resp := StatusResponse{
		DroneID:   uint16(snap.ID),
		Nonce:     snap.Nonce,
		State:     snap.State.String(),
		MasterID:  uint16(snap.MasterID),
		Status:    snap.Status,
		Uptime:    snap.TakenAt.Sub(snap.StartedAt).Seconds(),
		TakenAt:   snap.TakenAt,
		Drones:    make([]DroneStatus, 0, len(snap.Records)),
		Conflicts: make([]ConflictStatus, 0, len(snap.Conflicts)),
	}
	for _, rec := range snap.Records {
		age := snap.TakenAt.Sub(rec.LastSeen).Seconds()
		if age < 0 {
			age = 0
		}
		resp.Drones = append(resp.Drones, DroneStatus{
			ID:           uint16(rec.ID),
			Role:         rec.Role.String(),
			Status:       rec.Liveness.String(),
			Position:     [3]float64{rec.Position.X, rec.Position.Y, rec.Position.Z},
			BatteryLevel: rec.BatteryLevel,
			Capabilities: rec.Capabilities,
			Reliability:  rec.Reliability,
			Age:          age,
			Provisional:  rec.Provisional,
			Self:         rec.ID == snap.ID,
		})
	}
	for _, c := range snap.Conflicts {
		resp.Conflicts = append(resp.Conflicts, ConflictStatus{
			OldID: uint16(c.OldID),
			NewID: uint16(c.NewID),
			At:    c.At,
		})
	}
	return resp
}
