// Package network holds a node's local picture of the drone network: one
// Record per known drone plus the View that indexes them.
//
// Records are plain data. The View is not safe for concurrent use; it is
// owned by a single coordination engine, which serializes every access on its
// control loop.
package network

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// ID identifies a drone on the network. Valid ids are 1..65535; zero is
// reserved as "no drone".
type ID uint16

// None is the zero ID. It never names a real drone.
const None ID = 0

// Valid reports whether id is in the assignable range.
func (id ID) Valid() bool {
	return id != None
}

// Role is the coordination role a drone advertises for itself.
type Role int

const (
	RoleUnknown Role = iota
	RoleMaster
	RoleSlave
	RoleConnected
)

// String returns the wire name of the role.
func (r Role) String() string {
	switch r {
	case RoleMaster:
		return "MASTER"
	case RoleSlave:
		return "SLAVE"
	case RoleConnected:
		return "CONNECTED"
	default:
		return "UNKNOWN"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Role) UnmarshalText(b []byte) error {
	switch strings.ToUpper(string(b)) {
	case "MASTER":
		*r = RoleMaster
	case "SLAVE":
		*r = RoleSlave
	case "CONNECTED":
		*r = RoleConnected
	case "UNKNOWN", "":
		*r = RoleUnknown
	default:
		return fmt.Errorf("unknown role %q", string(b))
	}
	return nil
}

// Liveness classifies a peer by how recently it was heard from.
// Transitions: ONLINE → OFFLINE (after offlineTimeout) → LOST (after evictionGrace, then evicted).
// Any message moves a record back to ONLINE.
type Liveness int

const (
	Online Liveness = iota
	Offline
	Lost
)

// String returns the wire name of the liveness state.
func (l Liveness) String() string {
	switch l {
	case Online:
		return "ONLINE"
	case Offline:
		return "OFFLINE"
	case Lost:
		return "LOST"
	default:
		return "UNKNOWN"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (l Liveness) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Liveness) UnmarshalText(b []byte) error {
	switch strings.ToUpper(string(b)) {
	case "ONLINE":
		*l = Online
	case "OFFLINE":
		*l = Offline
	case "LOST":
		*l = Lost
	default:
		return fmt.Errorf("unknown liveness %q", string(b))
	}
	return nil
}

// Position is a point in the drones' shared coordinate frame.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Finite reports whether every coordinate is a finite number.
func (p Position) Finite() bool {
	for _, c := range [3]float64{p.X, p.Y, p.Z} {
		if math.IsNaN(c) || math.IsInf(c, 0) {
			return false
		}
	}
	return true
}

// ClampBattery bounds a battery reading to [0, 100].
func ClampBattery(level float64) float64 {
	if math.IsNaN(level) {
		return 0
	}
	return math.Max(0, math.Min(100, level))
}

// Record is everything this node has observed about one drone, including
// itself.
type Record struct {
	ID           ID
	Nonce        string
	Position     Position
	BatteryLevel float64
	Capabilities []string
	Role         Role
	Liveness     Liveness
	LastSeen     time.Time
	DiscoveredAt time.Time
	// OfflineAt is the instant the record went stale (LastSeen + offlineTimeout).
	// Zero while the record is ONLINE.
	OfflineAt   time.Time
	Reliability float64
	// Provisional records were learned from gossip and have never been heard
	// from directly.
	Provisional bool

	// Per-field observation times for last-writer-wins merging.
	positionAt time.Time
	batteryAt  time.Time
	roleAt     time.Time
	nonceAt    time.Time

	pings pingWindow
}

// IsOnline reports whether the record is currently ONLINE.
func (r *Record) IsOnline() bool {
	return r.Liveness == Online
}

// clone returns a deep copy safe to hand outside the view.
func (r *Record) clone() Record {
	c := *r
	if r.Capabilities != nil {
		c.Capabilities = append([]string(nil), r.Capabilities...)
	}
	c.pings = r.pings.clone()
	return c
}

// String returns a compact human-readable form of the record.
func (r Record) String() string {
	return fmt.Sprintf("Drone(%d, %s, %s, %.1f%%)", r.ID, r.Role, r.Liveness, r.BatteryLevel)
}

// ============================================================================
// Reliability sampling
// ============================================================================

// DefaultReliabilityWindow is the number of recent ping outcomes that feed a
// peer's reliability score.
const DefaultReliabilityWindow = 10

type pingOutcome int

const (
	pingPending pingOutcome = iota
	pingAcked
	pingFailed
)

type pingSample struct {
	seq     uint64
	outcome pingOutcome
}

// pingWindow is a bounded FIFO of recent ping outcomes. A pending ping counts
// against the score until its ACK arrives.
type pingWindow struct {
	samples []pingSample
}

func (w pingWindow) clone() pingWindow {
	if w.samples == nil {
		return w
	}
	return pingWindow{samples: append([]pingSample(nil), w.samples...)}
}

func (w *pingWindow) push(seq uint64, size int) {
	if size <= 0 {
		size = DefaultReliabilityWindow
	}
	w.samples = append(w.samples, pingSample{seq: seq, outcome: pingPending})
	if len(w.samples) > size {
		w.samples = w.samples[len(w.samples)-size:]
	}
}

// settle resolves the pending sample with the given seq. It returns false if
// the sample already fell out of the window or was settled.
func (w *pingWindow) settle(seq uint64, acked bool) bool {
	for i := range w.samples {
		if w.samples[i].seq != seq {
			continue
		}
		if w.samples[i].outcome != pingPending {
			return false
		}
		if acked {
			w.samples[i].outcome = pingAcked
		} else {
			w.samples[i].outcome = pingFailed
		}
		return true
	}
	return false
}

// score returns acked / total, or 1.0 for a peer that was never pinged.
func (w *pingWindow) score() float64 {
	if len(w.samples) == 0 {
		return 1.0
	}
	acked := 0
	for _, s := range w.samples {
		if s.outcome == pingAcked {
			acked++
		}
	}
	return float64(acked) / float64(len(w.samples))
}
