// Package protocol defines the messages drones exchange and their JSON wire
// encoding.
//
// A Message is an envelope (sender, nonce, destination, sender state) around
// exactly one typed Payload. The set of payloads is closed: every payload type
// lives in this package and receivers switch over them exhaustively.
package protocol

import (
	"fmt"
	"strings"
	"time"

	"github.com/salahayoub/dronenet/pkg/network"
)

// State is a drone's coordination state.
type State int

const (
	StateSeeking State = iota
	StateConnected
	StateMaster
	StateSlave
)

// String returns the wire name of the state.
func (s State) String() string {
	switch s {
	case StateSeeking:
		return "SEEKING"
	case StateConnected:
		return "CONNECTED"
	case StateMaster:
		return "MASTER"
	case StateSlave:
		return "SLAVE"
	default:
		return "UNKNOWN"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(b []byte) error {
	switch strings.ToUpper(string(b)) {
	case "SEEKING":
		*s = StateSeeking
	case "CONNECTED":
		*s = StateConnected
	case "MASTER":
		*s = StateMaster
	case "SLAVE":
		*s = StateSlave
	default:
		return fmt.Errorf("unknown state %q", string(b))
	}
	return nil
}

// Role maps a coordination state onto the role advertised in peer records.
// A seeking drone has no role yet.
func (s State) Role() network.Role {
	switch s {
	case StateConnected:
		return network.RoleConnected
	case StateMaster:
		return network.RoleMaster
	case StateSlave:
		return network.RoleSlave
	default:
		return network.RoleUnknown
	}
}

// Action names a message type on the wire.
type Action string

const (
	ActionDiscoveryAnnounce    Action = "DISCOVERY_ANNOUNCE"
	ActionDiscoveryResponse    Action = "DISCOVERY_RESPONSE"
	ActionHeartbeat            Action = "HEARTBEAT"
	ActionNetworkStatus        Action = "NETWORK_STATUS"
	ActionPing                 Action = "PING"
	ActionAck                  Action = "ACK"
	ActionIDConflictResolution Action = "ID_CONFLICT_RESOLUTION"
	ActionElectMaster          Action = "ELECT_MASTER"
)

// Message is one protocol message. Destination network.None means broadcast.
type Message struct {
	Timestamp   time.Time
	Sender      network.ID
	Nonce       string
	Destination network.ID
	State       State
	Payload     Payload
}

// Action returns the action of the message's payload.
func (m Message) Action() Action {
	if m.Payload == nil {
		return ""
	}
	return m.Payload.Action()
}

// IsBroadcast reports whether the message is addressed to every drone.
func (m Message) IsBroadcast() bool {
	return m.Destination == network.None
}

// AddressedTo reports whether a drone with the given id should act on m.
func (m Message) AddressedTo(id network.ID) bool {
	return m.IsBroadcast() || m.Destination == id
}

// Payload is implemented only by the payload types in this package.
type Payload interface {
	Action() Action
	isPayload()
}

// DiscoveryAnnounce is broadcast periodically by a seeking drone.
type DiscoveryAnnounce struct {
	Position     network.Position
	BatteryLevel float64
	Capabilities []string
}

// DiscoveryResponse answers an announce from a drone the responder did not
// know, or that is still seeking.
type DiscoveryResponse struct {
	Position     network.Position
	BatteryLevel float64
	Capabilities []string
}

// Heartbeat keeps a connected drone's record fresh.
type Heartbeat struct {
	Position     network.Position
	BatteryLevel float64
}

// NetworkStatus shares the sender's view of the network and its master.
type NetworkStatus struct {
	Known    []network.GossipEntry
	MasterID network.ID
}

// Ping asks the destination for an Ack echoing Seq.
type Ping struct {
	Seq uint64
}

// Ack answers a Ping.
type Ack struct {
	Seq          uint64
	Position     network.Position
	BatteryLevel float64
}

// IDConflictResolution announces that the sender moved from OldID to NewID.
type IDConflictResolution struct {
	OldID network.ID
	NewID network.ID
}

// ElectionCriteria describes the candidate in an ElectMaster claim. Only the
// id decides the election; the rest is informational.
type ElectionCriteria struct {
	DroneID      network.ID
	BatteryLevel float64
	Reliability  float64
	Uptime       time.Duration
}

// ElectMaster announces that CandidateID has taken the master role.
type ElectMaster struct {
	CandidateID network.ID
	Criteria    ElectionCriteria
}

func (DiscoveryAnnounce) Action() Action    { return ActionDiscoveryAnnounce }
func (DiscoveryResponse) Action() Action    { return ActionDiscoveryResponse }
func (Heartbeat) Action() Action            { return ActionHeartbeat }
func (NetworkStatus) Action() Action        { return ActionNetworkStatus }
func (Ping) Action() Action                 { return ActionPing }
func (Ack) Action() Action                  { return ActionAck }
func (IDConflictResolution) Action() Action { return ActionIDConflictResolution }
func (ElectMaster) Action() Action          { return ActionElectMaster }

func (DiscoveryAnnounce) isPayload()    {}
func (DiscoveryResponse) isPayload()    {}
func (Heartbeat) isPayload()            {}
func (NetworkStatus) isPayload()        {}
func (Ping) isPayload()                 {}
func (Ack) isPayload()                  {}
func (IDConflictResolution) isPayload() {}
func (ElectMaster) isPayload()          {}
