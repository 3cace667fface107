package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/salahayoub/dronenet/pkg/network"
)

// Errors returned by Decode. Both are wrapped with detail and should be
// matched with errors.Is.
var (
	ErrMalformed     = errors.New("malformed message")
	ErrUnknownAction = errors.New("unknown action")
)

// broadcastID is the wire value of a broadcast destination.
const broadcastID = -1

// maxGossipAge bounds the age of a relayed record. Anything older is long
// past eviction and would overflow time.Duration if large enough.
const maxGossipAge = 24 * time.Hour

// envelope is the JSON shape shared by every message.
type envelope struct {
	Timestamp     float64         `json:"timestamp"`
	DroneID       int             `json:"drone_id"`
	InstanceNonce string          `json:"instance_nonce,omitempty"`
	DestinationID int             `json:"destination_id"`
	CurrentState  string          `json:"current_state"`
	Action        Action          `json:"action"`
	Params        json.RawMessage `json:"params"`
}

// wirePosition encodes a position as an [x, y, z] array.
type wirePosition [3]float64

func toWirePosition(p network.Position) wirePosition {
	return wirePosition{p.X, p.Y, p.Z}
}

func (w wirePosition) position() network.Position {
	return network.Position{X: w[0], Y: w[1], Z: w[2]}
}

type discoveryParams struct {
	Position     wirePosition `json:"position"`
	BatteryLevel float64      `json:"battery_level"`
	Capabilities []string     `json:"capabilities"`
}

type heartbeatParams struct {
	Position     wirePosition `json:"position"`
	BatteryLevel float64      `json:"battery_level"`
}

type knownDrone struct {
	DroneID int     `json:"drone_id"`
	Role    string  `json:"role"`
	Status  string  `json:"status"`
	Age     float64 `json:"age"`
}

type networkStatusParams struct {
	KnownDrones []knownDrone `json:"known_drones"`
	MasterID    *int         `json:"master_id"`
}

type pingParams struct {
	Seq uint64 `json:"seq"`
}

type ackParams struct {
	ResponseData uint64       `json:"response_data"`
	Position     wirePosition `json:"position"`
	BatteryLevel float64      `json:"battery_level"`
}

type conflictParams struct {
	OldID int `json:"old_id"`
	NewID int `json:"new_id"`
}

type criteriaParams struct {
	DroneID      int     `json:"drone_id"`
	BatteryLevel float64 `json:"battery_level"`
	Reliability  float64 `json:"reliability"`
	Uptime       float64 `json:"uptime"`
}

type electParams struct {
	CandidateID int            `json:"candidate_id"`
	Criteria    criteriaParams `json:"criteria"`
}

// Encode serializes m into its JSON wire form.
func Encode(m Message) ([]byte, error) {
	if m.Payload == nil {
		return nil, fmt.Errorf("encode: %w: nil payload", ErrMalformed)
	}

	params, err := encodeParams(m.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Payload.Action(), err)
	}

	dest := int(m.Destination)
	if m.IsBroadcast() {
		dest = broadcastID
	}
	env := envelope{
		Timestamp:     float64(m.Timestamp.UnixNano()) / float64(time.Second),
		DroneID:       int(m.Sender),
		InstanceNonce: m.Nonce,
		DestinationID: dest,
		CurrentState:  m.State.String(),
		Action:        m.Payload.Action(),
		Params:        params,
	}
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Payload.Action(), err)
	}
	return b, nil
}

func encodeParams(p Payload) ([]byte, error) {
	var v any
	switch p := p.(type) {
	case DiscoveryAnnounce:
		v = discoveryParams{toWirePosition(p.Position), p.BatteryLevel, nonNil(p.Capabilities)}
	case DiscoveryResponse:
		v = discoveryParams{toWirePosition(p.Position), p.BatteryLevel, nonNil(p.Capabilities)}
	case Heartbeat:
		v = heartbeatParams{toWirePosition(p.Position), p.BatteryLevel}
	case NetworkStatus:
		known := make([]knownDrone, 0, len(p.Known))
		for _, e := range p.Known {
			known = append(known, knownDrone{
				DroneID: int(e.ID),
				Role:    e.Role.String(),
				Status:  e.Liveness.String(),
				Age:     e.Age.Seconds(),
			})
		}
		params := networkStatusParams{KnownDrones: known}
		if p.MasterID.Valid() {
			id := int(p.MasterID)
			params.MasterID = &id
		}
		v = params
	case Ping:
		v = pingParams{p.Seq}
	case Ack:
		v = ackParams{p.Seq, toWirePosition(p.Position), p.BatteryLevel}
	case IDConflictResolution:
		v = conflictParams{int(p.OldID), int(p.NewID)}
	case ElectMaster:
		v = electParams{
			CandidateID: int(p.CandidateID),
			Criteria: criteriaParams{
				DroneID:      int(p.Criteria.DroneID),
				BatteryLevel: p.Criteria.BatteryLevel,
				Reliability:  p.Criteria.Reliability,
				Uptime:       p.Criteria.Uptime.Seconds(),
			},
		}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownAction, p)
	}
	return json.Marshal(v)
}

// Decode parses a wire message. Anything that does not describe a valid
// message yields an error wrapping ErrMalformed or ErrUnknownAction.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Message{}, fmt.Errorf("decode: %w: %v", ErrMalformed, err)
	}

	if !finite(env.Timestamp) || env.Timestamp < 0 {
		return Message{}, fmt.Errorf("decode: %w: bad timestamp", ErrMalformed)
	}
	sender, err := droneID(env.DroneID, "drone_id")
	if err != nil {
		return Message{}, err
	}
	dest := network.None
	if env.DestinationID != broadcastID {
		if dest, err = droneID(env.DestinationID, "destination_id"); err != nil {
			return Message{}, err
		}
	}
	var state State
	if err := state.UnmarshalText([]byte(env.CurrentState)); err != nil {
		return Message{}, fmt.Errorf("decode: %w: %v", ErrMalformed, err)
	}

	payload, err := decodeParams(env.Action, env.Params)
	if err != nil {
		return Message{}, err
	}

	return Message{
		Timestamp:   time.Unix(0, int64(env.Timestamp*float64(time.Second))),
		Sender:      sender,
		Nonce:       env.InstanceNonce,
		Destination: dest,
		State:       state,
		Payload:     payload,
	}, nil
}

func decodeParams(action Action, raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 || string(raw) == "null" {
		raw = json.RawMessage("{}")
	}
	unmarshal := func(v any) error {
		if err := json.Unmarshal(raw, v); err != nil {
			return fmt.Errorf("decode %s params: %w: %v", action, ErrMalformed, err)
		}
		return nil
	}

	switch action {
	case ActionDiscoveryAnnounce, ActionDiscoveryResponse:
		var p discoveryParams
		if err := unmarshal(&p); err != nil {
			return nil, err
		}
		if !finitePosition(p.Position) || !finite(p.BatteryLevel) {
			return nil, fmt.Errorf("decode %s: %w: non-finite telemetry", action, ErrMalformed)
		}
		if action == ActionDiscoveryAnnounce {
			return DiscoveryAnnounce{p.Position.position(), p.BatteryLevel, p.Capabilities}, nil
		}
		return DiscoveryResponse{p.Position.position(), p.BatteryLevel, p.Capabilities}, nil

	case ActionHeartbeat:
		var p heartbeatParams
		if err := unmarshal(&p); err != nil {
			return nil, err
		}
		if !finitePosition(p.Position) || !finite(p.BatteryLevel) {
			return nil, fmt.Errorf("decode %s: %w: non-finite telemetry", action, ErrMalformed)
		}
		return Heartbeat{p.Position.position(), p.BatteryLevel}, nil

	case ActionNetworkStatus:
		var p networkStatusParams
		if err := unmarshal(&p); err != nil {
			return nil, err
		}
		status := NetworkStatus{Known: make([]network.GossipEntry, 0, len(p.KnownDrones))}
		for _, k := range p.KnownDrones {
			id, err := droneID(k.DroneID, "known_drones.drone_id")
			if err != nil {
				return nil, err
			}
			var role network.Role
			var live network.Liveness
			if err := role.UnmarshalText([]byte(k.Role)); err != nil {
				return nil, fmt.Errorf("decode %s: %w: %v", action, ErrMalformed, err)
			}
			if err := live.UnmarshalText([]byte(k.Status)); err != nil {
				return nil, fmt.Errorf("decode %s: %w: %v", action, ErrMalformed, err)
			}
			if !finite(k.Age) || k.Age < 0 || k.Age > maxGossipAge.Seconds() {
				return nil, fmt.Errorf("decode %s: %w: bad age", action, ErrMalformed)
			}
			status.Known = append(status.Known, network.GossipEntry{
				ID:       id,
				Role:     role,
				Liveness: live,
				Age:      time.Duration(k.Age * float64(time.Second)),
			})
		}
		if p.MasterID != nil && *p.MasterID != broadcastID && *p.MasterID != 0 {
			id, err := droneID(*p.MasterID, "master_id")
			if err != nil {
				return nil, err
			}
			status.MasterID = id
		}
		return status, nil

	case ActionPing:
		var p pingParams
		if err := unmarshal(&p); err != nil {
			return nil, err
		}
		return Ping{p.Seq}, nil

	case ActionAck:
		var p ackParams
		if err := unmarshal(&p); err != nil {
			return nil, err
		}
		if !finitePosition(p.Position) || !finite(p.BatteryLevel) {
			return nil, fmt.Errorf("decode %s: %w: non-finite telemetry", action, ErrMalformed)
		}
		return Ack{p.ResponseData, p.Position.position(), p.BatteryLevel}, nil

	case ActionIDConflictResolution:
		var p conflictParams
		if err := unmarshal(&p); err != nil {
			return nil, err
		}
		oldID, err := droneID(p.OldID, "old_id")
		if err != nil {
			return nil, err
		}
		newID, err := droneID(p.NewID, "new_id")
		if err != nil {
			return nil, err
		}
		return IDConflictResolution{oldID, newID}, nil

	case ActionElectMaster:
		var p electParams
		if err := unmarshal(&p); err != nil {
			return nil, err
		}
		candidate, err := droneID(p.CandidateID, "candidate_id")
		if err != nil {
			return nil, err
		}
		c := p.Criteria
		if !finite(c.BatteryLevel) || !finite(c.Reliability) || !finite(c.Uptime) {
			return nil, fmt.Errorf("decode %s: %w: non-finite criteria", action, ErrMalformed)
		}
		crit := ElectionCriteria{
			BatteryLevel: c.BatteryLevel,
			Reliability:  c.Reliability,
			Uptime:       time.Duration(c.Uptime * float64(time.Second)),
		}
		if c.DroneID != 0 {
			if crit.DroneID, err = droneID(c.DroneID, "criteria.drone_id"); err != nil {
				return nil, err
			}
		}
		return ElectMaster{CandidateID: candidate, Criteria: crit}, nil

	default:
		return nil, fmt.Errorf("decode: %w: %q", ErrUnknownAction, action)
	}
}

func droneID(v int, field string) (network.ID, error) {
	if v < 1 || v > math.MaxUint16 {
		return network.None, fmt.Errorf("decode: %w: %s %d out of range", ErrMalformed, field, v)
	}
	return network.ID(v), nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func finitePosition(p wirePosition) bool {
	return finite(p[0]) && finite(p[1]) && finite(p[2])
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
