package engine

import (
	"time"

	"go.uber.org/zap"

	"github.com/salahayoub/dronenet/pkg/network"
	"github.com/salahayoub/dronenet/pkg/protocol"
)

// handlePayload decodes one inbound payload and dispatches it. Undecodable
// payloads are dropped without touching any state.
func (e *Engine) handlePayload(payload []byte, now time.Time) {
	msg, err := protocol.Decode(payload)
	if err != nil {
		e.metrics.DecodeError()
		e.logger.Debug("dropping malformed message", zap.Int("bytes", len(payload)), zap.Error(err))
		return
	}
	e.metrics.MessageIn(string(msg.Action()))
	e.handleMessage(msg, now)
}

// handleMessage applies one decoded message. Every message refreshes the
// sender's record; action handlers only run for messages addressed to this
// drone or broadcast.
func (e *Engine) handleMessage(msg protocol.Message, now time.Time) {
	if msg.Sender == e.view.SelfID() {
		if !e.checkConflict(msg, now) {
			return
		}
	}

	addressed := msg.AddressedTo(e.view.SelfID())

	// A rekey must move the old record before the sender is registered
	// under its new id.
	if p, ok := msg.Payload.(protocol.IDConflictResolution); ok && addressed {
		e.handleIDConflictResolution(msg, p)
	}

	change := e.registerSender(msg, now)
	if change != network.ChangeNone {
		e.topologyChanged = true
		e.logger.Info("peer online",
			zap.Uint16("peer_id", uint16(msg.Sender)),
			zap.String("action", string(msg.Action())),
			zap.Bool("revived", change == network.ChangeRevived))
	}

	if msg.State == protocol.StateMaster {
		e.observeMasterClaim(msg.Sender, now)
	}

	if !addressed {
		return
	}

	switch p := msg.Payload.(type) {
	case protocol.DiscoveryAnnounce:
		e.handleDiscoveryAnnounce(msg, change, now)
	case protocol.DiscoveryResponse:
		e.handleDiscoveryResponse(msg, now)
	case protocol.Heartbeat:
		// Registration already refreshed the record.
	case protocol.NetworkStatus:
		e.handleNetworkStatus(p, now)
	case protocol.Ping:
		e.handlePing(msg, p, now)
	case protocol.Ack:
		e.handleAck(msg, p)
	case protocol.IDConflictResolution:
		// Applied before registration.
	case protocol.ElectMaster:
		e.observeMasterClaim(p.CandidateID, now)
	}
}

// registerSender upserts the sender's record with whatever telemetry the
// message carries.
func (e *Engine) registerSender(msg protocol.Message, now time.Time) network.Change {
	role := msg.State.Role()
	u := network.Update{At: now, Nonce: msg.Nonce, Role: &role}

	switch p := msg.Payload.(type) {
	case protocol.DiscoveryAnnounce:
		u.Position, u.BatteryLevel, u.Capabilities = &p.Position, &p.BatteryLevel, p.Capabilities
	case protocol.DiscoveryResponse:
		u.Position, u.BatteryLevel, u.Capabilities = &p.Position, &p.BatteryLevel, p.Capabilities
	case protocol.Heartbeat:
		u.Position, u.BatteryLevel = &p.Position, &p.BatteryLevel
	case protocol.Ack:
		u.Position, u.BatteryLevel = &p.Position, &p.BatteryLevel
	}

	change, err := e.view.Upsert(msg.Sender, u)
	if err != nil {
		e.logger.Warn("failed to register sender", zap.Uint16("peer_id", uint16(msg.Sender)), zap.Error(err))
		return network.ChangeNone
	}
	return change
}

// handleDiscoveryAnnounce answers drones we did not know or that are still
// seeking, and ends our own search.
func (e *Engine) handleDiscoveryAnnounce(msg protocol.Message, change network.Change, now time.Time) {
	if change == network.ChangeAdded || msg.State == protocol.StateSeeking {
		pos, battery := e.selfTelemetry()
		e.send(msg.Sender, protocol.DiscoveryResponse{
			Position:     pos,
			BatteryLevel: battery,
			Capabilities: e.view.Self().Capabilities,
		}, now)
	}
	if e.state == protocol.StateSeeking {
		e.becomeConnected(now)
	}
}

func (e *Engine) handleDiscoveryResponse(msg protocol.Message, now time.Time) {
	if e.state == protocol.StateSeeking {
		e.logger.Debug("discovery answered", zap.Uint16("peer_id", uint16(msg.Sender)))
		e.becomeConnected(now)
	}
}

// handleNetworkStatus merges a peer's gossip and its view of the master.
func (e *Engine) handleNetworkStatus(p protocol.NetworkStatus, now time.Time) {
	added, revived := e.view.MergeStatus(p.Known, now, e.config.OfflineTimeout)
	if len(added) > 0 || len(revived) > 0 {
		e.topologyChanged = true
		e.logger.Debug("gossip changed topology",
			zap.Int("added", len(added)),
			zap.Int("revived", len(revived)))
	}
	if p.MasterID.Valid() {
		e.observeMasterClaim(p.MasterID, now)
	}
}

func (e *Engine) handlePing(msg protocol.Message, p protocol.Ping, now time.Time) {
	pos, battery := e.selfTelemetry()
	e.send(msg.Sender, protocol.Ack{Seq: p.Seq, Position: pos, BatteryLevel: battery}, now)
}

// handleAck settles the matching outstanding ping. Acks for unknown or
// expired pings are ignored.
func (e *Engine) handleAck(msg protocol.Message, p protocol.Ack) {
	pp, ok := e.pending[p.Seq]
	if !ok || pp.peer != msg.Sender {
		return
	}
	delete(e.pending, p.Seq)
	e.view.SettlePing(pp.peer, p.Seq, true)
}
