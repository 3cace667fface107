package engine

import (
	"time"

	"go.uber.org/zap"

	"github.com/salahayoub/dronenet/pkg/network"
	"github.com/salahayoub/dronenet/pkg/protocol"
)

// setState moves the engine to state and records the transition.
func (e *Engine) setState(state protocol.State, now time.Time) {
	if e.state == state {
		return
	}
	from := e.state
	e.state = state
	if state == protocol.StateConnected {
		e.connectedAt = now
	}
	e.view.TouchSelf(now, state.Role())
	e.metrics.SetState(state.String())
	e.logger.Info("state transition",
		zap.String("from", from.String()),
		zap.String("state", state.String()),
		zap.Uint16("master_id", uint16(e.masterID)))
}

func (e *Engine) becomeConnected(now time.Time) {
	e.setState(protocol.StateConnected, now)
	e.topologyChanged = true
}

// becomeMaster claims the master role and announces it.
func (e *Engine) becomeMaster(now time.Time) {
	e.masterID = e.view.SelfID()
	e.setState(protocol.StateMaster, now)
	e.metrics.SelfElected()
	e.announceMaster(now)
}

// becomeSlave follows master.
func (e *Engine) becomeSlave(master network.ID, now time.Time) {
	if e.masterID != master {
		e.logger.Info("following master", zap.Uint16("master_id", uint16(master)))
	}
	e.masterID = master
	e.setState(protocol.StateSlave, now)
}

func (e *Engine) announceMaster(now time.Time) {
	self := e.view.Self()
	e.broadcast(protocol.ElectMaster{
		CandidateID: self.ID,
		Criteria: protocol.ElectionCriteria{
			DroneID:      self.ID,
			BatteryLevel: self.BatteryLevel,
			Reliability:  self.Reliability,
			Uptime:       now.Sub(e.startedAt),
		},
	}, now)
}

// runElection picks the lowest id among this drone and its ONLINE peers.
// Seeking drones do not take part, and connected drones wait until they have
// been connected for MinStableTime.
func (e *Engine) runElection(now time.Time) {
	switch e.state {
	case protocol.StateSeeking:
		return
	case protocol.StateConnected:
		if now.Sub(e.connectedAt) < e.config.MinStableTime {
			return
		}
	}

	self := e.view.SelfID()
	candidate := self
	if online := e.view.OnlineIDs(false); len(online) > 0 && online[0] < candidate {
		candidate = online[0]
	}

	if candidate == self {
		if e.state != protocol.StateMaster {
			e.logger.Info("elected self as master")
			e.becomeMaster(now)
		}
		return
	}
	e.becomeSlave(candidate, now)
}

// observeMasterClaim reacts to evidence that claimed is (or believes it is)
// the master. A master yields at once to a lower id and re-asserts itself
// against a higher one; other drones adopt the lowest claim they see.
func (e *Engine) observeMasterClaim(claimed network.ID, now time.Time) {
	self := e.view.SelfID()
	if !claimed.Valid() || claimed == self {
		return
	}
	if rec, ok := e.view.Get(claimed); ok {
		// Stale claims about a drone we already consider gone are ignored.
		if !rec.IsOnline() {
			return
		}
	} else {
		added, _ := e.view.MergeStatus([]network.GossipEntry{{
			ID:       claimed,
			Role:     network.RoleMaster,
			Liveness: network.Online,
		}}, now, e.config.OfflineTimeout)
		if len(added) > 0 {
			e.topologyChanged = true
		}
	}

	switch e.state {
	case protocol.StateMaster:
		if claimed < self {
			e.logger.Info("yielding to lower-id master", zap.Uint16("master_id", uint16(claimed)))
			e.becomeSlave(claimed, now)
			return
		}
		e.announceMaster(now)
	default:
		if !e.masterID.Valid() || claimed < e.masterID || !e.masterOnline() {
			e.masterID = claimed
		}
	}
}

// masterOnline reports whether the recorded master is ONLINE (or self).
func (e *Engine) masterOnline() bool {
	if e.masterID == e.view.SelfID() {
		return true
	}
	rec, ok := e.view.Get(e.masterID)
	return ok && rec.IsOnline()
}
