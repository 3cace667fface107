package engine

import (
	"time"

	"go.uber.org/zap"

	"github.com/salahayoub/dronenet/pkg/network"
	"github.com/salahayoub/dronenet/pkg/protocol"
)

// fireTimers runs every periodic duty whose due time has passed and
// schedules its next run.
func (e *Engine) fireTimers(now time.Time) {
	due := func(at *time.Time, every time.Duration) bool {
		if now.Before(*at) {
			return false
		}
		*at = now.Add(every)
		return true
	}

	if due(&e.next.discovery, e.config.DiscoveryInterval) {
		e.onDiscoveryTimer(now)
	}
	if due(&e.next.heartbeat, e.config.HeartbeatInterval) {
		e.onHeartbeatTimer(now)
	}
	if due(&e.next.status, e.config.NetworkSyncInterval) {
		e.onNetworkSyncTimer(now)
	}
	if due(&e.next.cleanup, e.config.CleanupInterval) {
		e.onCleanupTimer(now)
	}
	if due(&e.next.election, e.config.ElectionInterval) {
		e.runElection(now)
	}
	if due(&e.next.ping, e.config.PingInterval) {
		e.onPingTimer(now)
	}
}

// onDiscoveryTimer announces while seeking. Once MaxDiscoveryAttempts
// announces have gone out, the drone either joins the peers it found or, if
// there are none, takes the master role alone.
func (e *Engine) onDiscoveryTimer(now time.Time) {
	if e.state != protocol.StateSeeking {
		return
	}
	if e.discoveryAttempts < e.config.MaxDiscoveryAttempts {
		e.discoveryAttempts++
		pos, battery := e.selfTelemetry()
		e.broadcast(protocol.DiscoveryAnnounce{
			Position:     pos,
			BatteryLevel: battery,
			Capabilities: e.view.Self().Capabilities,
		}, now)
		e.logger.Debug("discovery announce", zap.Int("attempt", e.discoveryAttempts))
		return
	}

	if len(e.view.OnlineIDs(false)) == 0 {
		e.logger.Info("no peers found, taking master role",
			zap.Int("attempts", e.discoveryAttempts))
		e.becomeMaster(now)
		return
	}
	e.becomeConnected(now)
}

func (e *Engine) onHeartbeatTimer(now time.Time) {
	if e.state == protocol.StateSeeking {
		return
	}
	pos, battery := e.selfTelemetry()
	e.broadcast(protocol.Heartbeat{Position: pos, BatteryLevel: battery}, now)
}

func (e *Engine) onNetworkSyncTimer(now time.Time) {
	if e.state == protocol.StateSeeking {
		return
	}
	e.broadcast(protocol.NetworkStatus{
		Known:    e.view.GossipEntries(now),
		MasterID: e.masterID,
	}, now)
}

// onCleanupTimer marks silent peers OFFLINE and evicts peers that stayed
// OFFLINE past the grace period. Losing the master forces an election.
func (e *Engine) onCleanupTimer(now time.Time) {
	marked := e.view.MarkStaleOffline(now, e.config.OfflineTimeout)
	evicted := e.view.EvictLost(now, e.config.EvictionGrace)
	if len(marked) == 0 && len(evicted) == 0 {
		return
	}

	e.metrics.PeersMarkedOffline(len(marked))
	e.metrics.PeersEvicted(len(evicted))
	e.topologyChanged = true

	for _, id := range marked {
		e.logger.Info("peer offline", zap.Uint16("peer_id", uint16(id)))
	}
	for _, rec := range evicted {
		e.logger.Info("peer evicted", zap.Uint16("peer_id", uint16(rec.ID)))
		for seq, pp := range e.pending {
			if pp.peer == rec.ID {
				delete(e.pending, seq)
			}
		}
	}

	if e.masterID.Valid() && !e.masterOnline() {
		e.logger.Warn("master lost", zap.Uint16("master_id", uint16(e.masterID)))
		e.masterID = network.None
	}
}

// onPingTimer probes the next ONLINE peer in id order.
func (e *Engine) onPingTimer(now time.Time) {
	if e.state == protocol.StateSeeking {
		return
	}
	online := e.view.OnlineIDs(false)
	if len(online) == 0 {
		return
	}
	target := online[0]
	for _, id := range online {
		if id > e.pingCursor {
			target = id
			break
		}
	}
	e.pingCursor = target

	e.pingSeq++
	seq := e.pingSeq
	e.pending[seq] = pendingPing{peer: target, sentAt: now}
	e.view.BeginPing(target, seq)
	e.send(target, protocol.Ping{Seq: seq}, now)
}

// expirePings settles every ping older than PingTimeout as failed.
func (e *Engine) expirePings(now time.Time) {
	for seq, pp := range e.pending {
		if now.Sub(pp.sentAt) > e.config.PingTimeout {
			delete(e.pending, seq)
			e.view.SettlePing(pp.peer, seq, false)
		}
	}
}

// checkNetworkLost returns the drone to SEEKING once its online peer set has
// been empty for longer than NetworkLostTimeout after having been non-empty.
func (e *Engine) checkNetworkLost(now time.Time) {
	if len(e.view.OnlineIDs(false)) > 0 {
		e.hadPeers = true
		e.lostSince = time.Time{}
		return
	}
	if !e.hadPeers || e.state == protocol.StateSeeking {
		return
	}
	if e.lostSince.IsZero() {
		e.lostSince = now
		return
	}
	if now.Sub(e.lostSince) <= e.config.NetworkLostTimeout {
		return
	}

	e.logger.Warn("network lost, seeking again", zap.Duration("empty_for", now.Sub(e.lostSince)))
	e.enterSeeking(now)
}

func (e *Engine) enterSeeking(now time.Time) {
	e.masterID = network.None
	e.discoveryAttempts = 0
	e.hadPeers = false
	e.lostSince = time.Time{}
	e.setState(protocol.StateSeeking, now)
	e.next.discovery = now
}
