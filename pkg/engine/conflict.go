package engine

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/salahayoub/dronenet/pkg/logging"
	"github.com/salahayoub/dronenet/pkg/network"
	"github.com/salahayoub/dronenet/pkg/protocol"
	"github.com/salahayoub/dronenet/pkg/storage"
)

// maxRandomIDTries bounds random probing before falling back to a scan.
const maxRandomIDTries = 64

// checkConflict handles a message that carries this drone's own id. It
// reports whether the message should be processed further as coming from a
// peer, which is only the case once this drone has moved to a new id.
//
// Nonces order the two instances: the lexicographically lower nonce loses
// and takes a new id. A message with our own nonce (or none) is our own echo.
func (e *Engine) checkConflict(msg protocol.Message, now time.Time) bool {
	if msg.Nonce == "" || msg.Nonce == e.nonce {
		return false
	}
	if e.nonce > msg.Nonce {
		e.logger.Debug("id conflict won",
			zap.String("peer_nonce", msg.Nonce),
			zap.String("action", string(msg.Action())))
		return false
	}

	if err := e.resolveConflict(msg.Nonce, now); err != nil {
		e.logger.Error("failed to resolve id conflict", zap.Error(err))
		return false
	}
	return true
}

// resolveConflict moves this drone to a free id, persists it and announces
// the change.
func (e *Engine) resolveConflict(peerNonce string, now time.Time) error {
	oldID := e.view.SelfID()
	newID, err := e.pickFreeID()
	if err != nil {
		return err
	}
	if err := e.view.RekeySelf(newID); err != nil {
		return fmt.Errorf("rekey self %d -> %d: %w", oldID, newID, err)
	}
	if e.masterID == oldID {
		e.masterID = newID
	}
	e.logger = logging.Drone(e.baseLogger, uint16(newID))

	rec := storage.ConflictRecord{OldID: oldID, NewID: newID, PeerNonce: peerNonce, At: now}
	e.conflicts = append(e.conflicts, rec)
	if e.store != nil {
		if err := e.store.SetDroneID(newID); err != nil {
			e.logger.Error("failed to persist new drone id", zap.Error(err))
		}
		if err := e.store.RecordConflict(rec); err != nil {
			e.logger.Error("failed to persist conflict record", zap.Error(err))
		}
	}
	e.metrics.ConflictResolved()
	e.topologyChanged = true

	e.logger.Warn("id conflict lost, changed id",
		zap.Uint16("old_id", uint16(oldID)),
		zap.Uint16("new_id", uint16(newID)),
		zap.String("peer_nonce", peerNonce))

	e.broadcast(protocol.IDConflictResolution{OldID: oldID, NewID: newID}, now)
	return nil
}

// pickFreeID returns a uniformly random id in [1, 65535] that no known
// record uses.
func (e *Engine) pickFreeID() (network.ID, error) {
	const idSpace = 0xFFFF
	if e.view.Len() >= idSpace {
		return network.None, ErrIDSpaceExhausted
	}
	for i := 0; i < maxRandomIDTries; i++ {
		id := network.ID(e.rng.Intn(idSpace) + 1)
		if !e.view.Contains(id) {
			return id, nil
		}
	}
	start := e.rng.Intn(idSpace)
	for i := 0; i < idSpace; i++ {
		id := network.ID((start+i)%idSpace + 1)
		if !e.view.Contains(id) {
			return id, nil
		}
	}
	return network.None, ErrIDSpaceExhausted
}

// handleIDConflictResolution moves a peer's record from its old id to its
// new one. The old record is only moved if it belongs to the announcing
// instance; otherwise it describes the drone that kept the id.
func (e *Engine) handleIDConflictResolution(msg protocol.Message, p protocol.IDConflictResolution) {
	self := e.view.SelfID()
	if p.OldID == self || p.NewID == self || p.OldID == p.NewID {
		return
	}
	old, ok := e.view.Get(p.OldID)
	if !ok {
		return
	}
	if old.Nonce != "" && old.Nonce != msg.Nonce {
		return
	}

	if err := e.view.Rekey(p.OldID, p.NewID); err != nil {
		e.logger.Warn("failed to rekey peer",
			zap.Uint16("old_id", uint16(p.OldID)),
			zap.Uint16("new_id", uint16(p.NewID)),
			zap.Error(err))
		return
	}
	for seq, pp := range e.pending {
		if pp.peer == p.OldID {
			pp.peer = p.NewID
			e.pending[seq] = pp
		}
	}
	if e.masterID == p.OldID {
		e.masterID = p.NewID
	}
	e.topologyChanged = true
	e.logger.Info("peer changed id",
		zap.Uint16("old_id", uint16(p.OldID)),
		zap.Uint16("peer_id", uint16(p.NewID)))
}
