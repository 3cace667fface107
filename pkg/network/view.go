package network

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// Errors returned by View mutations.
var (
	ErrPeerNotFound = errors.New("peer not found in network view")
	ErrPeerExists   = errors.New("peer id already present in network view")
	ErrSelfRecord   = errors.New("operation not permitted on the self record")
	ErrInvalidID    = errors.New("drone id out of range")
)

// Update carries the fields observed in one message. Nil fields were not
// observed and leave the record untouched.
type Update struct {
	// At is the local observation time. It orders field writes and becomes
	// the record's LastSeen.
	At           time.Time
	Nonce        string
	Position     *Position
	BatteryLevel *float64
	Capabilities []string
	Role         *Role
}

// Change describes what an Upsert did to the view's topology.
type Change int

const (
	ChangeNone    Change = iota
	ChangeAdded          // a new record was created
	ChangeRevived        // an OFFLINE record came back ONLINE
)

// GossipEntry is one line of a NETWORK_STATUS snapshot: what the sender
// believes about a drone and how long ago it last heard from it directly.
type GossipEntry struct {
	ID       ID
	Role     Role
	Liveness Liveness
	Age      time.Duration
}

// View maps drone ids to Records. It always contains the self record.
type View struct {
	self       ID
	records    map[ID]*Record
	windowSize int
}

// NewView creates a view holding only the self record. windowSize bounds the
// ping history behind each reliability score; zero selects
// DefaultReliabilityWindow.
func NewView(self Record, windowSize int) *View {
	if windowSize <= 0 {
		windowSize = DefaultReliabilityWindow
	}
	rec := self
	rec.Liveness = Online
	rec.Provisional = false
	if rec.Reliability == 0 {
		rec.Reliability = 1.0
	}
	rec.BatteryLevel = ClampBattery(rec.BatteryLevel)
	rec.positionAt = rec.LastSeen
	rec.batteryAt = rec.LastSeen
	rec.roleAt = rec.LastSeen
	rec.nonceAt = rec.LastSeen
	return &View{
		self:       self.ID,
		records:    map[ID]*Record{self.ID: &rec},
		windowSize: windowSize,
	}
}

// SelfID returns the id of the owning node.
func (v *View) SelfID() ID {
	return v.self
}

// Self returns a copy of the self record.
func (v *View) Self() Record {
	return v.records[v.self].clone()
}

// Len returns the number of records, self included.
func (v *View) Len() int {
	return len(v.records)
}

// Contains reports whether id has a record.
func (v *View) Contains(id ID) bool {
	_, ok := v.records[id]
	return ok
}

// Get returns a copy of the record for id.
func (v *View) Get(id ID) (Record, bool) {
	rec, ok := v.records[id]
	if !ok {
		return Record{}, false
	}
	return rec.clone(), true
}

// Upsert creates or merges the record for id. Each observed field is written
// only if u.At is not older than that field's last write, so an out-of-order
// message cannot roll back fresher data. Any upsert marks the record ONLINE.
func (v *View) Upsert(id ID, u Update) (Change, error) {
	if !id.Valid() {
		return ChangeNone, ErrInvalidID
	}

	rec, ok := v.records[id]
	change := ChangeNone
	if !ok {
		rec = &Record{
			ID:           id,
			DiscoveredAt: u.At,
			LastSeen:     u.At,
			Reliability:  1.0,
			Liveness:     Online,
		}
		v.records[id] = rec
		change = ChangeAdded
	} else if rec.Liveness != Online {
		change = ChangeRevived
	}

	if u.Nonce != "" && !u.At.Before(rec.nonceAt) {
		rec.Nonce = u.Nonce
		rec.nonceAt = u.At
	}
	if u.Position != nil && !u.At.Before(rec.positionAt) {
		rec.Position = *u.Position
		rec.positionAt = u.At
	}
	if u.BatteryLevel != nil && !u.At.Before(rec.batteryAt) {
		rec.BatteryLevel = ClampBattery(*u.BatteryLevel)
		rec.batteryAt = u.At
	}
	if u.Role != nil && !u.At.Before(rec.roleAt) {
		rec.Role = *u.Role
		rec.roleAt = u.At
	}
	if u.Capabilities != nil {
		rec.Capabilities = append([]string(nil), u.Capabilities...)
	}

	if u.At.After(rec.LastSeen) {
		rec.LastSeen = u.At
	}
	rec.Liveness = Online
	rec.OfflineAt = time.Time{}
	rec.Provisional = false
	return change, nil
}

// MergeStatus folds a remote NETWORK_STATUS snapshot into the view.
//
// Unknown drones reported ONLINE (and heard by the sender within
// offlineTimeout) are added as provisional records stamped with the local
// receive time. Known drones only have LastSeen moved forward to
// now-Age and are marked ONLINE; position, battery and role are never taken
// from gossip. It returns the ids that were added and the ids that came back
// online.
func (v *View) MergeStatus(entries []GossipEntry, now time.Time, offlineTimeout time.Duration) (added, revived []ID) {
	for _, e := range entries {
		if !e.ID.Valid() || e.ID == v.self || e.Liveness != Online {
			continue
		}
		if e.Age < 0 || (offlineTimeout > 0 && e.Age > offlineTimeout) {
			continue
		}

		rec, ok := v.records[e.ID]
		if !ok {
			v.records[e.ID] = &Record{
				ID:           e.ID,
				Role:         e.Role,
				Liveness:     Online,
				LastSeen:     now,
				DiscoveredAt: now,
				Reliability:  1.0,
				Provisional:  true,
				roleAt:       now,
			}
			added = append(added, e.ID)
			continue
		}

		seen := now.Add(-e.Age)
		if seen.After(rec.LastSeen) {
			rec.LastSeen = seen
		}
		if rec.Liveness != Online && (offlineTimeout <= 0 || now.Sub(rec.LastSeen) <= offlineTimeout) {
			rec.Liveness = Online
			rec.OfflineAt = time.Time{}
			revived = append(revived, e.ID)
		}
	}
	return added, revived
}

// GossipEntries returns the snapshot this node shares in NETWORK_STATUS: every
// ONLINE record it has heard from directly, self included.
func (v *View) GossipEntries(now time.Time) []GossipEntry {
	entries := make([]GossipEntry, 0, len(v.records))
	for _, id := range v.sortedIDs() {
		rec := v.records[id]
		if !rec.IsOnline() || rec.Provisional {
			continue
		}
		age := now.Sub(rec.LastSeen)
		if age < 0 || id == v.self {
			age = 0
		}
		entries = append(entries, GossipEntry{
			ID:       id,
			Role:     rec.Role,
			Liveness: rec.Liveness,
			Age:      age,
		})
	}
	return entries
}

// OnlineIDs returns the ids of ONLINE records in ascending order.
func (v *View) OnlineIDs(includeSelf bool) []ID {
	ids := make([]ID, 0, len(v.records))
	for _, id := range v.sortedIDs() {
		if id == v.self && !includeSelf {
			continue
		}
		if v.records[id].IsOnline() {
			ids = append(ids, id)
		}
	}
	return ids
}

// CurrentMaster returns the lowest-id ONLINE record advertising RoleMaster.
func (v *View) CurrentMaster() (ID, bool) {
	for _, id := range v.sortedIDs() {
		rec := v.records[id]
		if rec.IsOnline() && rec.Role == RoleMaster {
			return id, true
		}
	}
	return None, false
}

// MarkStaleOffline moves every peer not heard from for longer than
// offlineTimeout to OFFLINE and returns their ids. The self record is never
// marked.
func (v *View) MarkStaleOffline(now time.Time, offlineTimeout time.Duration) []ID {
	var marked []ID
	for _, id := range v.sortedIDs() {
		rec := v.records[id]
		if id == v.self || rec.Liveness != Online {
			continue
		}
		if now.Sub(rec.LastSeen) > offlineTimeout {
			rec.Liveness = Offline
			rec.OfflineAt = rec.LastSeen.Add(offlineTimeout)
			marked = append(marked, id)
		}
	}
	return marked
}

// EvictLost removes every peer that has been OFFLINE for longer than
// evictionGrace. The removed records are returned with Liveness LOST.
func (v *View) EvictLost(now time.Time, evictionGrace time.Duration) []Record {
	var evicted []Record
	for _, id := range v.sortedIDs() {
		rec := v.records[id]
		if id == v.self || rec.Liveness == Online {
			continue
		}
		if now.Sub(rec.OfflineAt) > evictionGrace {
			rec.Liveness = Lost
			evicted = append(evicted, rec.clone())
			delete(v.records, id)
		}
	}
	return evicted
}

// Remove deletes the record for id. The self record cannot be removed.
func (v *View) Remove(id ID) bool {
	if id == v.self {
		return false
	}
	if _, ok := v.records[id]; !ok {
		return false
	}
	delete(v.records, id)
	return true
}

// Rekey moves the record for oldID to newID, keeping position, battery,
// reliability and history. An existing record at newID is replaced, keeping
// the later LastSeen of the two.
func (v *View) Rekey(oldID, newID ID) error {
	if !newID.Valid() {
		return ErrInvalidID
	}
	if oldID == v.self || newID == v.self {
		return ErrSelfRecord
	}
	rec, ok := v.records[oldID]
	if !ok {
		return fmt.Errorf("rekey %d -> %d: %w", oldID, newID, ErrPeerNotFound)
	}
	if oldID == newID {
		return nil
	}
	if existing, ok := v.records[newID]; ok && existing.LastSeen.After(rec.LastSeen) {
		rec.LastSeen = existing.LastSeen
		rec.Liveness = existing.Liveness
		rec.OfflineAt = existing.OfflineAt
	}
	delete(v.records, oldID)
	rec.ID = newID
	v.records[newID] = rec
	return nil
}

// RekeySelf gives the self record a new id. newID must not already be known.
func (v *View) RekeySelf(newID ID) error {
	if !newID.Valid() {
		return ErrInvalidID
	}
	if newID == v.self {
		return nil
	}
	if _, ok := v.records[newID]; ok {
		return fmt.Errorf("rekey self to %d: %w", newID, ErrPeerExists)
	}
	rec := v.records[v.self]
	delete(v.records, v.self)
	rec.ID = newID
	v.records[newID] = rec
	v.self = newID
	return nil
}

// TouchSelf refreshes the self record's LastSeen and role.
func (v *View) TouchSelf(now time.Time, role Role) {
	rec := v.records[v.self]
	if now.After(rec.LastSeen) {
		rec.LastSeen = now
	}
	rec.Role = role
	rec.roleAt = now
	rec.Liveness = Online
}

// BeginPing records an outstanding ping to id. The pending sample counts as a
// failure until SettlePing resolves it.
func (v *View) BeginPing(id ID, seq uint64) bool {
	rec, ok := v.records[id]
	if !ok || id == v.self {
		return false
	}
	rec.pings.push(seq, v.windowSize)
	rec.Reliability = rec.pings.score()
	return true
}

// SettlePing resolves an outstanding ping to id as acked or failed.
func (v *View) SettlePing(id ID, seq uint64, acked bool) bool {
	rec, ok := v.records[id]
	if !ok {
		return false
	}
	if !rec.pings.settle(seq, acked) {
		return false
	}
	rec.Reliability = rec.pings.score()
	return true
}

// Snapshot returns copies of all records ordered by id.
func (v *View) Snapshot() []Record {
	out := make([]Record, 0, len(v.records))
	for _, id := range v.sortedIDs() {
		out = append(out, v.records[id].clone())
	}
	return out
}

func (v *View) sortedIDs() []ID {
	ids := make([]ID, 0, len(v.records))
	for id := range v.records {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
