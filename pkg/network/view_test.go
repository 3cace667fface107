package network

import (
	"errors"
	"testing"
	"time"

	"pgregory.net/rapid"
)

var t0 = time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)

func newTestView(self ID) *View {
	return NewView(Record{ID: self, Nonce: "self-nonce", LastSeen: t0, DiscoveredAt: t0}, 0)
}

func floatPtr(f float64) *float64 { return &f }
func rolePtr(r Role) *Role        { return &r }

// TestNewViewHoldsOnlySelf verifies a fresh view contains exactly the self record.
func TestNewViewHoldsOnlySelf(t *testing.T) {
	v := newTestView(7)
	if v.Len() != 1 {
		t.Fatalf("Expected 1 record, got %d", v.Len())
	}
	self := v.Self()
	if self.ID != 7 || !self.IsOnline() {
		t.Errorf("Unexpected self record: %v", self)
	}
	if self.Reliability != 1.0 {
		t.Errorf("Expected self reliability 1.0, got %f", self.Reliability)
	}
	if ids := v.OnlineIDs(false); len(ids) != 0 {
		t.Errorf("Expected no online peers, got %v", ids)
	}
}

// TestUpsertCreatesAndMerges verifies the create-then-merge path of Upsert.
func TestUpsertCreatesAndMerges(t *testing.T) {
	v := newTestView(1)

	change, err := v.Upsert(5, Update{At: t0, Nonce: "n5", Position: &Position{X: 1}, BatteryLevel: floatPtr(80)})
	if err != nil {
		t.Fatalf("Failed to upsert: %v", err)
	}
	if change != ChangeAdded {
		t.Errorf("Expected ChangeAdded, got %v", change)
	}

	change, err = v.Upsert(5, Update{At: t0.Add(time.Second), BatteryLevel: floatPtr(70)})
	if err != nil {
		t.Fatalf("Failed to upsert: %v", err)
	}
	if change != ChangeNone {
		t.Errorf("Expected ChangeNone, got %v", change)
	}

	rec, ok := v.Get(5)
	if !ok {
		t.Fatalf("Record 5 missing")
	}
	if rec.BatteryLevel != 70 || rec.Position.X != 1 || rec.Nonce != "n5" {
		t.Errorf("Unexpected merged record: %+v", rec)
	}
	if !rec.LastSeen.Equal(t0.Add(time.Second)) {
		t.Errorf("Expected LastSeen advanced, got %v", rec.LastSeen)
	}
}

// TestUpsertPerFieldLastWriterWins verifies an older message cannot roll back
// a field written by a newer one, while still filling fields it alone carries.
func TestUpsertPerFieldLastWriterWins(t *testing.T) {
	v := newTestView(1)
	v.Upsert(5, Update{At: t0.Add(2 * time.Second), BatteryLevel: floatPtr(50)})
	v.Upsert(5, Update{At: t0.Add(time.Second), BatteryLevel: floatPtr(90), Position: &Position{Y: 3}})

	rec, _ := v.Get(5)
	if rec.BatteryLevel != 50 {
		t.Errorf("Expected newer battery 50 to win, got %f", rec.BatteryLevel)
	}
	if rec.Position.Y != 3 {
		t.Errorf("Expected position from older message to apply, got %+v", rec.Position)
	}
	if !rec.LastSeen.Equal(t0.Add(2 * time.Second)) {
		t.Errorf("LastSeen moved backwards: %v", rec.LastSeen)
	}
}

// TestUpsertClampsBattery verifies battery readings are bounded to [0, 100].
func TestUpsertClampsBattery(t *testing.T) {
	tests := []struct {
		in   float64
		want float64
	}{
		{in: -5, want: 0},
		{in: 42.5, want: 42.5},
		{in: 180, want: 100},
	}
	for _, tt := range tests {
		v := newTestView(1)
		v.Upsert(2, Update{At: t0, BatteryLevel: floatPtr(tt.in)})
		rec, _ := v.Get(2)
		if rec.BatteryLevel != tt.want {
			t.Errorf("Battery %f: expected %f, got %f", tt.in, tt.want, rec.BatteryLevel)
		}
	}
}

// TestUpsertRejectsInvalidID verifies id 0 is refused.
func TestUpsertRejectsInvalidID(t *testing.T) {
	v := newTestView(1)
	if _, err := v.Upsert(None, Update{At: t0}); !errors.Is(err, ErrInvalidID) {
		t.Errorf("Expected ErrInvalidID, got %v", err)
	}
}

// TestStalenessAndEviction walks a peer through ONLINE, OFFLINE, LOST.
func TestStalenessAndEviction(t *testing.T) {
	const offline = 60 * time.Second
	const grace = 30 * time.Second

	v := newTestView(1)
	v.Upsert(3, Update{At: t0})

	if marked := v.MarkStaleOffline(t0.Add(offline), offline); len(marked) != 0 {
		t.Errorf("Peer marked offline at exactly the timeout: %v", marked)
	}

	marked := v.MarkStaleOffline(t0.Add(offline+time.Second), offline)
	if len(marked) != 1 || marked[0] != 3 {
		t.Fatalf("Expected peer 3 marked offline, got %v", marked)
	}
	rec, _ := v.Get(3)
	if rec.Liveness != Offline || !rec.OfflineAt.Equal(t0.Add(offline)) {
		t.Errorf("Unexpected offline record: %+v", rec)
	}
	if ids := v.OnlineIDs(false); len(ids) != 0 {
		t.Errorf("Offline peer still listed online: %v", ids)
	}

	if evicted := v.EvictLost(t0.Add(offline+grace), grace); len(evicted) != 0 {
		t.Errorf("Peer evicted before grace elapsed: %v", evicted)
	}
	evicted := v.EvictLost(t0.Add(offline+grace+time.Second), grace)
	if len(evicted) != 1 || evicted[0].Liveness != Lost {
		t.Fatalf("Expected one LOST eviction, got %v", evicted)
	}
	if v.Contains(3) {
		t.Errorf("Evicted peer still in view")
	}
}

// TestUpsertRevivesOfflinePeer verifies any message brings a peer back ONLINE.
func TestUpsertRevivesOfflinePeer(t *testing.T) {
	v := newTestView(1)
	v.Upsert(3, Update{At: t0})
	v.MarkStaleOffline(t0.Add(2*time.Minute), time.Minute)

	change, _ := v.Upsert(3, Update{At: t0.Add(2 * time.Minute)})
	if change != ChangeRevived {
		t.Errorf("Expected ChangeRevived, got %v", change)
	}
	rec, _ := v.Get(3)
	if !rec.IsOnline() || !rec.OfflineAt.IsZero() {
		t.Errorf("Peer not revived: %+v", rec)
	}
}

// TestSelfNeverMarkedOffline verifies cleanup skips the self record.
func TestSelfNeverMarkedOffline(t *testing.T) {
	v := newTestView(1)
	if marked := v.MarkStaleOffline(t0.Add(time.Hour), time.Second); len(marked) != 0 {
		t.Errorf("Self marked offline: %v", marked)
	}
	if evicted := v.EvictLost(t0.Add(time.Hour), time.Second); len(evicted) != 0 {
		t.Errorf("Self evicted: %v", evicted)
	}
	if v.Remove(1) {
		t.Errorf("Remove succeeded on self")
	}
}

// TestCurrentMasterPicksLowestOnlineMaster verifies CurrentMaster ignores
// offline masters and prefers the lowest id.
func TestCurrentMasterPicksLowestOnlineMaster(t *testing.T) {
	v := newTestView(10)
	if _, ok := v.CurrentMaster(); ok {
		t.Fatalf("Expected no master in fresh view")
	}

	v.Upsert(4, Update{At: t0, Role: rolePtr(RoleMaster)})
	v.Upsert(6, Update{At: t0.Add(time.Minute), Role: rolePtr(RoleMaster)})
	v.Upsert(2, Update{At: t0, Role: rolePtr(RoleSlave)})

	if id, ok := v.CurrentMaster(); !ok || id != 4 {
		t.Errorf("Expected master 4, got %d (%v)", id, ok)
	}

	v.MarkStaleOffline(t0.Add(30*time.Second), 20*time.Second)
	if id, ok := v.CurrentMaster(); !ok || id != 6 {
		t.Errorf("Expected master 6 after 4 went offline, got %d (%v)", id, ok)
	}
}

// TestMergeStatus covers the gossip merge rules.
func TestMergeStatus(t *testing.T) {
	const offline = time.Minute
	now := t0.Add(10 * time.Second)

	v := newTestView(1)
	v.Upsert(2, Update{At: t0, Position: &Position{X: 9}, Role: rolePtr(RoleSlave)})

	added, revived := v.MergeStatus([]GossipEntry{
		{ID: 1, Role: RoleMaster, Liveness: Online},                         // self, ignored
		{ID: 2, Role: RoleMaster, Liveness: Online, Age: 2 * time.Second},   // known
		{ID: 3, Role: RoleSlave, Liveness: Online, Age: time.Second},        // unknown, fresh
		{ID: 4, Role: RoleSlave, Liveness: Online, Age: 2 * time.Minute},    // unknown, too old
		{ID: 5, Role: RoleSlave, Liveness: Offline, Age: time.Second},       // not online
		{ID: 2, Role: RoleSlave, Liveness: Online, Age: 9 * time.Second},    // older duplicate
	}, now, offline)

	if len(added) != 1 || added[0] != 3 {
		t.Fatalf("Expected only 3 added, got %v", added)
	}
	if len(revived) != 0 {
		t.Errorf("Expected nothing revived, got %v", revived)
	}

	rec2, _ := v.Get(2)
	if !rec2.LastSeen.Equal(now.Add(-2 * time.Second)) {
		t.Errorf("Expected LastSeen %v, got %v", now.Add(-2*time.Second), rec2.LastSeen)
	}
	if rec2.Role != RoleSlave || rec2.Position.X != 9 {
		t.Errorf("Gossip overwrote direct fields: %+v", rec2)
	}

	rec3, _ := v.Get(3)
	if !rec3.Provisional || !rec3.LastSeen.Equal(now) || rec3.Role != RoleSlave {
		t.Errorf("Unexpected provisional record: %+v", rec3)
	}
	if v.Contains(4) || v.Contains(5) {
		t.Errorf("Stale or offline gossip entries created records")
	}
}

// TestGossipEntriesExcludesProvisional verifies relayed-only records are not
// gossiped onwards, so a dead node cannot be kept alive by its neighbours.
func TestGossipEntriesExcludesProvisional(t *testing.T) {
	v := newTestView(1)
	v.Upsert(2, Update{At: t0})
	v.MergeStatus([]GossipEntry{{ID: 3, Liveness: Online}}, t0, time.Minute)

	entries := v.GossipEntries(t0.Add(time.Second))
	if len(entries) != 2 || entries[0].ID != 1 || entries[1].ID != 2 {
		t.Fatalf("Unexpected gossip entries: %+v", entries)
	}
	if entries[1].Age != time.Second {
		t.Errorf("Expected age 1s, got %v", entries[1].Age)
	}

	v.Upsert(3, Update{At: t0.Add(time.Second)})
	if got := len(v.GossipEntries(t0.Add(time.Second))); got != 3 {
		t.Errorf("Directly heard record should be gossiped, got %d entries", got)
	}
}

// TestRekeyPreservesHistory verifies a conflict rekey keeps position, battery
// and reliability.
func TestRekeyPreservesHistory(t *testing.T) {
	v := newTestView(1)
	v.Upsert(42, Update{At: t0, Nonce: "b", Position: &Position{X: 1, Y: 2, Z: 3}, BatteryLevel: floatPtr(61)})
	v.BeginPing(42, 1)
	v.SettlePing(42, 1, false)
	v.BeginPing(42, 2)
	v.SettlePing(42, 2, true)
	before, _ := v.Get(42)

	if err := v.Rekey(42, 900); err != nil {
		t.Fatalf("Failed to rekey: %v", err)
	}
	if v.Contains(42) {
		t.Errorf("Old id still present after rekey")
	}
	after, ok := v.Get(900)
	if !ok {
		t.Fatalf("New id missing after rekey")
	}
	if after.Position != before.Position || after.BatteryLevel != before.BatteryLevel || after.Reliability != before.Reliability {
		t.Errorf("History lost: before %+v after %+v", before, after)
	}
	if after.Reliability != 0.5 {
		t.Errorf("Expected reliability 0.5, got %f", after.Reliability)
	}
}

// TestRekeyErrors verifies Rekey refuses unknown ids and the self record.
func TestRekeyErrors(t *testing.T) {
	v := newTestView(1)
	if err := v.Rekey(9, 10); !errors.Is(err, ErrPeerNotFound) {
		t.Errorf("Expected ErrPeerNotFound, got %v", err)
	}
	if err := v.Rekey(1, 10); !errors.Is(err, ErrSelfRecord) {
		t.Errorf("Expected ErrSelfRecord, got %v", err)
	}
	v.Upsert(9, Update{At: t0})
	if err := v.Rekey(9, None); !errors.Is(err, ErrInvalidID) {
		t.Errorf("Expected ErrInvalidID, got %v", err)
	}
}

// TestRekeySelf verifies the self record can move only to a free id.
func TestRekeySelf(t *testing.T) {
	v := newTestView(42)
	v.Upsert(7, Update{At: t0})

	if err := v.RekeySelf(7); !errors.Is(err, ErrPeerExists) {
		t.Errorf("Expected ErrPeerExists, got %v", err)
	}
	if err := v.RekeySelf(1000); err != nil {
		t.Fatalf("Failed to rekey self: %v", err)
	}
	if v.SelfID() != 1000 || v.Contains(42) {
		t.Errorf("Self not rekeyed: self=%d contains42=%v", v.SelfID(), v.Contains(42))
	}
	if v.Self().Nonce != "self-nonce" {
		t.Errorf("Self nonce lost during rekey")
	}
}

// TestReliabilityWindow verifies pending pings count as failures, settled
// pings update the score, and the window stays bounded.
func TestReliabilityWindow(t *testing.T) {
	v := NewView(Record{ID: 1, LastSeen: t0}, 4)
	v.Upsert(2, Update{At: t0})

	v.BeginPing(2, 1)
	if rec, _ := v.Get(2); rec.Reliability != 0 {
		t.Errorf("Pending ping should count as failure, got %f", rec.Reliability)
	}
	v.SettlePing(2, 1, true)
	if rec, _ := v.Get(2); rec.Reliability != 1.0 {
		t.Errorf("Expected 1.0 after ACK, got %f", rec.Reliability)
	}
	if v.SettlePing(2, 1, false) {
		t.Errorf("Settled the same ping twice")
	}

	for seq := uint64(2); seq <= 6; seq++ {
		v.BeginPing(2, seq)
		v.SettlePing(2, seq, seq%2 == 0)
	}
	// Window holds seqs 3..6: acked 4 and 6.
	if rec, _ := v.Get(2); rec.Reliability != 0.5 {
		t.Errorf("Expected 0.5 over window, got %f", rec.Reliability)
	}
	if v.SettlePing(2, 1, true) {
		t.Errorf("Settled a ping that fell out of the window")
	}
}

// TestCleanupIdempotent checks that running cleanup twice at the same instant
// changes nothing the second time, for arbitrary peer ages.
func TestCleanupIdempotent(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		const offline = time.Minute
		const grace = 30 * time.Second

		v := newTestView(1)
		ages := rapid.SliceOfN(rapid.IntRange(0, 300), 0, 20).Draw(rt, "ages")
		for i, age := range ages {
			v.Upsert(ID(i+2), Update{At: t0.Add(-time.Duration(age) * time.Second)})
		}
		// Some peers go offline at an earlier cleanup.
		mid := t0.Add(-time.Duration(rapid.IntRange(0, 120).Draw(rt, "mid")) * time.Second)
		v.MarkStaleOffline(mid, offline)

		v.MarkStaleOffline(t0, offline)
		v.EvictLost(t0, grace)
		first := v.Snapshot()

		if marked := v.MarkStaleOffline(t0, offline); len(marked) != 0 {
			rt.Fatalf("Second cleanup marked %v", marked)
		}
		if evicted := v.EvictLost(t0, grace); len(evicted) != 0 {
			rt.Fatalf("Second cleanup evicted %v", evicted)
		}
		second := v.Snapshot()
		if len(first) != len(second) {
			rt.Fatalf("Snapshot size changed: %d -> %d", len(first), len(second))
		}
		for i := range first {
			if first[i].ID != second[i].ID || first[i].Liveness != second[i].Liveness {
				rt.Fatalf("Record changed: %v -> %v", first[i], second[i])
			}
		}
	})
}

// TestStalenessProperty checks every non-self record is ONLINE exactly when
// it was heard within the offline timeout.
func TestStalenessProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		const offline = time.Minute
		v := newTestView(1)
		ages := rapid.SliceOfN(rapid.IntRange(0, 120), 1, 20).Draw(rt, "ages")
		for i, age := range ages {
			v.Upsert(ID(i+2), Update{At: t0.Add(-time.Duration(age) * time.Second)})
		}
		v.MarkStaleOffline(t0, offline)

		for i, age := range ages {
			rec, ok := v.Get(ID(i + 2))
			if !ok {
				rt.Fatalf("Record %d missing", i+2)
			}
			stale := time.Duration(age)*time.Second > offline
			if stale == rec.IsOnline() {
				rt.Fatalf("Record %d age %ds online=%v", rec.ID, age, rec.IsOnline())
			}
		}
	})
}

// TestRekeyPreservesHistoryProperty checks rekeying to a fresh id never
// changes anything but the id.
func TestRekeyPreservesHistoryProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		v := newTestView(1)
		oldID := ID(rapid.IntRange(2, 1000).Draw(rt, "old"))
		newID := ID(rapid.IntRange(1001, 65535).Draw(rt, "new"))
		battery := rapid.Float64Range(0, 100).Draw(rt, "battery")
		pos := Position{
			X: rapid.Float64Range(-1e3, 1e3).Draw(rt, "x"),
			Y: rapid.Float64Range(-1e3, 1e3).Draw(rt, "y"),
			Z: rapid.Float64Range(0, 500).Draw(rt, "z"),
		}
		v.Upsert(oldID, Update{At: t0, Position: &pos, BatteryLevel: &battery})
		outcomes := rapid.SliceOfN(rapid.Bool(), 0, 15).Draw(rt, "acks")
		for i, ok := range outcomes {
			v.BeginPing(oldID, uint64(i))
			v.SettlePing(oldID, uint64(i), ok)
		}
		before, _ := v.Get(oldID)

		if err := v.Rekey(oldID, newID); err != nil {
			rt.Fatalf("Rekey failed: %v", err)
		}
		after, ok := v.Get(newID)
		if !ok {
			rt.Fatalf("New id missing")
		}
		if after.Position != before.Position || after.BatteryLevel != before.BatteryLevel ||
			after.Reliability != before.Reliability || !after.LastSeen.Equal(before.LastSeen) {
			rt.Fatalf("Rekey changed record: %+v -> %+v", before, after)
		}
	})
}
