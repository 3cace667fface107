package engine

import (
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/salahayoub/dronenet/pkg/network"
	"github.com/salahayoub/dronenet/pkg/protocol"
	"github.com/salahayoub/dronenet/pkg/telemetry"
	"github.com/salahayoub/dronenet/pkg/transport"
)

const testTick = 100 * time.Millisecond

var epoch = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

// testNet drives a set of engines on a shared hub with a synthetic clock.
type testNet struct {
	t       *testing.T
	hub     *transport.Hub
	names   []string
	engines map[string]*Engine
	trans   map[string]*transport.MemoryTransport
	now     time.Time
}

func newTestNet(t *testing.T) *testNet {
	return &testNet{
		t:       t,
		hub:     transport.NewHub(),
		engines: make(map[string]*Engine),
		trans:   make(map[string]*transport.MemoryTransport),
		now:     epoch,
	}
}

func (n *testNet) add(name string, id network.ID, opts ...Option) *Engine {
	n.t.Helper()
	cfg := DefaultConfig()
	cfg.DroneID = id
	tr := n.hub.Join(name)
	base := []Option{
		WithNonce(name),
		WithClock(func() time.Time { return n.now }),
		WithRand(rand.New(rand.NewSource(int64(id) + 1))),
	}
	e, err := New(cfg, tr, append(base, opts...)...)
	if err != nil {
		n.t.Fatalf("Failed to create engine %s: %v", name, err)
	}
	n.names = append(n.names, name)
	n.engines[name] = e
	n.trans[name] = tr
	return e
}

// kill stops ticking the named engine and detaches it from the hub.
func (n *testNet) kill(name string) {
	n.trans[name].Close()
	delete(n.engines, name)
}

// run advances the clock by d, ticking every live engine each step.
func (n *testNet) run(d time.Duration) {
	for i := 0; i < int(d/testTick); i++ {
		n.now = n.now.Add(testTick)
		for _, name := range n.names {
			if e, ok := n.engines[name]; ok {
				e.Tick(n.now)
			}
		}
	}
}

// inject sends msg from a raw hub endpoint.
func inject(t *testing.T, tr transport.Transport, msg protocol.Message) {
	t.Helper()
	data, err := protocol.Encode(msg)
	if err != nil {
		t.Fatalf("Failed to encode: %v", err)
	}
	if err := tr.Send(uint16(msg.Destination), data); err != nil {
		t.Fatalf("Failed to send: %v", err)
	}
}

// received decodes everything pending on tr.
func received(t *testing.T, tr transport.Transport) []protocol.Message {
	t.Helper()
	var out []protocol.Message
	for _, raw := range tr.Receive() {
		msg, err := protocol.Decode(raw)
		if err != nil {
			t.Fatalf("Engine sent undecodable payload: %v", err)
		}
		out = append(out, msg)
	}
	return out
}

// TestConfigValidate verifies invalid timing is rejected.
func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero tick", func(c *Config) { c.TickInterval = 0 }},
		{"negative offline", func(c *Config) { c.OfflineTimeout = -time.Second }},
		{"no discovery attempts", func(c *Config) { c.MaxDiscoveryAttempts = 0 }},
		{"empty window", func(c *Config) { c.ReliabilityWindow = 0 }},
		{"nan position", func(c *Config) { c.Position.X = math.NaN() }},
	}

	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("Default config invalid: %v", err)
	}
	for _, tt := range tests {
		cfg := DefaultConfig()
		tt.mutate(&cfg)
		if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("%s: expected ErrInvalidConfig, got %v", tt.name, err)
		}
	}
}

// TestNewStartsSeeking verifies the initial state and self record.
func TestNewStartsSeeking(t *testing.T) {
	net := newTestNet(t)
	e := net.add("a", 17)

	if e.State() != protocol.StateSeeking {
		t.Errorf("Expected SEEKING, got %v", e.State())
	}
	if e.ID() != 17 || e.Nonce() != "a" || e.MasterID() != network.None {
		t.Errorf("Unexpected identity: id=%d nonce=%q master=%d", e.ID(), e.Nonce(), e.MasterID())
	}
	snap := e.Snapshot()
	if len(snap.Records) != 1 || snap.Records[0].ID != 17 {
		t.Errorf("Expected only the self record, got %v", snap.Records)
	}
}

// TestNewPicksRandomID verifies a zero id is replaced by a valid random one
// and a UUID nonce is generated.
func TestNewPicksRandomID(t *testing.T) {
	hub := transport.NewHub()
	e, err := New(DefaultConfig(), hub.Join("x"))
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	if !e.ID().Valid() {
		t.Errorf("Expected a valid random id, got %d", e.ID())
	}
	if len(e.Nonce()) != 36 {
		t.Errorf("Expected UUID nonce, got %q", e.Nonce())
	}
}

// TestMalformedMessagesDropped verifies undecodable payloads are counted and
// leave the engine untouched.
func TestMalformedMessagesDropped(t *testing.T) {
	net := newTestNet(t)
	metrics := telemetry.New(false)
	e := net.add("a", 5, WithMetrics(metrics))
	raw := net.hub.Join("raw")

	raw.Send(transport.Broadcast, []byte("not json"))
	raw.Send(transport.Broadcast, []byte(`{"timestamp":1,"drone_id":9,"destination_id":-1,"current_state":"MASTER","action":"TAKEOFF","params":{}}`))
	raw.Send(transport.Broadcast, []byte(`{"timestamp":1,"drone_id":0,"destination_id":-1,"current_state":"MASTER","action":"HEARTBEAT","params":{}}`))
	net.run(testTick)

	if got := testutil.ToFloat64(metrics.DecodeErrors); got != 3 {
		t.Errorf("Expected 3 decode errors, got %f", got)
	}
	snap := e.Snapshot()
	if len(snap.Records) != 1 || snap.State != protocol.StateSeeking {
		t.Errorf("Malformed input changed state: %+v", snap)
	}
}

// TestUnicastFilteredButRegistered verifies messages for another drone still
// refresh the sender but are not acted on.
func TestUnicastFilteredButRegistered(t *testing.T) {
	net := newTestNet(t)
	e := net.add("a", 5)
	raw := net.hub.Join("raw")
	net.run(testTick)
	received(t, raw)

	inject(t, raw, protocol.Message{Timestamp: net.now, Sender: 7, Nonce: "n7", Destination: 99, State: protocol.StateSlave, Payload: protocol.Ping{Seq: 1}})
	net.run(testTick)

	if _, ok := e.Peer(7); !ok {
		t.Fatalf("Sender of a unicast message was not registered")
	}
	for _, m := range received(t, raw) {
		if m.Action() == protocol.ActionAck {
			t.Errorf("Engine acked a ping addressed to someone else")
		}
	}

	inject(t, raw, protocol.Message{Timestamp: net.now, Sender: 7, Nonce: "n7", Destination: 5, State: protocol.StateSlave, Payload: protocol.Ping{Seq: 2}})
	net.run(testTick)

	var ack *protocol.Ack
	for _, m := range received(t, raw) {
		if a, ok := m.Payload.(protocol.Ack); ok && m.Destination == 7 {
			ack = &a
		}
	}
	if ack == nil || ack.Seq != 2 {
		t.Errorf("Expected ACK for seq 2, got %+v", ack)
	}
}

// TestDiscoveryResponseRules verifies an announce from an unknown drone is
// answered and ends our own search.
func TestDiscoveryResponseRules(t *testing.T) {
	net := newTestNet(t)
	e := net.add("a", 5)
	raw := net.hub.Join("raw")
	net.run(testTick)
	received(t, raw)

	announce := protocol.Message{Timestamp: net.now, Sender: 8, Nonce: "n8", State: protocol.StateConnected,
		Payload: protocol.DiscoveryAnnounce{Position: network.Position{X: 4}, BatteryLevel: 70, Capabilities: []string{"camera"}}}
	inject(t, raw, announce)
	net.run(testTick)

	responses := 0
	for _, m := range received(t, raw) {
		if m.Action() == protocol.ActionDiscoveryResponse && m.Destination == 8 {
			responses++
		}
	}
	if responses != 1 {
		t.Errorf("Expected one response to unknown announcer, got %d", responses)
	}
	if e.State() != protocol.StateConnected {
		t.Errorf("Expected CONNECTED after announce, got %v", e.State())
	}
	rec, _ := e.Peer(8)
	if rec.BatteryLevel != 70 || len(rec.Capabilities) != 1 || rec.Role != network.RoleConnected {
		t.Errorf("Announce telemetry not recorded: %+v", rec)
	}

	// Known, non-seeking announcer gets no second response.
	announce.Timestamp = net.now
	inject(t, raw, announce)
	net.run(testTick)
	for _, m := range received(t, raw) {
		if m.Action() == protocol.ActionDiscoveryResponse {
			t.Errorf("Answered an announce from a known connected drone")
		}
	}
}

// TestPeerRekeyPreservesHistory verifies ID_CONFLICT_RESOLUTION moves the
// announcing instance's record, and leaves another instance's record alone.
func TestPeerRekeyPreservesHistory(t *testing.T) {
	net := newTestNet(t)
	e := net.add("a", 1)
	raw := net.hub.Join("raw")

	inject(t, raw, protocol.Message{Timestamp: net.now, Sender: 42, Nonce: "n1", State: protocol.StateSlave,
		Payload: protocol.Heartbeat{Position: network.Position{X: 1, Y: 2, Z: 3}, BatteryLevel: 55}})
	net.run(testTick)
	inject(t, raw, protocol.Message{Timestamp: net.now, Sender: 900, Nonce: "n1", State: protocol.StateSlave,
		Payload: protocol.IDConflictResolution{OldID: 42, NewID: 900}})
	net.run(testTick)

	if _, ok := e.Peer(42); ok {
		t.Errorf("Old id still present after rekey")
	}
	rec, ok := e.Peer(900)
	if !ok {
		t.Fatalf("New id missing after rekey")
	}
	if rec.Position != (network.Position{X: 1, Y: 2, Z: 3}) || rec.BatteryLevel != 55 {
		t.Errorf("Rekey lost history: %+v", rec)
	}

	inject(t, raw, protocol.Message{Timestamp: net.now, Sender: 50, Nonce: "m1", State: protocol.StateSlave,
		Payload: protocol.Heartbeat{BatteryLevel: 20}})
	net.run(testTick)
	inject(t, raw, protocol.Message{Timestamp: net.now, Sender: 901, Nonce: "other", State: protocol.StateSlave,
		Payload: protocol.IDConflictResolution{OldID: 50, NewID: 901}})
	net.run(testTick)

	if _, ok := e.Peer(50); !ok {
		t.Errorf("Record of the drone that kept id 50 was moved")
	}
	if _, ok := e.Peer(901); !ok {
		t.Errorf("Announcing drone 901 was not registered")
	}
}

// TestUpdateSelf verifies local telemetry updates and battery clamping.
func TestUpdateSelf(t *testing.T) {
	net := newTestNet(t)
	e := net.add("a", 3)
	net.run(testTick)

	if err := e.UpdateSelf(network.Position{X: 10, Y: 20, Z: 5}, 140); err != nil {
		t.Fatalf("UpdateSelf failed: %v", err)
	}
	self, _ := e.Peer(3)
	if self.BatteryLevel != 100 || self.Position.Y != 20 {
		t.Errorf("Unexpected self record: %+v", self)
	}
	if err := e.UpdateSelf(network.Position{X: math.Inf(1)}, 50); !errors.Is(err, ErrInvalidTelemetry) {
		t.Errorf("Expected ErrInvalidTelemetry, got %v", err)
	}
	if err := e.UpdateSelf(network.Position{}, math.NaN()); !errors.Is(err, ErrInvalidTelemetry) {
		t.Errorf("Expected ErrInvalidTelemetry for NaN battery, got %v", err)
	}
}

// TestStartStop verifies the real-time loop runs, shuts down cleanly and
// can be started again.
func TestStartStop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DroneID = 11
	cfg.TickInterval = 5 * time.Millisecond
	hub := transport.NewHub()
	peer := hub.Join("peer")

	e, err := New(cfg, hub.Join("e"))
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	if err := e.Start(); err != nil {
		t.Fatalf("Failed to start: %v", err)
	}
	if err := e.Start(); err != nil {
		t.Fatalf("Second Start returned error: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	var got []protocol.Message
	for time.Now().Before(deadline) && len(got) == 0 {
		got = received(t, peer)
		time.Sleep(5 * time.Millisecond)
	}
	if len(got) == 0 || got[0].Action() != protocol.ActionDiscoveryAnnounce {
		t.Errorf("Expected an announce from the running engine, got %v", got)
	}

	if err := e.Stop(); err != nil {
		t.Fatalf("Failed to stop: %v", err)
	}
	if err := e.Stop(); err != nil {
		t.Errorf("Second Stop returned error: %v", err)
	}

	received(t, peer)
	if err := e.Start(); err != nil {
		t.Fatalf("Failed to restart: %v", err)
	}
	inject(t, peer, protocol.Message{Timestamp: time.Now(), Sender: 12, Nonce: "n12", Destination: 11,
		State: protocol.StateSeeking, Payload: protocol.Ping{Seq: 3}})
	acked := false
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && !acked {
		for _, m := range received(t, peer) {
			if a, ok := m.Payload.(protocol.Ack); ok && a.Seq == 3 && m.Destination == 12 {
				acked = true
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !acked {
		t.Errorf("Restarted engine did not answer a ping")
	}
	if err := e.Stop(); err != nil {
		t.Fatalf("Failed to stop restarted engine: %v", err)
	}
}
