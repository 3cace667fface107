package transport

import (
	"math/rand"
	"sync"
	"sync/atomic"
)

// Hub is an in-process broadcast medium. Every transport joined to the hub
// hears every other transport in the same partition. It is used by tests and
// by the simulator.
type Hub struct {
	mu        sync.Mutex
	endpoints map[string]*MemoryTransport
	groups    map[string]int
	lossRate  float64
	rng       *rand.Rand
}

// NewHub creates an empty hub with no partitions and no loss.
func NewHub() *Hub {
	return &Hub{
		endpoints: make(map[string]*MemoryTransport),
		groups:    make(map[string]int),
		rng:       rand.New(rand.NewSource(1)),
	}
}

// Join attaches a new transport named name to the hub. Joining an existing
// name replaces the previous endpoint.
func (h *Hub) Join(name string) *MemoryTransport {
	t := &MemoryTransport{hub: h, name: name, inbox: newInbox(defaultInboxSize)}
	h.mu.Lock()
	h.endpoints[name] = t
	h.mu.Unlock()
	return t
}

// Partition splits the hub into isolated groups. Endpoints not named in any
// group stay in the default group together.
func (h *Hub) Partition(groups ...[]string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.groups = make(map[string]int)
	for i, g := range groups {
		for _, name := range g {
			h.groups[name] = i + 1
		}
	}
}

// Heal removes all partitions.
func (h *Hub) Heal() {
	h.Partition()
}

// SetLoss makes the hub drop each delivery with probability rate, using a
// deterministic source seeded with seed.
func (h *Hub) SetLoss(rate float64, seed int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lossRate = rate
	h.rng = rand.New(rand.NewSource(seed))
}

func (h *Hub) deliver(from string, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	group := h.groups[from]
	for name, ep := range h.endpoints {
		if name == from || h.groups[name] != group || ep.closed.Load() {
			continue
		}
		if h.lossRate > 0 && h.rng.Float64() < h.lossRate {
			continue
		}
		ep.inbox.push(append([]byte(nil), payload...))
	}
}

func (h *Hub) leave(name string, t *MemoryTransport) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.endpoints[name] == t {
		delete(h.endpoints, name)
	}
}

// MemoryTransport is a Transport attached to a Hub.
type MemoryTransport struct {
	hub    *Hub
	name   string
	inbox  *inbox
	closed atomic.Bool
}

// Name returns the endpoint's name on the hub.
func (t *MemoryTransport) Name() string {
	return t.name
}

// Send broadcasts payload to every endpoint in the same partition. The
// destination is carried inside the payload, so dest is not used for routing.
func (t *MemoryTransport) Send(dest uint16, payload []byte) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}
	t.hub.deliver(t.name, payload)
	return nil
}

// Receive drains the endpoint's inbox.
func (t *MemoryTransport) Receive() [][]byte {
	if t.closed.Load() {
		return nil
	}
	return t.inbox.drain()
}

// Dropped returns the number of payloads lost to a full inbox.
func (t *MemoryTransport) Dropped() uint64 {
	return t.inbox.Dropped()
}

// Close detaches the endpoint from the hub. It is safe to call multiple times.
func (t *MemoryTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	t.hub.leave(t.name, t)
	return nil
}

// Compile-time check that MemoryTransport implements Transport interface.
var _ Transport = (*MemoryTransport)(nil)
