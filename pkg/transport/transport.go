// Package transport moves encoded protocol messages between drones.
//
// The network is modelled as broadcast-only: a Transport may deliver a
// unicast message to every reachable drone, and receivers filter on the
// destination carried inside the message. Delivery is unreliable and
// unordered across senders.
//
// Thread Safety: Implementations of Transport must be safe for concurrent use
// by multiple goroutines.
package transport

import (
	"errors"
	"sync/atomic"
)

// Error variables for transport operations.
var (
	// ErrTransportClosed is returned when operations are attempted on a closed transport.
	ErrTransportClosed = errors.New("transport is closed")
	// ErrConnectionFailed is returned when a connection to a peer cannot be established.
	ErrConnectionFailed = errors.New("failed to connect to peer")
	// ErrOutboxFull is returned when a send cannot be queued without blocking.
	ErrOutboxFull = errors.New("transport outbox is full")
)

// Broadcast is the destination that addresses every drone.
const Broadcast uint16 = 0

// Transport is the boundary between the coordination engine and the network.
type Transport interface {
	// Send queues payload for delivery to dest (Broadcast for all drones).
	// It never blocks; delivery failures after queuing are not reported.
	Send(dest uint16, payload []byte) error

	// Receive returns every payload that arrived since the last call, in
	// arrival order. It never blocks and returns nil when nothing is pending.
	Receive() [][]byte

	// Close shuts down the transport and releases all resources.
	Close() error
}

const (
	// defaultInboxSize is the default buffer size for received payloads.
	defaultInboxSize = 256
)

// inbox buffers received payloads until the engine drains them. When full,
// new payloads are dropped, matching a lossy radio link.
type inbox struct {
	ch      chan []byte
	dropped atomic.Uint64
}

func newInbox(size int) *inbox {
	if size <= 0 {
		size = defaultInboxSize
	}
	return &inbox{ch: make(chan []byte, size)}
}

// push enqueues payload without blocking. It reports false if the payload was
// dropped.
func (in *inbox) push(payload []byte) bool {
	select {
	case in.ch <- payload:
		return true
	default:
		in.dropped.Add(1)
		return false
	}
}

// drain returns everything currently buffered.
func (in *inbox) drain() [][]byte {
	var out [][]byte
	for {
		select {
		case p := <-in.ch:
			out = append(out, p)
		default:
			return out
		}
	}
}

// Dropped returns the number of payloads discarded because the inbox was full.
func (in *inbox) Dropped() uint64 {
	return in.dropped.Load()
}
