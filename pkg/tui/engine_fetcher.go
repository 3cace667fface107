package tui

import (
	"errors"
	"sync"

	"github.com/salahayoub/dronenet/pkg/engine"
	"github.com/salahayoub/dronenet/pkg/types"
)

// ErrNotConnected is returned when the fetcher has been detached.
var ErrNotConnected = errors.New("not connected to drone")

// Snapshotter is the part of *engine.Engine the local fetcher reads.
type Snapshotter interface {
	Snapshot() engine.Snapshot
}

// EngineDataFetcher implements DataFetcher over an in-process engine.
type EngineDataFetcher struct {
	source    Snapshotter
	name      string
	connected bool
	mu        sync.RWMutex
}

// NewEngineDataFetcher creates a fetcher reading snapshots from source.
func NewEngineDataFetcher(source Snapshotter, name string) *EngineDataFetcher {
	return &EngineDataFetcher{
		source:    source,
		name:      name,
		connected: true,
	}
}

// FetchStatus converts the engine's current snapshot.
func (f *EngineDataFetcher) FetchStatus() (*types.StatusResponse, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.connected {
		return nil, ErrNotConnected
	}
	resp := types.NewStatusResponse(f.source.Snapshot())
	return &resp, nil
}

// IsConnected returns whether the fetcher is attached.
func (f *EngineDataFetcher) IsConnected() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.connected
}

// Reconnect reattaches the fetcher. A local engine is always reachable.
func (f *EngineDataFetcher) Reconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = true
	return nil
}

// Disconnect detaches the fetcher, e.g. when the simulator kills the drone.
func (f *EngineDataFetcher) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
}

// Name returns the drone's label.
func (f *EngineDataFetcher) Name() string {
	return f.name
}
