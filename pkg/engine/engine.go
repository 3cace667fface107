// Package engine implements the drone coordination state machine.
//
// # Thread Safety Guarantees
//
// The Engine is safe for concurrent use by multiple goroutines. All protocol
// work happens inside Tick, which holds the write lock for its whole duration:
// it drains the transport, dispatches messages in arrival order, fires due
// timers and runs the election. When started, a single goroutine calls Tick
// once per TickInterval.
//
// Public getters acquire a read lock. The network view is only ever touched
// under the engine's lock.
//
// File Organization:
// - engine.go: Config, Engine struct, New, public getters, Start/Stop, Tick
// - handlers.go: inbound decoding and per-action handlers
// - election.go: state transitions, election and master claims
// - conflict.go: id conflict detection and resolution
// - timers.go: periodic duties (discovery, heartbeat, status, cleanup, pings)
package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/salahayoub/dronenet/pkg/logging"
	"github.com/salahayoub/dronenet/pkg/network"
	"github.com/salahayoub/dronenet/pkg/protocol"
	"github.com/salahayoub/dronenet/pkg/storage"
	"github.com/salahayoub/dronenet/pkg/telemetry"
	"github.com/salahayoub/dronenet/pkg/transport"
)

// Sentinel errors for engine operations.
var (
	ErrInvalidConfig    = errors.New("invalid engine configuration")
	ErrInvalidTelemetry = errors.New("invalid telemetry")
	ErrIDSpaceExhausted = errors.New("no free drone id")
)

// Config holds the engine's identity and protocol timing.
type Config struct {
	// DroneID is the initial id. Zero picks a random id.
	DroneID      network.ID
	Position     network.Position
	BatteryLevel float64
	Capabilities []string

	TickInterval        time.Duration
	DiscoveryInterval   time.Duration
	HeartbeatInterval   time.Duration
	NetworkSyncInterval time.Duration
	CleanupInterval     time.Duration
	ElectionInterval    time.Duration
	PingInterval        time.Duration
	PingTimeout         time.Duration

	// OfflineTimeout is how long a peer may stay silent before it is OFFLINE.
	OfflineTimeout time.Duration
	// EvictionGrace is how long an OFFLINE peer is kept before eviction.
	EvictionGrace time.Duration
	// NetworkLostTimeout is how long the online peer set may stay empty,
	// after having been non-empty, before the drone returns to SEEKING.
	NetworkLostTimeout time.Duration

	MaxDiscoveryAttempts int
	// MinStableTime is how long a CONNECTED drone waits before taking part
	// in elections.
	MinStableTime     time.Duration
	ReliabilityWindow int
}

// DefaultConfig returns the standard protocol timing.
func DefaultConfig() Config {
	return Config{
		BatteryLevel:         100,
		TickInterval:         100 * time.Millisecond,
		DiscoveryInterval:    2500 * time.Millisecond,
		HeartbeatInterval:    5 * time.Second,
		NetworkSyncInterval:  7500 * time.Millisecond,
		CleanupInterval:      5 * time.Second,
		ElectionInterval:     4 * time.Second,
		PingInterval:         5 * time.Second,
		PingTimeout:          2 * time.Second,
		OfflineTimeout:       60 * time.Second,
		EvictionGrace:        30 * time.Second,
		NetworkLostTimeout:   15 * time.Second,
		MaxDiscoveryAttempts: 10,
		MinStableTime:        7500 * time.Millisecond,
		ReliabilityWindow:    network.DefaultReliabilityWindow,
	}
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	durations := []struct {
		name string
		d    time.Duration
	}{
		{"tick interval", c.TickInterval},
		{"discovery interval", c.DiscoveryInterval},
		{"heartbeat interval", c.HeartbeatInterval},
		{"network sync interval", c.NetworkSyncInterval},
		{"cleanup interval", c.CleanupInterval},
		{"election interval", c.ElectionInterval},
		{"ping interval", c.PingInterval},
		{"ping timeout", c.PingTimeout},
		{"offline timeout", c.OfflineTimeout},
		{"eviction grace", c.EvictionGrace},
		{"network lost timeout", c.NetworkLostTimeout},
	}
	for _, d := range durations {
		if d.d <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalidConfig, d.name)
		}
	}
	if c.MinStableTime < 0 {
		return fmt.Errorf("%w: min stable time must not be negative", ErrInvalidConfig)
	}
	if c.MaxDiscoveryAttempts < 1 {
		return fmt.Errorf("%w: max discovery attempts must be at least 1", ErrInvalidConfig)
	}
	if c.ReliabilityWindow < 1 {
		return fmt.Errorf("%w: reliability window must be at least 1", ErrInvalidConfig)
	}
	if !c.Position.Finite() {
		return fmt.Errorf("%w: position must be finite", ErrInvalidConfig)
	}
	return nil
}

// IdentityStore persists the drone id and the conflicts it lost.
// storage.BoltStore implements it.
type IdentityStore interface {
	SetDroneID(id network.ID) error
	RecordConflict(rec storage.ConflictRecord) error
}

// Option customizes an Engine.
type Option func(*Engine)

// WithLogger sets the engine's logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.baseLogger = logger
		}
	}
}

// WithMetrics attaches a metrics sink.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithStore persists identity changes to store.
func WithStore(store IdentityStore) Option {
	return func(e *Engine) { e.store = store }
}

// WithRand sets the source used to pick drone ids.
func WithRand(rng *rand.Rand) Option {
	return func(e *Engine) {
		if rng != nil {
			e.rng = rng
		}
	}
}

// WithClock sets the time source used by the run loop.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithNonce fixes the instance nonce instead of generating a UUID.
func WithNonce(nonce string) Option {
	return func(e *Engine) {
		if nonce != "" {
			e.nonce = nonce
		}
	}
}

// pendingPing is an outstanding reliability probe.
type pendingPing struct {
	peer   network.ID
	sentAt time.Time
}

// schedule holds the next due time of each periodic duty. A zero time fires
// on the next tick.
type schedule struct {
	discovery time.Time
	heartbeat time.Time
	status    time.Time
	cleanup   time.Time
	election  time.Time
	ping      time.Time
}

// Engine runs the coordination protocol for one drone.
//
// Thread Safety: All public methods are safe for concurrent use. State
// modifications only occur within Tick, under the write lock.
type Engine struct {
	config     Config
	transport  transport.Transport
	store      IdentityStore
	baseLogger *zap.Logger
	logger     *zap.Logger
	metrics    *telemetry.Metrics
	clock      func() time.Time
	rng        *rand.Rand

	view     *network.View
	state    protocol.State
	masterID network.ID
	nonce    string

	startedAt         time.Time
	lastTick          time.Time
	connectedAt       time.Time
	discoveryAttempts int

	// Network-lost tracking
	hadPeers  bool
	lostSince time.Time

	// Reliability sampling
	pingSeq    uint64
	pending    map[uint64]pendingPing
	pingCursor network.ID

	next            schedule
	topologyChanged bool
	conflicts       []storage.ConflictRecord

	// Run loop
	stopChan chan struct{}
	doneChan chan struct{}
	mu       sync.RWMutex
	running  bool
}

// New creates an engine in the SEEKING state. The engine does nothing until
// Start is called or Tick is driven by the caller.
func New(cfg Config, trans transport.Transport, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if trans == nil {
		return nil, fmt.Errorf("%w: transport is required", ErrInvalidConfig)
	}

	e := &Engine{
		config:     cfg,
		transport:  trans,
		baseLogger: zap.NewNop(),
		clock:      time.Now,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		state:      protocol.StateSeeking,
		pending:    make(map[uint64]pendingPing),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.nonce == "" {
		e.nonce = uuid.NewString()
	}

	id := cfg.DroneID
	if !id.Valid() {
		id = network.ID(e.rng.Intn(0xFFFF) + 1)
	}
	now := e.clock()
	e.startedAt = now
	e.view = network.NewView(network.Record{
		ID:           id,
		Nonce:        e.nonce,
		Position:     cfg.Position,
		BatteryLevel: cfg.BatteryLevel,
		Capabilities: append([]string(nil), cfg.Capabilities...),
		Role:         network.RoleUnknown,
		LastSeen:     now,
		DiscoveredAt: now,
	}, cfg.ReliabilityWindow)
	e.logger = logging.Drone(e.baseLogger, uint16(id))

	if e.store != nil {
		if err := e.store.SetDroneID(id); err != nil {
			return nil, fmt.Errorf("persist drone id: %w", err)
		}
	}
	e.metrics.SetState(e.state.String())
	return e, nil
}

// ============================================================================
// Public getters
// ============================================================================

// ID returns the drone's current id.
func (e *Engine) ID() network.ID {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.view.SelfID()
}

// Nonce returns the instance nonce generated at startup.
func (e *Engine) Nonce() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.nonce
}

// State returns the current coordination state.
func (e *Engine) State() protocol.State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// MasterID returns the drone this node currently follows (itself when
// MASTER), or network.None if unknown.
func (e *Engine) MasterID() network.ID {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.masterID
}

// Peer returns a copy of the record for id.
func (e *Engine) Peer(id network.ID) (network.Record, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.view.Get(id)
}

// Conflicts returns the id conflicts this drone has resolved.
func (e *Engine) Conflicts() []storage.ConflictRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]storage.ConflictRecord(nil), e.conflicts...)
}

// Snapshot is a read-only copy of an engine's state.
type Snapshot struct {
	ID        network.ID
	Nonce     string
	State     protocol.State
	MasterID  network.ID
	Status    string
	StartedAt time.Time
	TakenAt   time.Time
	Records   []network.Record
	Conflicts []storage.ConflictRecord
}

// Snapshot returns a consistent copy of the engine's state and network view.
func (e *Engine) Snapshot() Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	taken := e.lastTick
	if taken.IsZero() {
		taken = e.clock()
	}
	return Snapshot{
		ID:        e.view.SelfID(),
		Nonce:     e.nonce,
		State:     e.state,
		MasterID:  e.masterID,
		Status:    e.discoveryStatusLocked(),
		StartedAt: e.startedAt,
		TakenAt:   taken,
		Records:   e.view.Snapshot(),
		Conflicts: append([]storage.ConflictRecord(nil), e.conflicts...),
	}
}

// DiscoveryStatus returns a one-line summary of the discovery progress.
func (e *Engine) DiscoveryStatus() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.discoveryStatusLocked()
}

func (e *Engine) discoveryStatusLocked() string {
	if e.state == protocol.StateSeeking {
		return fmt.Sprintf("Seeking network (attempt %d/%d)", e.discoveryAttempts, e.config.MaxDiscoveryAttempts)
	}
	return fmt.Sprintf("Network established: %d drones online", len(e.view.OnlineIDs(true)))
}

// UpdateSelf records new local telemetry. The battery level is clamped to
// [0, 100]; a non-finite position or battery is rejected.
func (e *Engine) UpdateSelf(pos network.Position, battery float64) error {
	if !pos.Finite() || math.IsNaN(battery) {
		return ErrInvalidTelemetry
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	at := e.lastTick
	if at.IsZero() {
		at = e.clock()
	}
	battery = network.ClampBattery(battery)
	_, err := e.view.Upsert(e.view.SelfID(), network.Update{At: at, Position: &pos, BatteryLevel: &battery})
	return err
}

// ============================================================================
// Run loop
// ============================================================================

// Start begins the control loop. A stopped engine may be started again.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return nil
	}
	e.running = true
	e.stopChan = make(chan struct{})
	e.doneChan = make(chan struct{})
	e.logger.Info("engine starting",
		zap.String("nonce", e.nonce),
		zap.Duration("tick", e.config.TickInterval))

	go e.run(e.stopChan, e.doneChan)
	return nil
}

// Stop gracefully shuts down the control loop. It does not close the transport.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	stop, done := e.stopChan, e.doneChan
	e.mu.Unlock()

	close(stop)
	<-done

	e.logger.Info("engine stopped")
	return nil
}

// Run starts the engine and blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return e.Stop()
}

func (e *Engine) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(e.config.TickInterval)
	defer ticker.Stop()

	e.Tick(e.clock())
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			e.Tick(e.clock())
		}
	}
}

// Tick performs one iteration of the control loop at time now: drain the
// transport, dispatch every message, settle expired pings, fire due timers
// and re-run the election if the topology changed.
func (e *Engine) Tick(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	start := time.Now()
	e.lastTick = now
	e.view.TouchSelf(now, e.state.Role())

	for _, payload := range e.transport.Receive() {
		e.handlePayload(payload, now)
	}

	e.expirePings(now)
	e.checkNetworkLost(now)
	e.fireTimers(now)

	if e.topologyChanged {
		e.topologyChanged = false
		e.runElection(now)
	}

	e.metrics.SetPeers(len(e.view.OnlineIDs(false)), e.view.Len())
	e.metrics.ObserveTick(time.Since(start))
}

// send encodes and hands a message to the transport. Failures are logged and
// counted; the periodic timers retry.
func (e *Engine) send(dest network.ID, payload protocol.Payload, now time.Time) {
	msg := protocol.Message{
		Timestamp:   now,
		Sender:      e.view.SelfID(),
		Nonce:       e.nonce,
		Destination: dest,
		State:       e.state,
		Payload:     payload,
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		e.metrics.SendError()
		e.logger.Warn("failed to encode message", zap.String("action", string(payload.Action())), zap.Error(err))
		return
	}
	if err := e.transport.Send(uint16(dest), data); err != nil {
		e.metrics.SendError()
		e.logger.Debug("send failed", zap.String("action", string(payload.Action())), zap.Error(err))
		return
	}
	e.metrics.MessageOut(string(payload.Action()))
}

func (e *Engine) broadcast(payload protocol.Payload, now time.Time) {
	e.send(network.None, payload, now)
}

// selfTelemetry returns the position and battery from the self record.
func (e *Engine) selfTelemetry() (network.Position, float64) {
	self := e.view.Self()
	return self.Position, self.BatteryLevel
}
