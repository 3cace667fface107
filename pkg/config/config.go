// Package config loads a drone node's TOML configuration.
package config

import (
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/salahayoub/dronenet/pkg/engine"
	"github.com/salahayoub/dronenet/pkg/network"
	"github.com/salahayoub/dronenet/pkg/transport"
)

// ErrInvalid is wrapped by every validation error.
var ErrInvalid = errors.New("invalid configuration")

// Duration is a time.Duration written as a string ("2.5s") in TOML.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config holds all node configuration.
type Config struct {
	Node      NodeConfig      `toml:"node"`
	Timing    TimingConfig    `toml:"timing"`
	Transport TransportConfig `toml:"transport"`
	HTTP      HTTPConfig      `toml:"http"`
	Logging   LoggingConfig   `toml:"logging"`
	Export    ExportConfig    `toml:"export"`
}

// NodeConfig identifies the drone and its starting telemetry.
type NodeConfig struct {
	// ID is the requested drone id. Zero reuses the persisted id, or picks a
	// random one on first start.
	ID           int       `toml:"id"`
	Position     []float64 `toml:"position"`
	Battery      float64   `toml:"battery"`
	Capabilities []string  `toml:"capabilities"`
	DataDir      string    `toml:"data_dir"`
}

// TimingConfig mirrors engine.Config's timing knobs.
type TimingConfig struct {
	Tick                 Duration `toml:"tick"`
	Discovery            Duration `toml:"discovery"`
	Heartbeat            Duration `toml:"heartbeat"`
	NetworkSync          Duration `toml:"network_sync"`
	Cleanup              Duration `toml:"cleanup"`
	Election             Duration `toml:"election"`
	Ping                 Duration `toml:"ping"`
	PingTimeout          Duration `toml:"ping_timeout"`
	Offline              Duration `toml:"offline"`
	EvictionGrace        Duration `toml:"eviction_grace"`
	NetworkLost          Duration `toml:"network_lost"`
	MinStable            Duration `toml:"min_stable"`
	MaxDiscoveryAttempts int      `toml:"max_discovery_attempts"`
	ReliabilityWindow    int      `toml:"reliability_window"`
}

// TransportConfig controls the gRPC mesh and peer discovery.
type TransportConfig struct {
	Listen      string     `toml:"listen"`
	Peers       []string   `toml:"peers"`
	SendTimeout Duration   `toml:"send_timeout"`
	Etcd        EtcdConfig `toml:"etcd"`
}

// EtcdConfig enables etcd-based peer discovery when Endpoints is non-empty.
type EtcdConfig struct {
	Endpoints []string `toml:"endpoints"`
	Prefix    string   `toml:"prefix"`
	TTL       Duration `toml:"ttl"`
}

// HTTPConfig controls the status API. An empty Addr disables it.
type HTTPConfig struct {
	Addr string `toml:"addr"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// ExportConfig enables periodic snapshot export when DB is set.
type ExportConfig struct {
	DB       string   `toml:"db"`
	Interval Duration `toml:"interval"`
}

// DefaultConfig returns the standard node configuration.
func DefaultConfig() Config {
	ec := engine.DefaultConfig()
	return Config{
		Node: NodeConfig{
			Position: []float64{0, 0, 0},
			Battery:  ec.BatteryLevel,
			DataDir:  "data",
		},
		Timing: TimingConfig{
			Tick:                 Duration{ec.TickInterval},
			Discovery:            Duration{ec.DiscoveryInterval},
			Heartbeat:            Duration{ec.HeartbeatInterval},
			NetworkSync:          Duration{ec.NetworkSyncInterval},
			Cleanup:              Duration{ec.CleanupInterval},
			Election:             Duration{ec.ElectionInterval},
			Ping:                 Duration{ec.PingInterval},
			PingTimeout:          Duration{ec.PingTimeout},
			Offline:              Duration{ec.OfflineTimeout},
			EvictionGrace:        Duration{ec.EvictionGrace},
			NetworkLost:          Duration{ec.NetworkLostTimeout},
			MinStable:            Duration{ec.MinStableTime},
			MaxDiscoveryAttempts: ec.MaxDiscoveryAttempts,
			ReliabilityWindow:    ec.ReliabilityWindow,
		},
		Transport: TransportConfig{
			Listen:      "127.0.0.1:7400",
			SendTimeout: Duration{time.Second},
			Etcd: EtcdConfig{
				Prefix: transport.DefaultRegistryPrefix,
				TTL:    Duration{10 * time.Second},
			},
		},
		HTTP: HTTPConfig{
			Addr: "127.0.0.1:8400",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Export: ExportConfig{
			Interval: Duration{5 * time.Second},
		},
	}
}

// Load reads the TOML file at path over the defaults. Unknown keys are
// rejected so typos do not silently fall back to defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return cfg, fmt.Errorf("%w: unknown keys %s", ErrInvalid, strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Write encodes cfg as TOML to w.
func Write(w io.Writer, cfg Config) error {
	return toml.NewEncoder(w).Encode(cfg)
}

// Validate checks the node section and the resulting engine configuration.
func (c Config) Validate() error {
	var errs []string

	if c.Node.ID < 0 || c.Node.ID > math.MaxUint16 {
		errs = append(errs, fmt.Sprintf("node.id %d out of range", c.Node.ID))
	}
	if n := len(c.Node.Position); n != 0 && n != 3 {
		errs = append(errs, fmt.Sprintf("node.position needs 3 coordinates, got %d", n))
	}
	if c.Node.DataDir == "" {
		errs = append(errs, "node.data_dir is required")
	}
	if c.Transport.Listen == "" {
		errs = append(errs, "transport.listen is required")
	}
	if c.Transport.SendTimeout.Duration <= 0 {
		errs = append(errs, "transport.send_timeout must be positive")
	}
	if len(c.Transport.Etcd.Endpoints) > 0 && c.Transport.Etcd.TTL.Duration < time.Second {
		errs = append(errs, "transport.etcd.ttl must be at least 1s")
	}
	if c.Export.DB != "" && c.Export.Interval.Duration <= 0 {
		errs = append(errs, "export.interval must be positive")
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("logging.format %q must be json or console", c.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(errs, "; "))
	}
	if err := c.EngineConfig().Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// EngineConfig converts the file configuration into an engine.Config.
func (c Config) EngineConfig() engine.Config {
	var pos network.Position
	if len(c.Node.Position) == 3 {
		pos = network.Position{X: c.Node.Position[0], Y: c.Node.Position[1], Z: c.Node.Position[2]}
	}
	return engine.Config{
		DroneID:              network.ID(c.Node.ID),
		Position:             pos,
		BatteryLevel:         network.ClampBattery(c.Node.Battery),
		Capabilities:         append([]string(nil), c.Node.Capabilities...),
		TickInterval:         c.Timing.Tick.Duration,
		DiscoveryInterval:    c.Timing.Discovery.Duration,
		HeartbeatInterval:    c.Timing.Heartbeat.Duration,
		NetworkSyncInterval:  c.Timing.NetworkSync.Duration,
		CleanupInterval:      c.Timing.Cleanup.Duration,
		ElectionInterval:     c.Timing.Election.Duration,
		PingInterval:         c.Timing.Ping.Duration,
		PingTimeout:          c.Timing.PingTimeout.Duration,
		OfflineTimeout:       c.Timing.Offline.Duration,
		EvictionGrace:        c.Timing.EvictionGrace.Duration,
		NetworkLostTimeout:   c.Timing.NetworkLost.Duration,
		MinStableTime:        c.Timing.MinStable.Duration,
		MaxDiscoveryAttempts: c.Timing.MaxDiscoveryAttempts,
		ReliabilityWindow:    c.Timing.ReliabilityWindow,
	}
}
