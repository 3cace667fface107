package main

import (
	"context"
	"fmt"
	"math/rand"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/salahayoub/dronenet/pkg/config"
	"github.com/salahayoub/dronenet/pkg/engine"
	"github.com/salahayoub/dronenet/pkg/network"
	"github.com/salahayoub/dronenet/pkg/protocol"
	"github.com/salahayoub/dronenet/pkg/transport"
	"github.com/salahayoub/dronenet/pkg/tui"
)

var (
	simNodes    int
	simIDs      []int
	simSpeed    float64
	simLoss     float64
	simSeed     int64
	simTUI      bool
	simDuration time.Duration
	simReport   time.Duration
)

func init() {
	simulateCmd.Flags().IntVarP(&simNodes, "nodes", "n", 5, "Number of drones (1-9)")
	simulateCmd.Flags().IntSliceVar(&simIDs, "ids", nil, "Explicit drone ids; random ids are used when omitted")
	simulateCmd.Flags().Float64Var(&simSpeed, "speed", 1, "Protocol speed-up factor")
	simulateCmd.Flags().Float64Var(&simLoss, "loss", 0, "Message loss rate in [0,1)")
	simulateCmd.Flags().Int64Var(&simSeed, "seed", time.Now().UnixNano(), "Random seed for ids and loss")
	simulateCmd.Flags().BoolVar(&simTUI, "tui", true, "Show the dashboard; --tui=false logs summaries instead")
	simulateCmd.Flags().DurationVar(&simDuration, "duration", 0, "Stop after this long without --tui (0 runs until interrupted)")
	simulateCmd.Flags().DurationVar(&simReport, "report", 5*time.Second, "Summary interval without --tui")
	rootCmd.AddCommand(simulateCmd)
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run several drones in-process on a simulated mesh",
	RunE:  runSimulate,
}

// simOptions configures an in-process network.
type simOptions struct {
	Nodes int
	IDs   []int
	Speed float64
	Loss  float64
	Seed  int64
}

// simulation is a set of engines sharing one memory hub.
type simulation struct {
	hub        *transport.Hub
	names      []string
	engines    []*engine.Engine
	transports []*transport.MemoryTransport
	logger     *zap.Logger

	mu   sync.Mutex
	dead map[int]bool
}

// scaledConfig returns the default engine timing divided by speed.
func scaledConfig(speed float64) engine.Config {
	cfg := engine.DefaultConfig()
	if speed <= 0 || speed == 1 {
		return cfg
	}
	scale := func(d *time.Duration) {
		*d = time.Duration(float64(*d) / speed)
		if *d < time.Millisecond {
			*d = time.Millisecond
		}
	}
	for _, d := range []*time.Duration{
		&cfg.TickInterval, &cfg.DiscoveryInterval, &cfg.HeartbeatInterval,
		&cfg.NetworkSyncInterval, &cfg.CleanupInterval, &cfg.ElectionInterval,
		&cfg.PingInterval, &cfg.PingTimeout, &cfg.OfflineTimeout,
		&cfg.EvictionGrace, &cfg.NetworkLostTimeout, &cfg.MinStableTime,
	} {
		scale(d)
	}
	return cfg
}

func newSimulation(opts simOptions, logger *zap.Logger) (*simulation, error) {
	if opts.Nodes < 1 || opts.Nodes > 9 {
		return nil, fmt.Errorf("nodes must be between 1 and 9, got %d", opts.Nodes)
	}
	if len(opts.IDs) > 0 && len(opts.IDs) != opts.Nodes {
		return nil, fmt.Errorf("got %d ids for %d nodes", len(opts.IDs), opts.Nodes)
	}
	if opts.Loss < 0 || opts.Loss >= 1 {
		return nil, fmt.Errorf("loss must be in [0,1), got %v", opts.Loss)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &simulation{
		hub:    transport.NewHub(),
		logger: logger,
		dead:   make(map[int]bool),
	}
	if opts.Loss > 0 {
		s.hub.SetLoss(opts.Loss, opts.Seed)
	}

	for i := 0; i < opts.Nodes; i++ {
		cfg := scaledConfig(opts.Speed)
		if len(opts.IDs) > 0 {
			if opts.IDs[i] < 1 || opts.IDs[i] > 0xFFFF {
				return nil, fmt.Errorf("drone id %d out of range", opts.IDs[i])
			}
			cfg.DroneID = network.ID(opts.IDs[i])
		}
		cfg.Position = network.Position{X: float64(i) * 10}
		cfg.BatteryLevel = 100 - float64(i)*5

		name := fmt.Sprintf("drone-%d", i+1)
		tr := s.hub.Join(name)
		e, err := engine.New(cfg, tr,
			engine.WithLogger(logger.With(zap.String("node", name))),
			engine.WithRand(rand.New(rand.NewSource(opts.Seed+int64(i)))))
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", name, err)
		}
		s.names = append(s.names, name)
		s.engines = append(s.engines, e)
		s.transports = append(s.transports, tr)
	}
	return s, nil
}

// Start begins every engine's control loop.
func (s *simulation) Start() error {
	for i, e := range s.engines {
		if err := e.Start(); err != nil {
			return fmt.Errorf("start %s: %w", s.names[i], err)
		}
	}
	return nil
}

// Kill stops drone i and removes it from the mesh, as if it crashed.
func (s *simulation) Kill(i int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.engines) || s.dead[i] {
		return
	}
	s.dead[i] = true
	s.engines[i].Stop()
	s.transports[i].Close()
	s.logger.Info("drone killed", zap.String("node", s.names[i]))
}

// Stop shuts down every remaining drone.
func (s *simulation) Stop() {
	for i := range s.engines {
		s.Kill(i)
	}
}

func (s *simulation) alive() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int
	for i := range s.engines {
		if !s.dead[i] {
			out = append(out, i)
		}
	}
	return out
}

// Master returns the master every live drone agrees on, if they all do.
func (s *simulation) Master() (network.ID, bool) {
	master := network.None
	for _, i := range s.alive() {
		snap := s.engines[i].Snapshot()
		if snap.State != protocol.StateMaster && snap.State != protocol.StateSlave {
			return network.None, false
		}
		if master == network.None {
			master = snap.MasterID
		} else if snap.MasterID != master {
			return network.None, false
		}
	}
	return master, master != network.None
}

// Fetchers returns one dashboard fetcher per drone.
func (s *simulation) Fetchers() []tui.DataFetcher {
	out := make([]tui.DataFetcher, len(s.engines))
	for i, e := range s.engines {
		out[i] = tui.NewEngineDataFetcher(e, s.names[i])
	}
	return out
}

// Summary renders one line per live drone, ordered by drone id.
func (s *simulation) Summary() string {
	var snaps []engine.Snapshot
	for _, i := range s.alive() {
		snaps = append(snaps, s.engines[i].Snapshot())
	}
	sort.Slice(snaps, func(a, b int) bool { return snaps[a].ID < snaps[b].ID })

	var sb strings.Builder
	for _, snap := range snaps {
		online := 0
		for _, rec := range snap.Records {
			if rec.IsOnline() && rec.ID != snap.ID {
				online++
			}
		}
		fmt.Fprintf(&sb, "drone %-5d %-9s master=%-5d peers=%d\n", snap.ID, snap.State, snap.MasterID, online)
	}
	return sb.String()
}

func runSimulate(cmd *cobra.Command, args []string) error {
	logCfg := config.DefaultConfig().Logging
	if simTUI && logLevel == "" {
		// Log lines would tear the dashboard.
		logCfg.Level = "error"
	}
	logger, err := newLogger(logCfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	sim, err := newSimulation(simOptions{
		Nodes: simNodes,
		IDs:   simIDs,
		Speed: simSpeed,
		Loss:  simLoss,
		Seed:  simSeed,
	}, logger)
	if err != nil {
		return err
	}
	if err := sim.Start(); err != nil {
		sim.Stop()
		return err
	}
	defer sim.Stop()

	if simTUI {
		return tui.NewApp(sim.Fetchers()...).Run()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if simDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, simDuration)
		defer cancel()
	}

	ticker := time.NewTicker(simReport)
	defer ticker.Stop()
	out := cmd.OutOrStdout()
	for {
		select {
		case <-ctx.Done():
			fmt.Fprint(out, sim.Summary())
			return nil
		case <-ticker.C:
			fmt.Fprint(out, sim.Summary())
			if master, ok := sim.Master(); ok {
				fmt.Fprintf(out, "converged on master %d\n\n", master)
			} else {
				fmt.Fprintln(out, "not converged")
				fmt.Fprintln(out)
			}
		}
	}
}
