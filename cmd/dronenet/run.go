package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/salahayoub/dronenet/pkg/config"
	"github.com/salahayoub/dronenet/pkg/engine"
	"github.com/salahayoub/dronenet/pkg/export"
	"github.com/salahayoub/dronenet/pkg/storage"
	"github.com/salahayoub/dronenet/pkg/telemetry"
	"github.com/salahayoub/dronenet/pkg/transport"
	"github.com/salahayoub/dronenet/pkg/tui"
)

// identityDBFilename is the name of the BoltDB file holding the drone id.
const identityDBFilename = "identity.db"

var runConfigPath string

func init() {
	runCmd.Flags().StringVarP(&runConfigPath, "config", "c", "", "Path to node TOML config (defaults apply when omitted)")
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a drone node",
	Long: `Run a drone node on the gRPC mesh. The node serves its network view on
the HTTP status API and shuts down cleanly on SIGINT or SIGTERM.`,
	RunE: runNode,
}

// node holds the running components so they can be shut down in order.
type node struct {
	logger     *zap.Logger
	store      *storage.BoltStore
	transport  *transport.GRPCTransport
	registry   *transport.EtcdRegistry
	engine     *engine.Engine
	httpServer *http.Server
	recorder   *export.Recorder

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func runNode(cmd *cobra.Command, args []string) error {
	cfg := config.DefaultConfig()
	if runConfigPath != "" {
		loaded, err := config.Load(runConfigPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	n, err := startNode(ctx, cfg, logger)
	if err != nil {
		return err
	}

	<-ctx.Done()
	logger.Info("received shutdown signal, initiating graceful shutdown")
	if code := n.gracefulShutdown(); code != 0 {
		return errors.New("shutdown completed with errors")
	}
	return nil
}

// startNode opens storage, builds the transport and engine, and starts the
// optional etcd registration, HTTP API and exporter. On error everything
// opened so far is closed.
func startNode(ctx context.Context, cfg config.Config, logger *zap.Logger) (*node, error) {
	n := &node{logger: logger}
	started := false
	defer func() {
		if !started {
			n.gracefulShutdown()
		}
	}()

	var err error

	// Create data directory if it doesn't exist
	if err := os.MkdirAll(cfg.Node.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory %s: %w", cfg.Node.DataDir, err)
	}

	dbPath := filepath.Join(cfg.Node.DataDir, identityDBFilename)
	n.store, err = storage.NewBoltStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open identity store at %s: %w", dbPath, err)
	}
	logger.Info("initialized identity store", zap.String("path", dbPath))

	ec := cfg.EngineConfig()
	if ec.DroneID == 0 {
		id, err := n.store.DroneID()
		switch {
		case err == nil:
			ec.DroneID = id
			logger.Info("reusing persisted drone id", zap.Uint16("drone_id", uint16(id)))
		case !errors.Is(err, storage.ErrKeyNotFound):
			return nil, fmt.Errorf("read persisted drone id: %w", err)
		}
	}

	n.transport, err = transport.NewGRPCTransport(cfg.Transport.Listen,
		transport.WithLogger(logger),
		transport.WithSendTimeout(cfg.Transport.SendTimeout.Duration),
		transport.WithPeers(cfg.Transport.Peers...))
	if err != nil {
		return nil, fmt.Errorf("start gRPC transport on %s: %w", cfg.Transport.Listen, err)
	}
	logger.Info("initialized gRPC transport",
		zap.String("addr", n.transport.LocalAddr()),
		zap.Strings("peers", cfg.Transport.Peers))

	metrics := telemetry.New(true)
	n.engine, err = engine.New(ec, n.transport,
		engine.WithLogger(logger),
		engine.WithMetrics(metrics),
		engine.WithStore(n.store))
	if err != nil {
		return nil, fmt.Errorf("create engine: %w", err)
	}

	if etcd := cfg.Transport.Etcd; len(etcd.Endpoints) > 0 {
		n.registry, err = transport.NewEtcdRegistry(etcd.Endpoints, etcd.Prefix, etcd.TTL.Duration, logger)
		if err != nil {
			return nil, err
		}
		if err := n.registry.Register(ctx, n.engine.Nonce(), n.transport.LocalAddr()); err != nil {
			return nil, err
		}
		if err := n.registry.Sync(ctx, n.transport.LocalAddr(), n.transport); err != nil {
			return nil, err
		}
	}

	if err := n.engine.Start(); err != nil {
		return nil, err
	}

	bgCtx, cancel := context.WithCancel(ctx)
	n.cancel = cancel

	if cfg.Export.DB != "" {
		n.recorder, err = export.Open(cfg.Export.DB)
		if err != nil {
			return nil, fmt.Errorf("open export db: %w", err)
		}
		source := tui.NewEngineDataFetcher(n.engine, "local")
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.recorder.Poll(bgCtx, source, cfg.Export.Interval.Duration, logger)
		}()
		logger.Info("exporting snapshots", zap.String("db", cfg.Export.DB))
	}

	if cfg.HTTP.Addr != "" {
		n.httpServer = &http.Server{
			Addr:              cfg.HTTP.Addr,
			Handler:           NewRouter(n.engine, metrics, logger),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("starting HTTP server", zap.String("addr", cfg.HTTP.Addr))
			if err := n.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("HTTP server error", zap.Error(err))
			}
		}()
	}

	started = true
	return n, nil
}

// gracefulShutdown stops every started component, HTTP first and the stores
// last. Returns 0 on success, 1 if any step failed.
func (n *node) gracefulShutdown() int {
	exitCode := 0
	step := func(name string, fn func() error) {
		n.logger.Info("stopping " + name)
		if err := fn(); err != nil {
			n.logger.Error("error stopping "+name, zap.Error(err))
			exitCode = 1
		}
	}

	if n.httpServer != nil {
		step("HTTP server", func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return n.httpServer.Shutdown(ctx)
		})
	}
	if n.cancel != nil {
		n.cancel()
		n.wg.Wait()
	}
	if n.engine != nil {
		step("engine", n.engine.Stop)
	}
	if n.registry != nil {
		step("etcd registry", n.registry.Close)
	}
	if n.transport != nil {
		step("gRPC transport", n.transport.Close)
	}
	if n.recorder != nil {
		step("export db", n.recorder.Close)
	}
	if n.store != nil {
		step("identity store", n.store.Close)
	}

	if exitCode == 0 {
		n.logger.Info("graceful shutdown completed successfully")
	} else {
		n.logger.Warn("graceful shutdown completed with errors")
	}
	return exitCode
}
