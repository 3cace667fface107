package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/salahayoub/dronenet/pkg/config"
	"github.com/salahayoub/dronenet/pkg/export"
	"github.com/salahayoub/dronenet/pkg/tui"
)

var (
	exportURL      string
	exportDB       string
	exportInterval time.Duration
)

func init() {
	exportCmd.Flags().StringVar(&exportURL, "url", "http://127.0.0.1:8400", "Status API base URL of the drone to record")
	exportCmd.Flags().StringVar(&exportDB, "db", "dronenet.db", "SQLite file to append snapshots to")
	exportCmd.Flags().DurationVar(&exportInterval, "interval", 5*time.Second, "Time between snapshots")
	rootCmd.AddCommand(exportCmd)
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Record a drone's network view into SQLite",
	RunE:  runExport,
}

func runExport(cmd *cobra.Command, args []string) error {
	if exportInterval <= 0 {
		return fmt.Errorf("interval must be positive")
	}
	logger, err := newLogger(config.DefaultConfig().Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	rec, err := export.Open(exportDB)
	if err != nil {
		return err
	}
	defer rec.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("exporting snapshots",
		zap.String("url", exportURL),
		zap.String("db", exportDB),
		zap.Duration("interval", exportInterval))
	return rec.Poll(ctx, tui.NewHTTPDataFetcher(exportURL), exportInterval, logger)
}
