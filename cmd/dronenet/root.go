package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/salahayoub/dronenet/pkg/config"
	"github.com/salahayoub/dronenet/pkg/logging"
)

var (
	logLevel  string
	logFormat string
)

var rootCmd = &cobra.Command{
	Use:   "dronenet",
	Short: "Decentralized drone discovery and master election",
	Long: `dronenet runs the drone coordination protocol: drones discover each
other over a broadcast mesh, resolve duplicate ids, and elect the lowest
online id as master.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "Log format: json or console (overrides config)")
}

// newLogger builds the process logger from cfg with the persistent flags
// taking precedence.
func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	if logLevel != "" {
		cfg.Level = logLevel
	}
	if logFormat != "" {
		cfg.Format = logFormat
	}
	return logging.New(cfg.Level, cfg.Format)
}
