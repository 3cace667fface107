package main

import (
	"github.com/spf13/cobra"

	"github.com/salahayoub/dronenet/pkg/config"
)

func init() {
	rootCmd.AddCommand(configCmd)
}

var configCmd = &cobra.Command{
	Use:   "config [file]",
	Short: "Print the default or effective node configuration",
	Long: `Print the default node configuration as TOML. With a file argument the
file is validated and the effective configuration is printed instead.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.DefaultConfig()
		if len(args) == 1 {
			loaded, err := config.Load(args[0])
			if err != nil {
				return err
			}
			cfg = loaded
		}
		return config.Write(cmd.OutOrStdout(), cfg)
	},
}
