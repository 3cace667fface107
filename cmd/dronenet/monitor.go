package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/salahayoub/dronenet/pkg/tui"
)

var monitorURLs []string

func init() {
	monitorCmd.Flags().StringSliceVar(&monitorURLs, "url", []string{"http://127.0.0.1:8400"}, "Status API base URL of a drone (repeatable, up to 9)")
	rootCmd.AddCommand(monitorCmd)
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Watch running drones in a terminal dashboard",
	Long: `Open the terminal dashboard on one or more running drones. With several
--url flags the number keys switch between them.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(monitorURLs) == 0 || len(monitorURLs) > 9 {
			return fmt.Errorf("monitor needs between 1 and 9 urls, got %d", len(monitorURLs))
		}
		fetchers := make([]tui.DataFetcher, 0, len(monitorURLs))
		for _, u := range monitorURLs {
			fetchers = append(fetchers, tui.NewHTTPDataFetcher(u))
		}
		return tui.NewApp(fetchers...).Run()
	},
}
