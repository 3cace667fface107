// Package tui provides the terminal dashboard for monitoring a drone network.
package tui

import (
	"github.com/salahayoub/dronenet/pkg/types"
)

// DataFetcher defines the interface for retrieving a drone's view of the
// network. Implementations read either a local engine or a remote /status
// endpoint.
type DataFetcher interface {
	// FetchStatus retrieves the drone's current status and network view.
	FetchStatus() (*types.StatusResponse, error)

	// IsConnected returns whether the fetcher can reach the drone.
	IsConnected() bool

	// Reconnect attempts to reach the drone again.
	Reconnect() error

	// Name labels the drone in the header.
	Name() string
}
