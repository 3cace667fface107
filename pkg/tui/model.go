package tui

import (
	"time"

	"github.com/salahayoub/dronenet/pkg/types"
)

// PanelType identifies which panel has focus.
type PanelType int

const (
	PanelOverview PanelType = iota
	PanelDrones
	PanelConflicts
)

// String returns a human-readable representation of the PanelType.
func (p PanelType) String() string {
	switch p {
	case PanelOverview:
		return "Overview"
	case PanelDrones:
		return "Drones"
	case PanelConflicts:
		return "Conflicts"
	default:
		return "Unknown"
	}
}

// PanelCount is the total number of panels for navigation.
const PanelCount = 3

// Model holds the application state for the TUI.
type Model struct {
	// Network state of the drone being watched
	Status      *types.StatusResponse
	LastUpdated time.Time

	// Which fetcher is shown, for dashboards watching several drones
	ActiveNode int
	TotalNodes int
	NodeName   string

	// UI state
	ActivePanel  PanelType
	ErrorMessage string

	// Connection state
	Connected         bool
	ReconnectAttempts int
	LastReconnect     time.Time

	RefreshInterval time.Duration
}

// NewModel creates a new Model with default values.
func NewModel() *Model {
	return &Model{
		ActivePanel:     PanelOverview,
		Connected:       true,
		TotalNodes:      1,
		RefreshInterval: time.Second,
	}
}

// NextPanel moves focus to the next panel in circular order.
func (m *Model) NextPanel() {
	m.ActivePanel = PanelType((int(m.ActivePanel) + 1) % PanelCount)
}

// PrevPanel moves focus to the previous panel in circular order.
func (m *Model) PrevPanel() {
	m.ActivePanel = PanelType((int(m.ActivePanel) - 1 + PanelCount) % PanelCount)
}
