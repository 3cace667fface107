package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/salahayoub/dronenet/pkg/types"
)

// Health symbols for the header's per-drone indicators.
const (
	SymbolOnline  = "●"
	SymbolOffline = "○"
	SymbolMaster  = "★"

	SymbolOnlineASCII  = "[+]"
	SymbolOfflineASCII = "[-]"
	SymbolMasterASCII  = "[*]"
)

// HeaderBar renders the network overview header.
type HeaderBar struct {
	unicodeSupport bool
}

// NewHeaderBar creates a header bar renderer.
func NewHeaderBar(unicodeSupport bool) *HeaderBar {
	return &HeaderBar{unicodeSupport: unicodeSupport}
}

// Render outputs the header line.
// Format: "Drone 7 SLAVE | Master: 3 | View 1/5 | 3:★ 7:● 9:○(70s)"
// The view counter is omitted when a single drone is watched.
func (h *HeaderBar) Render(model *Model) string {
	if model == nil || model.Status == nil {
		return "dronenet | waiting for status"
	}
	status := model.Status

	master := "(none)"
	if status.MasterID != 0 {
		master = fmt.Sprintf("%d", status.MasterID)
	}
	parts := []string{
		fmt.Sprintf("Drone %d %s", status.DroneID, status.State),
		"Master: " + master,
	}
	if model.TotalNodes > 1 {
		parts = append(parts, fmt.Sprintf("View %d/%d", model.ActiveNode+1, model.TotalNodes))
	}
	if indicators := h.healthIndicators(status); indicators != "" {
		parts = append(parts, indicators)
	}
	return strings.Join(parts, " | ")
}

func (h *HeaderBar) healthIndicators(status *types.StatusResponse) string {
	indicators := make([]string, 0, len(status.Drones))
	for _, d := range status.Drones {
		indicators = append(indicators, h.formatIndicator(d, d.ID == status.MasterID))
	}
	return strings.Join(indicators, " ")
}

// formatIndicator formats one drone's indicator.
// Format: "N:●" when online, "N:○(Xs)" when not, with time since last heard.
func (h *HeaderBar) formatIndicator(d types.DroneStatus, isMaster bool) string {
	online := d.Status == "ONLINE"
	symbol := h.symbol(online, isMaster)
	if !online && d.Age > 0 {
		return fmt.Sprintf("%d:%s(%s)", d.ID, symbol, formatDuration(time.Duration(d.Age*float64(time.Second))))
	}
	return fmt.Sprintf("%d:%s", d.ID, symbol)
}

func (h *HeaderBar) symbol(online, isMaster bool) string {
	if h.unicodeSupport {
		switch {
		case isMaster:
			return SymbolMaster
		case online:
			return SymbolOnline
		default:
			return SymbolOffline
		}
	}
	switch {
	case isMaster:
		return SymbolMasterASCII
	case online:
		return SymbolOnlineASCII
	default:
		return SymbolOfflineASCII
	}
}
