package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/salahayoub/dronenet/pkg/types"
)

const noStatus = "No network state available"

// OverviewPanel renders the watched drone's own state.
type OverviewPanel struct{}

// NewOverviewPanel creates a new OverviewPanel.
func NewOverviewPanel() *OverviewPanel {
	return &OverviewPanel{}
}

// Render outputs the drone's id, state, master and discovery progress.
func (p *OverviewPanel) Render(status *types.StatusResponse) string {
	if status == nil {
		return noStatus
	}

	master := "(none)"
	if status.MasterID != 0 {
		master = fmt.Sprintf("%d", status.MasterID)
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Drone:   %d (%s)\n", status.DroneID, status.State))
	sb.WriteString(fmt.Sprintf("Master:  %s\n", master))
	sb.WriteString(fmt.Sprintf("Status:  %s\n", status.Status))
	sb.WriteString(fmt.Sprintf("Online:  %d of %d known\n", status.Online(), len(status.Drones)))
	sb.WriteString(fmt.Sprintf("Uptime:  %s\n", formatDuration(time.Duration(status.Uptime*float64(time.Second)))))
	sb.WriteString(fmt.Sprintf("Nonce:   %s", status.Nonce))
	return sb.String()
}

// DronesPanel renders one row per known drone.
type DronesPanel struct {
	bar *BatteryBar
}

// NewDronesPanel creates a new DronesPanel.
func NewDronesPanel() *DronesPanel {
	return &DronesPanel{bar: NewBatteryBar(10)}
}

// Render outputs the drone table. The watched drone is marked with '*' and
// drones only known through gossip with '?'.
func (p *DronesPanel) Render(status *types.StatusResponse) string {
	if status == nil {
		return noStatus
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("  %-6s %-9s %-7s %-17s %-16s %-6s %s\n",
		"ID", "ROLE", "STATUS", "BATTERY", "POSITION", "REL", "SEEN"))
	for _, d := range status.Drones {
		mark := " "
		switch {
		case d.Self:
			mark = "*"
		case d.Provisional:
			mark = "?"
		}
		pos := fmt.Sprintf("%.0f,%.0f,%.0f", d.Position[0], d.Position[1], d.Position[2])
		seen := formatDuration(time.Duration(d.Age * float64(time.Second)))
		if d.Self {
			seen = "-"
		}
		sb.WriteString(fmt.Sprintf("%s %-6d %-9s %-7s %s %-16s %5.0f%% %s\n",
			mark, d.ID, d.Role, d.Status, p.bar.Render(d.BatteryLevel), pos, d.Reliability*100, seen))
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

// ConflictsPanel renders the id changes this drone made.
type ConflictsPanel struct{}

// NewConflictsPanel creates a new ConflictsPanel.
func NewConflictsPanel() *ConflictsPanel {
	return &ConflictsPanel{}
}

// Render outputs the conflict history, oldest first.
func (p *ConflictsPanel) Render(status *types.StatusResponse) string {
	if status == nil {
		return noStatus
	}
	if len(status.Conflicts) == 0 {
		return "No id conflicts"
	}

	var sb strings.Builder
	for _, c := range status.Conflicts {
		sb.WriteString(fmt.Sprintf("%s  %d -> %d\n", c.At.Format(time.TimeOnly), c.OldID, c.NewID))
	}
	return strings.TrimSuffix(sb.String(), "\n")
}

// formatDuration formats a duration for display.
// Shows seconds for < 60s, minutes for < 60m, hours otherwise.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return "0s"
	}

	seconds := int(d.Seconds())
	if seconds < 60 {
		return fmt.Sprintf("%ds", seconds)
	}

	minutes := seconds / 60
	if minutes < 60 {
		return fmt.Sprintf("%dm", minutes)
	}

	hours := minutes / 60
	return fmt.Sprintf("%dh", hours)
}
