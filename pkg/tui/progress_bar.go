package tui

import (
	"fmt"
	"strings"
)

// Color names returned by BatteryBar.GetColor.
const (
	ColorGreen  = "green"
	ColorYellow = "yellow"
	ColorRed    = "red"
)

// BatteryBar renders a battery level or reliability score as a bar.
type BatteryBar struct {
	width int
}

// NewBatteryBar creates a bar renderer. width excludes brackets and the
// trailing percentage.
func NewBatteryBar(width int) *BatteryBar {
	if width < 1 {
		width = 10 // Default minimum width
	}
	return &BatteryBar{width: width}
}

// Render outputs a bar for a percentage in [0, 100].
// Returns format: "[████████░░]  80%"
func (b *BatteryBar) Render(percentage float64) string {
	if percentage < 0 {
		percentage = 0
	}
	if percentage > 100 {
		percentage = 100
	}

	filled := int(percentage / 100 * float64(b.width))

	var sb strings.Builder
	sb.WriteString("[")
	sb.WriteString(strings.Repeat("█", filled))
	sb.WriteString(strings.Repeat("░", b.width-filled))
	sb.WriteString("]")
	sb.WriteString(fmt.Sprintf(" %3.0f%%", percentage))
	return sb.String()
}

// GetColor returns the color for a battery level.
// level > 50: green, 20 < level <= 50: yellow, level <= 20: red
func (b *BatteryBar) GetColor(level float64) string {
	if level > 50 {
		return ColorGreen
	}
	if level > 20 {
		return ColorYellow
	}
	return ColorRed
}
