package tui

import "fmt"

// FooterBar renders the keyboard shortcuts footer.
type FooterBar struct {
	terminalWidth int
}

// NewFooterBar creates a footer bar renderer.
func NewFooterBar(width int) *FooterBar {
	return &FooterBar{
		terminalWidth: width,
	}
}

// SetWidth updates the terminal width for the footer bar.
func (f *FooterBar) SetWidth(width int) {
	f.terminalWidth = width
}

// Render outputs the footer bar content.
// Full (width >= 80): "1-N: Switch Drone | Tab: Next Panel | r: Refresh | q: Quit"
// Abbreviated (width < 80): "1-N:Drone Tab:Panel r:Ref q:Quit"
// The switch hint is dropped when only one drone is watched.
func (f *FooterBar) Render(totalNodes int) string {
	if f.terminalWidth < 80 {
		if totalNodes > 1 {
			return fmt.Sprintf("1-%d:Drone Tab:Panel r:Ref q:Quit", totalNodes)
		}
		return "Tab:Panel r:Ref q:Quit"
	}
	if totalNodes > 1 {
		return fmt.Sprintf("1-%d: Switch Drone | Tab: Next Panel | r: Refresh | q: Quit", totalNodes)
	}
	return "Tab: Next Panel | r: Refresh | q: Quit"
}
