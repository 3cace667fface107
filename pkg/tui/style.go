package tui

import (
	"strings"

	"github.com/gdamore/tcell/v2"
)

// Theme is the dashboard palette. Roles and liveness get their own colors so
// a glance at the drones panel shows who leads and who has dropped out.
type Theme struct {
	Background tcell.Color
	Text       tcell.Color
	Muted      tcell.Color
	Accent     tcell.Color
	Error      tcell.Color

	Master    tcell.Color
	Slave     tcell.Color
	Connected tcell.Color
	Seeking   tcell.Color
	Offline   tcell.Color
}

// DefaultTheme is the dark palette.
var DefaultTheme = Theme{
	Background: tcell.NewRGBColor(15, 23, 42),    // Slate 900
	Text:       tcell.NewRGBColor(226, 232, 240), // Slate 200
	Muted:      tcell.NewRGBColor(148, 163, 184), // Slate 400
	Accent:     tcell.NewRGBColor(56, 189, 248),  // Sky 400
	Error:      tcell.NewRGBColor(239, 68, 68),   // Red 500

	Master:    tcell.NewRGBColor(34, 197, 94),   // Green 500
	Slave:     tcell.NewRGBColor(226, 232, 240), // Slate 200
	Connected: tcell.NewRGBColor(168, 85, 247),  // Purple 500
	Seeking:   tcell.NewRGBColor(99, 102, 241),  // Indigo 500
	Offline:   tcell.NewRGBColor(234, 179, 8),   // Yellow 500
}

// Styles holds the styles the dashboard draws with.
type Styles struct {
	Normal    tcell.Style
	Muted     tcell.Style
	Header    tcell.Style
	Focus     tcell.Style
	Error     tcell.Style
	Master    tcell.Style
	Slave     tcell.Style
	Connected tcell.Style
	Seeking   tcell.Style
	Offline   tcell.Style
}

// GetStyles derives the styles from theme.
func GetStyles(theme Theme) Styles {
	base := tcell.StyleDefault.Background(theme.Background).Foreground(theme.Text)

	return Styles{
		Normal:    base,
		Muted:     base.Foreground(theme.Muted),
		Header:    base.Foreground(theme.Accent).Bold(true),
		Focus:     base.Foreground(theme.Accent),
		Error:     base.Foreground(theme.Error).Bold(true),
		Master:    base.Foreground(theme.Master).Bold(true),
		Slave:     base.Foreground(theme.Slave),
		Connected: base.Foreground(theme.Connected),
		Seeking:   base.Foreground(theme.Seeking),
		Offline:   base.Foreground(theme.Offline),
	}
}

// stateWords are the role and liveness names ForLine reacts to.
var stateWords = []string{"OFFLINE", "LOST", "MASTER", "CONNECTED", "SEEKING", "SLAVE"}

func mentionsState(line string) bool {
	for _, w := range stateWords {
		if strings.Contains(line, w) {
			return true
		}
	}
	return false
}

// ForLine picks the style of one rendered line from the first role or
// liveness word it mentions. Liveness wins over role.
func (s Styles) ForLine(line string) tcell.Style {
	switch {
	case strings.Contains(line, "OFFLINE"), strings.Contains(line, "LOST"):
		return s.Offline
	case strings.Contains(line, "MASTER"):
		return s.Master
	case strings.Contains(line, "CONNECTED"):
		return s.Connected
	case strings.Contains(line, "SEEKING"):
		return s.Seeking
	case strings.Contains(line, "SLAVE"):
		return s.Slave
	default:
		return s.Normal
	}
}

// CurrentStyles holds the global styles instance.
var CurrentStyles = GetStyles(DefaultTheme)
