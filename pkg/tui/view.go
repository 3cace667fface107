package tui

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// BorderStyle defines the characters used for panel borders.
type BorderStyle struct {
	TopLeft     string
	TopRight    string
	BottomLeft  string
	BottomRight string
	Horizontal  string
	Vertical    string
}

// NormalBorder is the default border style for unfocused panels.
var NormalBorder = BorderStyle{
	TopLeft:     "┌",
	TopRight:    "┐",
	BottomLeft:  "└",
	BottomRight: "┘",
	Horizontal:  "─",
	Vertical:    "│",
}

// FocusedBorder is the border style for the focused panel.
var FocusedBorder = BorderStyle{
	TopLeft:     "╔",
	TopRight:    "╗",
	BottomLeft:  "╚",
	BottomRight: "╝",
	Horizontal:  "═",
	Vertical:    "║",
}

// View handles rendering the model to text.
type View struct {
	overviewPanel  *OverviewPanel
	dronesPanel    *DronesPanel
	conflictsPanel *ConflictsPanel
}

// NewView creates a new View with all panel renderers initialized.
func NewView() *View {
	return &View{
		overviewPanel:  NewOverviewPanel(),
		dronesPanel:    NewDronesPanel(),
		conflictsPanel: NewConflictsPanel(),
	}
}

// RenderPanelWithBorder wraps panel content with a border.
// The border style depends on whether the panel has focus.
func RenderPanelWithBorder(content string, title string, focused bool) string {
	border := NormalBorder
	if focused {
		border = FocusedBorder
	}

	lines := strings.Split(content, "\n")

	maxWidth := len(title) + 4 // Minimum width to fit title
	for _, line := range lines {
		if w := utf8.RuneCountInString(line); w > maxWidth {
			maxWidth = w
		}
	}
	maxWidth += 2

	var sb strings.Builder

	// Top border with title
	sb.WriteString(border.TopLeft)
	titlePadding := (maxWidth - len(title) - 2) / 2
	sb.WriteString(strings.Repeat(border.Horizontal, titlePadding))
	sb.WriteString(" " + title + " ")
	sb.WriteString(strings.Repeat(border.Horizontal, maxWidth-titlePadding-len(title)-2))
	sb.WriteString(border.TopRight)
	sb.WriteString("\n")

	for _, line := range lines {
		sb.WriteString(border.Vertical)
		sb.WriteString(" ")
		sb.WriteString(line)
		if padding := maxWidth - utf8.RuneCountInString(line) - 1; padding > 0 {
			sb.WriteString(strings.Repeat(" ", padding))
		}
		sb.WriteString(border.Vertical)
		sb.WriteString("\n")
	}

	sb.WriteString(border.BottomLeft)
	sb.WriteString(strings.Repeat(border.Horizontal, maxWidth))
	sb.WriteString(border.BottomRight)
	sb.WriteString("\n")

	return sb.String()
}

// RenderPanel renders a single panel with its content and border.
func (v *View) RenderPanel(panelType PanelType, model *Model) string {
	var content string
	switch panelType {
	case PanelOverview:
		content = v.overviewPanel.Render(model.Status)
	case PanelDrones:
		content = v.dronesPanel.Render(model.Status)
	case PanelConflicts:
		content = v.conflictsPanel.Render(model.Status)
	default:
		content = "Unknown panel type"
	}
	return RenderPanelWithBorder(content, panelType.String(), model.ActivePanel == panelType)
}

// Render returns every panel in order, preceded by the connection status
// and any error.
func (v *View) Render(model *Model) string {
	var sb strings.Builder

	if !model.Connected {
		sb.WriteString(v.RenderConnectionStatus(model))
		sb.WriteString("\n")
	}
	if model.ErrorMessage != "" {
		sb.WriteString("Error: " + model.ErrorMessage + "\n")
	}

	for _, panel := range []PanelType{PanelOverview, PanelDrones, PanelConflicts} {
		sb.WriteString(v.RenderPanel(panel, model))
	}
	return sb.String()
}

// RenderConnectionStatus renders the connection status indicator.
// Shows reconnection attempt count when disconnected.
func (v *View) RenderConnectionStatus(model *Model) string {
	if model.Connected {
		return ""
	}
	s := "*** DISCONNECTED ***"
	if model.ReconnectAttempts > 0 {
		s += fmt.Sprintf("\nReconnection attempts: %s (%d)",
			strings.Repeat(".", model.ReconnectAttempts), model.ReconnectAttempts)
	}
	return s
}
