package tui

import (
	"unicode/utf8"

	"github.com/gdamore/tcell/v2"
)

// Cell represents a single character in the terminal.
type Cell struct {
	Rune  rune
	Style tcell.Style
}

// Buffer acts as an off-screen render target.
type Buffer struct {
	Cells  [][]Cell
	Width  int
	Height int
}

// NewBuffer creates a new buffer of the specified size.
func NewBuffer(width, height int) *Buffer {
	cells := make([][]Cell, height)
	for y := 0; y < height; y++ {
		cells[y] = make([]Cell, width)
		for x := 0; x < width; x++ {
			cells[y][x] = Cell{Rune: ' ', Style: CurrentStyles.Normal}
		}
	}
	return &Buffer{
		Cells:  cells,
		Width:  width,
		Height: height,
	}
}

// ApplyToScreen copies the buffer contents to the screen.
func (b *Buffer) ApplyToScreen(screen tcell.Screen, offsetX, offsetY int) {
	for y := 0; y < b.Height; y++ {
		for x := 0; x < b.Width; x++ {
			cell := b.Cells[y][x]
			screen.SetContent(offsetX+x, offsetY+y, cell.Rune, nil, cell.Style)
		}
	}
}

// Set writes a rune to the buffer at the specified coordinates.
func (b *Buffer) Set(x, y int, r rune, style tcell.Style) {
	if x >= 0 && x < b.Width && y >= 0 && y < b.Height {
		b.Cells[y][x] = Cell{Rune: r, Style: style}
	}
}

// DrawString writes a string to the buffer at (x, y).
func (b *Buffer) DrawString(x, y int, s string, style tcell.Style) {
	if y < 0 || y >= b.Height {
		return
	}

	col := x
	for _, r := range s {
		if col >= b.Width {
			break
		}
		if col >= 0 {
			b.Cells[y][col] = Cell{Rune: r, Style: style}
		}
		col++
	}
}

// FillRect fills a rectangle with a specific rune and style.
func (b *Buffer) FillRect(x, y, w, h int, r rune, style tcell.Style) {
	for i := 0; i < h; i++ {
		for j := 0; j < w; j++ {
			b.Set(x+j, y+i, r, style)
		}
	}
}

// DrawLine fills row y with style and writes s at its left edge, so bars
// such as the header span the full width.
func (b *Buffer) DrawLine(y int, s string, style tcell.Style) {
	b.FillRect(0, y, b.Width, 1, ' ', style)
	b.DrawString(0, y, s, style)
}

// Truncate shortens s to at most width runes.
func Truncate(s string, width int) string {
	if width <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= width {
		return s
	}
	return string([]rune(s)[:width])
}
