package ui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/nhle/flow/internal/theme"
)

// Layout manages the board dimensions.
type Layout struct {
	Width           int
	Height          int
	HeaderHeight    int
	StatusBarHeight int
	HelpHeight      int
}

// NewLayout creates a Layout with the given terminal dimensions.
// HeaderHeight and StatusBarHeight default to 1.
func NewLayout(width, height int) Layout {
	return Layout{
		Width:           width,
		Height:          height,
		HeaderHeight:    1,
		StatusBarHeight: 1,
		HelpHeight:      1,
	}
}

// ContentHeight returns the height available for the columns, accounting
// for the header, help line and status bar.
func (l Layout) ContentHeight() int {
	h := l.Height - l.HeaderHeight - l.StatusBarHeight - l.HelpHeight
	if h < 3 {
		h = 3
	}
	return h
}

// ColumnWidth splits the width evenly between n framed columns.
func (l Layout) ColumnWidth(n int) int {
	if n <= 0 {
		return l.Width
	}
	frame := theme.ColumnStyle.GetHorizontalFrameSize()
	w := l.Width/n - frame
	if w < 12 {
		w = 12
	}
	return w
}

// RenderHeader renders the top header bar with a title and sync status.
func (l Layout) RenderHeader(title string, syncStatus string) string {
	titleRendered := theme.HeaderStyle.Render(title)

	statusRendered := theme.HeaderStyle.
		Align(lipgloss.Right).
		Render(syncStatus)

	gap := max(l.Width-lipgloss.Width(titleRendered)-lipgloss.Width(statusRendered), 0)

	filler := lipgloss.NewStyle().
		Width(gap).
		Background(theme.HeaderStyle.GetBackground()).
		Render("")

	return lipgloss.JoinHorizontal(
		lipgloss.Top,
		titleRendered,
		filler,
		statusRendered,
	)
}

// RenderStatusBar renders the bottom bar. A non-empty errText takes the
// place of the regular message and uses the error style.
func (l Layout) RenderStatusBar(message, errText string) string {
	style := theme.StatusBarStyle
	if errText != "" {
		style = theme.ErrorBarStyle
		message = errText
	}
	return style.Width(max(l.Width, 0)).Render(message)
}

// RenderWithFrame composes a full terminal view by vertically joining
// the header, content area, help line and status bar.
func (l Layout) RenderWithFrame(header, content, help, statusBar string) string {
	return lipgloss.JoinVertical(
		lipgloss.Left,
		header,
		content,
		help,
		statusBar,
	)
}
