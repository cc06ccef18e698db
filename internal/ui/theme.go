package ui

import (
	"github.com/gdamore/tcell/v2"

	"github.com/zsprackett/runwatch/internal/run"
)

// Theme colors for the TUI.
var (
	ColorBackground      = tcell.NewHexColor(0x1e1e2e)
	ColorBackgroundPanel = tcell.NewHexColor(0x181825)
	ColorBackgroundElem  = tcell.NewHexColor(0x313244)
	ColorPrimary         = tcell.NewHexColor(0x89b4fa) // blue
	ColorAccent          = tcell.NewHexColor(0xcba6f7) // mauve
	ColorText            = tcell.NewHexColor(0xcdd6f4)
	ColorTextMuted       = tcell.NewHexColor(0x6c7086)
	ColorSuccess         = tcell.NewHexColor(0xa6e3a1) // green
	ColorWarning         = tcell.NewHexColor(0xf9e2af) // yellow
	ColorError           = tcell.NewHexColor(0xf38ba8) // red
	ColorBorder          = tcell.NewHexColor(0x45475a)
	ColorSelected        = tcell.NewHexColor(0x89b4fa)
	ColorSelectedText    = tcell.NewHexColor(0x1e1e2e)
)

// Status icons
const (
	IconRunning   = "●"
	IconQueued    = "◐"
	IconUnknown   = "○"
	IconCompleted = "✓"
	IconFailed    = "✗"
)

// StatusIcon returns the badge for a run status: running yellow, completed
// green, failed red, everything else grey.
func StatusIcon(status run.Status) (string, tcell.Color) {
	switch status {
	case run.StatusRunning:
		return IconRunning, ColorWarning
	case run.StatusCompleted:
		return IconCompleted, ColorSuccess
	case run.StatusFailed:
		return IconFailed, ColorError
	case run.StatusQueued:
		return IconQueued, ColorTextMuted
	default:
		return IconUnknown, ColorTextMuted
	}
}

// LevelColor colors the timeline dot of an event.
func LevelColor(level run.Level) tcell.Color {
	switch level {
	case run.LevelError:
		return ColorError
	case run.LevelWarn:
		return ColorWarning
	default:
		return ColorSuccess
	}
}

// StateLabel describes the connection state shown in the header.
func StateLabel(state string, degraded bool) (string, tcell.Color) {
	switch {
	case state == "closed":
		return "closed", ColorTextMuted
	case degraded:
		return "degraded (polling)", ColorWarning
	case state == "live":
		return "live", ColorSuccess
	default:
		return state, ColorAccent
	}
}

// tag renders c as a tview color tag.
func tag(c tcell.Color) string {
	return "[" + c.CSS() + "]"
}
