package dialogs

import (
	"fmt"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/zsprackett/runwatch/internal/run"
)

// FinishedDialog tells the user the run reached a terminal status and offers
// to quit. onStay runs on "Keep viewing" or Escape.
func FinishedDialog(p run.Projection, onQuit, onStay func()) *tview.Modal {
	msg := fmt.Sprintf("Run %s %s after %d events.", p.RunID, p.Status, len(p.Events))
	if p.Status == run.StatusFailed {
		if n := len(p.Events); n > 0 {
			msg += "\n\nLast event: " + p.Events[n-1].Title
		}
	}
	modal := tview.NewModal().
		SetText(msg).
		AddButtons([]string{"Quit", "Keep viewing"}).
		SetDoneFunc(func(_ int, label string) {
			if label == "Quit" {
				onQuit()
			} else {
				onStay()
			}
		})
	if p.Status == run.StatusFailed {
		modal.SetBackgroundColor(tcell.NewHexColor(0x45243a))
	}
	modal.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyEscape {
			onStay()
			return nil
		}
		return event
	})
	return modal
}
