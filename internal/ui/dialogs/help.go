package dialogs

import (
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

const helpText = `[yellow]Run View Keys[-]

  [green]↑/k[-]      Previous event
  [green]↓/j[-]      Next event
  [green]g/Home[-]   First event
  [green]G/End[-]    Latest event
  [green]f[-]        Toggle following new events
  [green]?[-]        This help
  [green]q[-]        Quit

[yellow]Header[-]

  Status badge: [yellow]running[-], [green]completed[-], [red]failed[-], grey otherwise.
  [yellow]degraded (polling)[-] means the push channel is down and
  the view is kept current by polling until it reconnects.

Press [green]Escape[-] or [green]?[-] to close.`

func HelpDialog(onClose func()) *tview.TextView {
	tv := tview.NewTextView()
	tv.SetBorder(true).SetTitle(" Help ").SetTitleAlign(tview.AlignLeft)
	tv.SetDynamicColors(true)
	tv.SetBackgroundColor(tcell.ColorDefault)
	tv.SetText(helpText)
	tv.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyEscape || event.Rune() == '?' {
			onClose()
			return nil
		}
		return event
	})
	return tv
}
