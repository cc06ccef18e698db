package ui

import (
	"log/slog"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/zsprackett/runwatch/internal/monitor"
	"github.com/zsprackett/runwatch/internal/run"
	"github.com/zsprackett/runwatch/internal/ui/dialogs"
)

// Subscriber is the part of monitor.Monitor the UI needs.
type Subscriber interface {
	SubscribeAs(consumer, runID string, onUpdate monitor.OnUpdate) monitor.Dispose
}

type App struct {
	tapp   *tview.Application
	pages  *tview.Pages
	view   *RunView
	mon    Subscriber
	runID  string
	logger *slog.Logger

	// Touched only on the tview goroutine.
	announced bool
}

func NewApp(mon Subscriber, runID string, logger *slog.Logger) *App {
	a := &App{
		mon:    mon,
		runID:  runID,
		logger: logger,
	}

	a.tapp = tview.NewApplication()
	a.pages = tview.NewPages()
	a.view = NewRunView()
	a.view.SetCallbacks(func() { a.tapp.Stop() }, a.showHelp)

	a.pages.AddPage("run", a.view, true, true)
	a.tapp.SetRoot(a.pages, true).EnableMouse(false)
	a.tapp.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyCtrlC {
			a.tapp.Stop()
			return nil
		}
		return event
	})
	return a
}

// Run subscribes to the run and blocks until the user quits.
func (a *App) Run() error {
	dispose := a.mon.SubscribeAs("tui", a.runID, func(p run.Projection) {
		a.tapp.QueueUpdateDraw(func() {
			a.onUpdate(p)
		})
	})
	defer dispose()

	a.logger.Info("ui: watching run", "run", a.runID)
	return a.tapp.Run()
}

func (a *App) onUpdate(p run.Projection) {
	a.view.Update(p)
	if p.Final && !a.announced {
		a.announced = true
		a.showFinished(p)
	}
}

func (a *App) showDialog(name string, widget tview.Primitive, width, height int) {
	modal := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(nil, 0, 1, false).
		AddItem(tview.NewFlex().SetDirection(tview.FlexColumn).
			AddItem(nil, 0, 1, false).
			AddItem(widget, width, 0, true).
			AddItem(nil, 0, 1, false), height, 0, true).
		AddItem(nil, 0, 1, false)
	a.pages.AddPage(name, modal, true, true)
	a.tapp.SetFocus(widget)
}

func (a *App) closeDialog(name string) {
	a.pages.RemovePage(name)
	a.tapp.SetFocus(a.view.table)
}

func (a *App) showHelp() {
	help := dialogs.HelpDialog(func() {
		a.closeDialog("help")
	})
	a.showDialog("help", help, 60, 20)
}

func (a *App) showFinished(p run.Projection) {
	modal := dialogs.FinishedDialog(p,
		func() { a.tapp.Stop() },
		func() { a.closeDialog("finished") },
	)
	a.pages.AddPage("finished", modal, true, true)
	a.tapp.SetFocus(modal)
}
