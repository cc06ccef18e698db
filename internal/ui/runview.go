package ui

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/zsprackett/runwatch/internal/run"
)

// RunView shows one run: a header with status and connection state, the
// event timeline on the left and details of the selected event on the right.
type RunView struct {
	*tview.Flex
	table  *tview.Table
	detail *tview.TextView
	header *tview.TextView
	footer *tview.TextView

	proj     run.Projection
	selected int
	follow   bool
	now      func() time.Time

	onQuit func()
	onHelp func()
}

func NewRunView() *RunView {
	v := &RunView{follow: true, now: time.Now}

	v.header = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft)
	v.header.SetBackgroundColor(ColorBackgroundPanel)

	v.table = tview.NewTable().
		SetSelectable(true, false).
		SetSelectedStyle(tcell.StyleDefault.
			Background(ColorSelected).
			Foreground(ColorSelectedText))
	v.table.SetBackgroundColor(ColorBackground)
	v.table.SetSelectionChangedFunc(func(row, _ int) {
		v.selected = row
		v.updateDetail()
	})

	v.detail = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetWrap(true)
	v.detail.SetBackgroundColor(ColorBackground)

	v.footer = tview.NewTextView().
		SetDynamicColors(true).
		SetTextAlign(tview.AlignLeft)
	v.footer.SetBackgroundColor(ColorBackgroundPanel)

	separator := tview.NewBox().SetBackgroundColor(ColorBorder)

	content := tview.NewFlex().SetDirection(tview.FlexColumn).
		AddItem(v.table, 0, 55, true).
		AddItem(separator, 1, 0, false).
		AddItem(v.detail, 0, 45, false)

	v.Flex = tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(v.header, 1, 0, false).
		AddItem(content, 0, 1, true).
		AddItem(v.footer, 1, 0, false)

	v.updateFooter()
	v.setupInput()
	return v
}

func (v *RunView) SetCallbacks(onQuit, onHelp func()) {
	v.onQuit = onQuit
	v.onHelp = onHelp
}

// SetNow replaces the clock used for relative times. Used in tests only.
func (v *RunView) SetNow(fn func() time.Time) {
	v.now = fn
}

// Update renders a new projection. Must run on the tview goroutine.
func (v *RunView) Update(p run.Projection) {
	v.proj = p
	v.renderTable()
	v.updateHeader()
	v.updateDetail()
}

// Rows returns the number of timeline rows currently shown.
func (v *RunView) Rows() int {
	return v.table.GetRowCount()
}

// HeaderText returns the header as rendered, color tags included.
func (v *RunView) HeaderText() string {
	return v.header.GetText(false)
}

func (v *RunView) renderTable() {
	v.table.Clear()
	for i, e := range v.proj.Events {
		ts := "        "
		if !e.Timestamp.IsZero() {
			ts = e.Timestamp.Local().Format("15:04:05")
		}
		seq := ""
		if e.HasSequence {
			seq = fmt.Sprintf("#%d", e.Sequence)
		}
		text := fmt.Sprintf(" ● %s %-6s %s", ts, seq, e.Title)
		cell := tview.NewTableCell(text).
			SetTextColor(LevelColor(e.Level)).
			SetBackgroundColor(ColorBackground).
			SetExpansion(1).
			SetSelectable(true)
		v.table.SetCell(i, 0, cell)
	}
	if n := len(v.proj.Events); n > 0 {
		if v.follow || v.selected >= n {
			v.selected = n - 1
		}
		v.table.Select(v.selected, 0)
	}
}

func (v *RunView) updateHeader() {
	p := v.proj
	icon, color := StatusIcon(p.Status)
	state, stateColor := StateLabel(p.State, p.Degraded)
	var b strings.Builder
	fmt.Fprintf(&b, "[blue]RUN[-] %s   %s%s %s[-]   %s%s[-]   %d events",
		tview.Escape(p.RunID), tag(color), icon, p.Status, tag(stateColor), state, len(p.Events))
	if n := len(p.Events); n > 0 && !p.Events[n-1].Timestamp.IsZero() {
		fmt.Fprintf(&b, "   last %s", humanize.RelTime(p.Events[n-1].Timestamp, v.now(), "ago", "from now"))
	}
	if m := summarizeMetrics(p.Metrics, 3); m != "" {
		fmt.Fprintf(&b, "   %s%s[-]", tag(ColorTextMuted), tview.Escape(m))
	}
	v.header.SetText(b.String())
}

func (v *RunView) updateDetail() {
	v.detail.Clear()
	if v.selected < 0 || v.selected >= len(v.proj.Events) {
		v.detail.SetText(metricsBlock(v.proj.Metrics))
		return
	}
	e := v.proj.Events[v.selected]
	var b strings.Builder
	fmt.Fprintf(&b, "%s%s[-]\n", tag(LevelColor(e.Level)), tview.Escape(e.Title))
	if !e.Timestamp.IsZero() {
		fmt.Fprintf(&b, "%s%s (%s)[-]\n", tag(ColorTextMuted),
			e.Timestamp.Local().Format(time.DateTime), humanize.RelTime(e.Timestamp, v.now(), "ago", "from now"))
	}
	if e.Status != "" {
		fmt.Fprintf(&b, "status → %s\n", e.Status)
	}
	if e.HasDetail {
		fmt.Fprintf(&b, "\n%s\n", tview.Escape(e.Detail))
	}
	b.WriteString("\n")
	b.WriteString(metricsBlock(v.proj.Metrics))
	v.detail.SetText(b.String())
}

func (v *RunView) updateFooter() {
	follow := "off"
	if v.follow {
		follow = "on"
	}
	v.footer.SetText(fmt.Sprintf(
		"[green]↑↓/jk[-] navigate  [green]g/G[-] top/bottom  [green]f[-] follow (%s)  [green]?[-] help  [green]q[-] quit", follow))
}

func (v *RunView) setupInput() {
	v.table.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyUp:
			v.setFollow(false)
			return event
		case tcell.KeyEnd:
			v.jump(len(v.proj.Events) - 1)
			return nil
		case tcell.KeyHome:
			v.jump(0)
			return nil
		}
		switch event.Rune() {
		case 'k':
			v.setFollow(false)
			return event
		case 'g':
			v.jump(0)
			return nil
		case 'G':
			v.jump(len(v.proj.Events) - 1)
			return nil
		case 'f':
			v.setFollow(!v.follow)
			if v.follow {
				v.jump(len(v.proj.Events) - 1)
			}
			return nil
		case '?':
			if v.onHelp != nil {
				v.onHelp()
			}
			return nil
		case 'q':
			if v.onQuit != nil {
				v.onQuit()
			}
			return nil
		}
		return event
	})
}

func (v *RunView) setFollow(on bool) {
	v.follow = on
	v.updateFooter()
}

func (v *RunView) jump(row int) {
	if row < 0 || row >= len(v.proj.Events) {
		return
	}
	if row != len(v.proj.Events)-1 {
		v.setFollow(false)
	}
	v.selected = row
	v.table.Select(row, 0)
}

// summarizeMetrics renders up to max top-level numeric or string metrics as
// "k=v" pairs, sorted by key.
func summarizeMetrics(raw json.RawMessage, max int) string {
	if len(raw) == 0 {
		return ""
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return ""
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	var parts []string
	for _, k := range keys {
		switch val := m[k].(type) {
		case float64:
			parts = append(parts, fmt.Sprintf("%s=%s", k, humanize.Ftoa(val)))
		case string:
			parts = append(parts, fmt.Sprintf("%s=%s", k, val))
		default:
			continue
		}
		if len(parts) == max {
			break
		}
	}
	return strings.Join(parts, " ")
}

func metricsBlock(raw json.RawMessage) string {
	if len(raw) == 0 {
		return tag(ColorTextMuted) + "no metrics yet[-]"
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return tview.Escape(string(raw))
	}
	return tag(ColorPrimary) + "metrics[-]\n" + tview.Escape(buf.String())
}
