package cli

import (
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/zsprackett/runwatch/internal/run"
)

// Printer writes a projection stream as plain lines. Each event is printed
// once, in projection order; status, connection and metrics changes are
// printed as they happen.
type Printer struct {
	w        io.Writer
	loc      *time.Location
	seen     map[run.Identity]struct{}
	status   run.Status
	state    string
	degraded bool
	metrics  []byte
}

func NewPrinter(w io.Writer, loc *time.Location) *Printer {
	if loc == nil {
		loc = time.Local
	}
	return &Printer{w: w, loc: loc, seen: make(map[run.Identity]struct{})}
}

func (p *Printer) Print(proj run.Projection) {
	if proj.Degraded != p.degraded || (proj.State != p.state && proj.State == "live") {
		switch {
		case proj.Degraded:
			fmt.Fprintln(p.w, "-- push channel down, polling")
		case proj.State == "live":
			fmt.Fprintln(p.w, "-- push channel live")
		}
	}
	p.degraded = proj.Degraded
	p.state = proj.State

	for _, e := range proj.Events {
		id := e.Identity()
		if _, ok := p.seen[id]; ok {
			continue
		}
		p.seen[id] = struct{}{}
		p.printEvent(e)
	}

	if proj.Status != p.status && proj.Status != run.StatusUnknown {
		fmt.Fprintf(p.w, "== status %s\n", proj.Status)
	}
	p.status = proj.Status

	if len(proj.Metrics) > 0 && !bytes.Equal(proj.Metrics, p.metrics) {
		fmt.Fprintf(p.w, "== metrics %s\n", proj.Metrics)
		p.metrics = append(p.metrics[:0], proj.Metrics...)
	}
}

func (p *Printer) printEvent(e run.Event) {
	ts := "--:--:--"
	if !e.Timestamp.IsZero() {
		ts = e.Timestamp.In(p.loc).Format("15:04:05")
	}
	seq := ""
	if e.HasSequence {
		seq = fmt.Sprintf("#%d ", e.Sequence)
	}
	fmt.Fprintf(p.w, "%s %-5s %s%s\n", ts, strings.ToUpper(string(e.Level)), seq, e.Title)
	if e.HasDetail && e.Detail != "" {
		for _, line := range strings.Split(e.Detail, "\n") {
			fmt.Fprintf(p.w, "    %s\n", line)
		}
	}
}
