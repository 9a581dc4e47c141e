package scheduler

import (
	"fmt"
	"io"
	"strings"
	"time"
)

const (
	vbar     = "│"
	nameCols = 10
	clock    = "15:04:05"
)

var rule = strings.Repeat("─", 76) + "\n"

// List prints the Alive entries. Nothing is printed for an empty table.
func (s *Scheduler) List(w io.Writer) {
	if len(s.table) == 0 {
		return
	}
	var b strings.Builder
	b.WriteString(rule)
	fmt.Fprintf(&b, " %-6s %s %-10s\n", "PID", vbar, "Name")
	b.WriteString(rule)
	for _, p := range s.table {
		if p.Status != Alive {
			continue
		}
		fmt.Fprintf(&b, " %6d %s %-10s \n", p.Pid, vbar, truncate(p.Name, nameCols))
	}
	b.WriteString(rule)
	io.WriteString(w, b.String())
}

// ListAll prints every entry ever spawned with its status. With details it
// adds start, end and elapsed columns.
func (s *Scheduler) ListAll(w io.Writer, details bool) {
	if len(s.table) == 0 {
		return
	}
	now := s.now()
	var b strings.Builder
	b.WriteString(rule)
	fmt.Fprintf(&b, " %-6s %s %-10s %s %-5s", "PID", vbar, "Name", vbar, "Status")
	if details {
		fmt.Fprintf(&b, " %s %-8s %s %-8s %s %-8s", vbar, "Start", vbar, "End", vbar, "Elapsed")
	}
	b.WriteString("\n")
	b.WriteString(rule)
	for _, p := range s.table {
		fmt.Fprintf(&b, " %6d %s %-10s %s %-6s ", p.Pid, vbar, truncate(p.Name, nameCols), vbar, p.Status)
		if details {
			fmt.Fprintf(&b, "%s %8s ", vbar, p.Start.Format(clock))
			fmt.Fprintf(&b, "%s %8s ", vbar, endClock(p))
			fmt.Fprintf(&b, "%s %8s", vbar, elapsedClock(p, now))
		}
		b.WriteString("\n")
	}
	b.WriteString(rule)
	io.WriteString(w, b.String())
}

// truncate shortens names longer than n to their first n-3 characters
// followed by "...".
func truncate(name string, n int) string {
	r := []rune(name)
	if len(r) <= n {
		return name
	}
	return string(r[:n-3]) + "..."
}

func endClock(p *Process) string {
	if p.Status == Alive || p.End.IsZero() {
		return "00:00:00"
	}
	return p.End.Format(clock)
}

func elapsedClock(p *Process, now time.Time) string {
	end := now
	if p.Status == Dead {
		end = p.End
	}
	d := end.Sub(p.Start)
	if d < 0 {
		d = 0
	}
	return time.Time{}.Add(d.Truncate(time.Second)).Format(clock)
}
