package taskmanager

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/danmuck/taskmux/internal/wire"
)

const (
	listUsage = "Usage: list [-d │ *]\n"
	killUsage = "Usage: kill <processID> │ <processName> │ *\n"
)

// dispatch interprets one command line. Keywords match case-insensitively;
// arguments, including program names, keep their case.
func (tm *TaskManager) dispatch(line string, out io.Writer) {
	line = strings.TrimSpace(line)
	verb, rest := splitVerb(line)
	if verb == "" {
		return
	}
	tm.log.Debug().Str("cmd", line).Msg("taskmanager.Dispatch")

	switch strings.ToLower(verb) {
	case "q", "ex", "quit", "exit", "disconnect":
		tm.quitRequested = true
	case "broadcast":
		if rest == "" {
			return
		}
		fmt.Fprintf(tm.ch.ClientOut, "SV says: %s\n", rest)
	case "msg":
		if err := wire.WriteText(tm.ch.ServerCmdOut, line); err != nil {
			tm.log.Warn().Err(err).Msg("taskmanager.Msg forward failed")
		}
	case "add", "sub", "mul", "div":
		arithmetic(out, strings.ToLower(verb), strings.Fields(rest))
	case "sleep":
		tm.sleep(out, rest)
	case "list":
		tm.list(out, rest)
	case "kill":
		tm.kill(out, rest)
	case "run":
		if rest == "" {
			tm.spawn(out, verb, nil)
			return
		}
		args := strings.Fields(rest)
		tm.spawn(out, args[0], args[1:])
	default:
		tm.spawn(out, verb, strings.Fields(rest))
	}
}

func splitVerb(line string) (string, string) {
	i := strings.IndexAny(line, " \t")
	if i < 0 {
		return line, ""
	}
	return line[:i], strings.TrimSpace(line[i+1:])
}

func firstField(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

func arithmetic(out io.Writer, op string, args []string) {
	switch op {
	case "add":
		sum := 0
		for _, a := range args {
			sum += atoi(a)
		}
		fmt.Fprintf(out, "ans = %d\n", sum)
	case "sub":
		ans := 0
		if len(args) > 0 {
			ans = 2 * atoi(args[0])
		}
		for _, a := range args {
			ans -= atoi(a)
		}
		fmt.Fprintf(out, "ans = %d\n", ans)
	case "mul":
		prod := 1
		for _, a := range args {
			prod *= atoi(a)
		}
		fmt.Fprintf(out, "ans = %d\n", prod)
	case "div":
		ans := 0.0
		if len(args) > 0 {
			first := float64(atoi(args[0]))
			ans = first * first
		}
		for _, a := range args {
			d := atoi(a)
			if d == 0 {
				fmt.Fprintf(out, "Divide-by-zero error.\n")
				return
			}
			ans /= float64(d)
		}
		fmt.Fprintf(out, "ans = %.3f\n", ans)
	}
}

// atoi parses the leading decimal integer of s, ignoring leading blanks and
// anything after the digits. It returns 0 when s has no such prefix.
func atoi(s string) int {
	s = strings.TrimLeft(s, " \t\n\v\f\r")
	neg := false
	if s != "" && (s[0] == '+' || s[0] == '-') {
		neg = s[0] == '-'
		s = s[1:]
	}
	n := 0
	for i := 0; i < len(s) && s[i] >= '0' && s[i] <= '9'; i++ {
		n = n*10 + int(s[i]-'0')
	}
	if neg {
		return -n
	}
	return n
}

// sleep blocks the whole loop. A termination request ends it early; the
// request itself is handled on the next loop iteration.
func (tm *TaskManager) sleep(out io.Writer, rest string) {
	secs := atoi(firstField(rest))
	if secs < 0 {
		secs = 0
	}
	if secs > 0 {
		timer := time.NewTimer(time.Duration(secs) * time.Second)
		select {
		case <-timer.C:
		case <-tm.term:
			timer.Stop()
		}
	}
	fmt.Fprintf(out, "Slept for %d seconds.\n", secs)
}

func (tm *TaskManager) list(out io.Writer, rest string) {
	switch strings.ToLower(firstField(rest)) {
	case "":
		tm.sched.List(out)
	case "*", "all":
		tm.sched.ListAll(out, false)
	case "-d", "details":
		tm.sched.ListAll(out, true)
	default:
		io.WriteString(out, listUsage)
	}
}

func (tm *TaskManager) kill(out io.Writer, rest string) {
	args := strings.Fields(rest)
	if len(args) == 0 {
		io.WriteString(out, killUsage)
		return
	}
	target := args[0]
	if pid := atoi(target); pid != 0 {
		tm.sched.KillByID(out, pid)
		return
	}
	switch strings.ToLower(target) {
	case "*", "all":
		tm.sched.KillAll(out)
		return
	}

	n := 1
	if len(args) > 1 {
		switch count := strings.ToLower(args[1]); {
		case count == "*" || count == "all":
			n = -1
		case atoi(count) > 0:
			n = atoi(count)
		default:
			io.WriteString(out, killUsage)
			return
		}
	}
	tm.sched.KillByName(out, target, n)
}

func (tm *TaskManager) spawn(out io.Writer, name string, args []string) {
	count := 1
	if len(args) > 0 {
		if n := atoi(args[0]); n > 0 {
			count = n
		}
	}
	tm.sched.Spawn(out, name, count)
}
