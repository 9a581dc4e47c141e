package supervisor

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/danmuck/taskmux/internal/fdio"
	"github.com/danmuck/taskmux/internal/wire"
)

const (
	clUsage         = "Usage: cl <client-ip>:<client-port> <command>\n"
	tellUsage       = "Usage: tell <client-ip>:<client-port> <text>\n"
	disconnectUsage = "Usage: disconnect all │ * │ <client-ip>:<client-port>\n"
)

const helpText = `Commands:
  broadcast <text>             send <text> to every client
  list                         list connected clients
  cl <ip>:<port> <command>     run <command> on one client's Task Manager
  tell <ip>:<port> <text>      send <text> to one client
  disconnect all|*|<ip>:<port> disconnect clients
  quit|exit|q|ex               disconnect everyone and exit
`

var rule = strings.Repeat("─", 76) + "\n"

// consoleInput reads what the console has available and runs every complete
// line. At end-of-file the console leaves the poll set and the server keeps
// running.
func (s *Supervisor) consoleInput() {
	buf := make([]byte, 512)
	n, err := s.console.Read(buf)
	if n > 0 {
		s.pending = append(s.pending, buf[:n]...)
	}
	for !s.stopped {
		i := bytes.IndexByte(s.pending, '\n')
		if i < 0 {
			break
		}
		line := string(s.pending[:i])
		s.pending = s.pending[i+1:]
		s.command(line)
	}
	if s.stopped || err == nil || errors.Is(err, fdio.ErrWouldBlock) {
		return
	}

	if errors.Is(err, io.EOF) {
		s.log.Info().Msg("supervisor.Console closed")
	} else {
		s.log.Warn().Err(err).Msg("supervisor.Console read failed")
	}
	if len(s.pending) > 0 {
		line := string(s.pending)
		s.pending = nil
		s.command(line)
	}
	if s.console != nil {
		_ = s.console.Close()
		s.console = nil
	}
}

// command runs one console line. Verbs match case-insensitively; arguments
// are passed on unchanged.
func (s *Supervisor) command(line string) {
	line = strings.TrimSpace(line)
	verb, rest := splitVerb(line)
	if verb == "" {
		return
	}
	s.log.Debug().Str("cmd", line).Msg("supervisor.Console")

	switch strings.ToLower(verb) {
	case "broadcast":
		s.broadcast(line)
	case "list":
		s.listClients()
	case "cl":
		s.forward(rest)
	case "tell":
		s.tell(rest)
	case "disconnect":
		s.disconnect(rest)
	case "q", "ex", "quit", "exit":
		s.shutdown(0)
	case "help":
		io.WriteString(s.out, helpText)
	default:
		fmt.Fprintf(s.out, "Unknown command %q. Type help for usage.\n", verb)
	}
}

func (s *Supervisor) broadcast(line string) {
	payload := wire.EncodeText(line)
	if len(payload) > wire.MaxPayload {
		fmt.Fprintf(s.out, "Command too long (max %d bytes).\n", wire.MaxPayload-1)
		return
	}
	for _, c := range s.registry.All() {
		if c.closing {
			continue
		}
		if err := wire.WriteFrame(c.Handle.CmdOut, payload); err != nil {
			s.log.Warn().Err(err).Str("client", c.Addr()).Msg("supervisor.Broadcast failed")
		}
	}
}

func (s *Supervisor) listClients() {
	var b strings.Builder
	b.WriteString(rule)
	fmt.Fprintf(&b, " %-6s │ %-11s │ %-5s\n", "PID", "IP", "PORT")
	b.WriteString(rule)
	for _, c := range s.registry.All() {
		fmt.Fprintf(&b, " %-6d │ %-11s │ %-5d\n", c.Handle.Pid(), c.IP, c.Port)
	}
	b.WriteString(rule)
	io.WriteString(s.out, b.String())
}

// forward sends a command to one Task Manager; an unknown client is a no-op.
func (s *Supervisor) forward(rest string) {
	target, text := splitVerb(rest)
	ip, port, ok := parseTarget(target)
	if !ok || text == "" {
		io.WriteString(s.out, clUsage)
		return
	}
	c := s.registry.FindAddr(ip, port)
	if c == nil || c.closing {
		return
	}
	if err := wire.WriteText(c.Handle.CmdOut, text); err != nil {
		s.log.Warn().Err(err).Str("client", c.Addr()).Msg("supervisor.Forward failed")
		if errors.Is(err, wire.ErrFrameTooLarge) {
			fmt.Fprintf(s.out, "Command too long (max %d bytes).\n", wire.MaxPayload-1)
		}
	}
}

// tell writes a notice into one Task Manager's result pipe, which relays it
// to the client unchanged.
func (s *Supervisor) tell(rest string) {
	target, text := splitVerb(rest)
	ip, port, ok := parseTarget(target)
	if !ok || text == "" {
		io.WriteString(s.out, tellUsage)
		return
	}
	c := s.registry.FindAddr(ip, port)
	if c == nil || c.closing {
		fmt.Fprintf(s.out, "Couldn't find client %s:%d\n", ip, port)
		return
	}
	if _, err := c.Handle.ResultOut.WriteString("SV says: " + text + "\n"); err != nil {
		s.log.Warn().Err(err).Str("client", c.Addr()).Msg("supervisor.Tell failed")
	}
}

func (s *Supervisor) disconnect(rest string) {
	arg := strings.Fields(rest)
	if len(arg) == 0 {
		io.WriteString(s.out, disconnectUsage)
		return
	}
	switch strings.ToLower(arg[0]) {
	case "all", "*":
		s.teardownAll()
		return
	}
	ip, port, ok := parseTarget(arg[0])
	if !ok {
		io.WriteString(s.out, disconnectUsage)
		return
	}
	c := s.registry.FindAddr(ip, port)
	if c == nil {
		fmt.Fprintf(s.out, "Couldn't find client %s:%d\n", ip, port)
		return
	}
	s.teardown(c)
}

func splitVerb(line string) (string, string) {
	line = strings.TrimSpace(line)
	i := strings.IndexAny(line, " \t")
	if i < 0 {
		return line, ""
	}
	return line[:i], strings.TrimSpace(line[i+1:])
}

// parseTarget splits "<ip>:<port>".
func parseTarget(s string) (string, int, bool) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil || host == "" {
		return "", 0, false
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, false
	}
	return host, port, true
}
