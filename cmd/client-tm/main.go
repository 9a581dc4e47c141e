// Command client-tm is the interactive taskmux client. Once connected, each
// typed line is sent to the client's Task Manager as one frame; everything
// the Task Manager writes back is printed as it arrives.
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/danmuck/taskmux/internal/logging"
	"github.com/danmuck/taskmux/internal/wire"
	"github.com/rs/zerolog"
)

const (
	connectUsage = "Usage: connect <host> <port>\n"
	notConnected = "Not connected. " + connectUsage
	exitWait     = 2 * time.Second
)

type Dialer func(addr string) (net.Conn, error)

// App relays between a terminal and one supervisor connection at a time.
type App struct {
	reader *bufio.Reader
	out    io.Writer
	dial   Dialer
	log    zerolog.Logger

	lines    chan string
	inputErr chan error
}

func main() {
	var addr string
	flag.StringVar(&addr, "addr", "", "connect to host:port at startup")
	timeout := flag.Duration("timeout", 5*time.Second, "connect timeout")
	flag.Parse()
	if flag.NArg() > 0 {
		addr = flag.Arg(0)
	}

	logging.ConfigureRuntime()
	dial := func(addr string) (net.Conn, error) {
		return net.DialTimeout("tcp", addr, *timeout)
	}
	app := NewApp(os.Stdin, os.Stdout, dial)
	if err := app.Run(addr); err != nil {
		fmt.Fprintf(os.Stderr, "client-tm: %v\n", err)
		os.Exit(1)
	}
}

func NewApp(in io.Reader, out io.Writer, dial Dialer) *App {
	return &App{
		reader:   bufio.NewReader(in),
		out:      out,
		dial:     dial,
		log:      logging.Component("client"),
		lines:    make(chan string),
		inputErr: make(chan error, 1),
	}
}

// Run connects to addr when it is set, then serves typed lines until input
// ends or the user types a quit verb. While disconnected only connect and
// the quit verbs are understood.
func (a *App) Run(addr string) error {
	go a.readInput()

	if addr != "" {
		conn, err := a.dial(addr)
		if err != nil {
			return fmt.Errorf("connect %s: %w", addr, err)
		}
		if a.session(conn) {
			return nil
		}
	}

	for line := range a.lines {
		fields := strings.Fields(line)
		switch {
		case len(fields) == 0:
		case isExit(line):
			return nil
		case strings.EqualFold(fields[0], "connect") || strings.EqualFold(fields[0], "conn"):
			if len(fields) != 3 {
				io.WriteString(a.out, connectUsage)
				continue
			}
			target := net.JoinHostPort(fields[1], fields[2])
			conn, err := a.dial(target)
			if err != nil {
				fmt.Fprintf(a.out, "Couldn't connect to %s: %v\n", target, err)
				continue
			}
			if a.session(conn) {
				return nil
			}
		default:
			io.WriteString(a.out, notConnected)
		}
	}
	a.logInputEnd()
	return nil
}

func (a *App) readInput() {
	defer close(a.lines)
	for {
		line, err := a.promptLine()
		if err != nil {
			a.inputErr <- err
			return
		}
		a.lines <- line
	}
}

func (a *App) promptLine() (string, error) {
	line, err := a.reader.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && line != "" {
			return strings.TrimRight(line, "\r\n"), nil
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// session serves one connection. It reports true when the user is done
// (quit verb or end of input) and false when the server closed the
// connection.
func (a *App) session(conn net.Conn) bool {
	log := a.log.With().Str("remote", conn.RemoteAddr().String()).Logger()
	log.Info().Msg("client.Session connected")
	received := make(chan error, 1)
	go func() { received <- a.receive(conn) }()

	for {
		select {
		case err := <-received:
			if err != nil {
				log.Warn().Err(err).Msg("client.Session receive failed")
			}
			_ = conn.Close()
			log.Info().Msg("client.Session server closed the connection")
			return false
		case line, ok := <-a.lines:
			if !ok {
				a.logInputEnd()
				a.exitSession(conn, received)
				return true
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			if isExit(line) {
				a.exitSession(conn, received)
				return true
			}
			if err := wire.WriteText(conn, line); err != nil {
				if errors.Is(err, wire.ErrFrameTooLarge) {
					fmt.Fprintf(a.out, "Command too long (max %d bytes).\n", wire.MaxPayload-1)
					continue
				}
				log.Warn().Err(err).Msg("client.Session send failed")
				_ = conn.Close()
				<-received
				return false
			}
		}
	}
}

// receive copies server output to the terminal until the connection ends.
func (a *App) receive(conn net.Conn) error {
	_, err := io.Copy(a.out, conn)
	return err
}

// exitSession sends the final exit frame, waits briefly for the Task
// Manager's last words, and closes the connection.
func (a *App) exitSession(conn net.Conn, received <-chan error) {
	if err := wire.WriteText(conn, "exit"); err != nil {
		a.log.Debug().Err(err).Msg("client.Exit frame not sent")
	}
	select {
	case <-received:
	case <-time.After(exitWait):
	}
	_ = conn.Close()
	a.log.Info().Msg("client.Session exiting")
}

func (a *App) logInputEnd() {
	select {
	case err := <-a.inputErr:
		if err != nil && !errors.Is(err, io.EOF) {
			a.log.Warn().Err(err).Msg("client.Input failed")
		}
	default:
	}
}

func isExit(line string) bool {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "q", "ex", "quit", "exit":
		return true
	}
	return false
}
