package supervisor

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/danmuck/taskmux/internal/fdio"
	"github.com/danmuck/taskmux/internal/logging"
	"github.com/danmuck/taskmux/internal/observability"
	"github.com/danmuck/taskmux/internal/reactor"
	"github.com/danmuck/taskmux/internal/wire"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

const (
	DefaultMaxClients  = 5
	DefaultKillTimeout = 5 * time.Second
)

var errNoPendingConn = errors.New("supervisor: no pending connection")

type Options struct {
	ListenAddr string
	MaxClients int
	Launcher   Launcher
	// Console is polled for operator commands; nil runs without one.
	Console *fdio.File
	// Out receives every user-visible line.
	Out io.Writer
	// Signals, when set, are relayed from the OS as shutdown requests.
	Signals []os.Signal
	// KillTimeout is how long teardown waits after SIGTERM before SIGKILL.
	KillTimeout time.Duration
}

// Supervisor accepts clients, starts one Task Manager per client, and relays
// between the console and the Task Managers. Everything except Stop runs on
// the goroutine that calls Run.
type Supervisor struct {
	opts     Options
	out      io.Writer
	poller   *reactor.Poller
	registry *Registry
	log      zerolog.Logger

	ln     *net.TCPListener
	lnConn syscall.RawConn
	lnFd   int

	console *fdio.File
	pending []byte

	clients atomic.Int32
	stopped bool
	code    int
}

func New(opts Options) (*Supervisor, error) {
	if opts.MaxClients <= 0 {
		opts.MaxClients = DefaultMaxClients
	}
	if opts.ListenAddr == "" {
		opts.ListenAddr = ":0"
	}
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.KillTimeout <= 0 {
		opts.KillTimeout = DefaultKillTimeout
	}
	if opts.Launcher == nil {
		return nil, errors.New("supervisor: launcher required")
	}
	poller, err := reactor.New()
	if err != nil {
		return nil, fmt.Errorf("supervisor: %w", err)
	}
	return &Supervisor{
		opts:     opts,
		out:      opts.Out,
		poller:   poller,
		registry: NewRegistry(opts.MaxClients),
		log:      logging.Component("supervisor"),
		console:  opts.Console,
		lnFd:     -1,
	}, nil
}

// Start binds the listening socket and prints its port.
func (s *Supervisor) Start() error {
	tcp, err := listenTCP(s.opts.ListenAddr, s.opts.MaxClients)
	if err != nil {
		return err
	}
	rc, err := tcp.SyscallConn()
	if err != nil {
		_ = tcp.Close()
		return fmt.Errorf("supervisor: listener fd: %w", err)
	}
	if err := rc.Control(func(fd uintptr) { s.lnFd = int(fd) }); err != nil {
		_ = tcp.Close()
		return fmt.Errorf("supervisor: listener fd: %w", err)
	}
	s.ln = tcp
	s.lnConn = rc
	fmt.Fprintf(s.out, "Socket has port #%d\n", s.Addr().Port)
	s.log.Info().Str("addr", s.Addr().String()).Int("max_clients", s.opts.MaxClients).Msg("supervisor.Start")
	return nil
}

func (s *Supervisor) Addr() *net.TCPAddr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr().(*net.TCPAddr)
}

// Clients reports the registry size. Safe from any goroutine.
func (s *Supervisor) Clients() int {
	return int(s.clients.Load())
}

// Stop requests shutdown with sig as the exit code. Safe from any goroutine.
func (s *Supervisor) Stop(sig syscall.Signal) {
	s.poller.Post(reactor.Event{Kind: reactor.EventSignal, Signal: sig})
}

// Run is the main loop. It returns the exit code: the signal number that
// stopped it, or 0 for a console quit.
func (s *Supervisor) Run() int {
	defer s.poller.Close()
	if s.ln == nil {
		if err := s.Start(); err != nil {
			s.log.Error().Err(err).Msg("supervisor.Run")
			return 1
		}
	}
	if len(s.opts.Signals) > 0 {
		stop := s.poller.Notify(nil, s.opts.Signals...)
		defer stop()
	}

	for !s.stopped {
		ready, err := s.poller.Wait(s.pollSet())
		if err != nil {
			s.log.Error().Err(err).Msg("supervisor.Run wait failed")
			s.shutdown(0)
			break
		}

		serviced := make(map[*Client]bool)
		for _, fd := range ready {
			if s.stopped {
				break
			}
			switch {
			case fd == s.lnFd:
				if !s.registry.Full() {
					s.acceptClient()
				}
			case s.console != nil && fd == s.console.Fd():
				s.consoleInput()
			default:
				c := s.registry.FindFd(fd)
				if c == nil || c.closing || serviced[c] {
					continue
				}
				serviced[c] = true
				s.inbound(c)
			}
		}
		if !s.stopped {
			s.handleEvents()
		}
	}
	s.log.Info().Int("code", s.code).Msg("supervisor.Run stopped")
	return s.code
}

// pollSet leaves the listener out while the registry is full; pending
// connections wait in the kernel backlog until a slot frees up.
func (s *Supervisor) pollSet() []int {
	fds := make([]int, 0, 2+2*s.registry.Len())
	if s.lnFd >= 0 && !s.registry.Full() {
		fds = append(fds, s.lnFd)
	}
	if s.console != nil {
		fds = append(fds, s.console.Fd())
	}
	for _, c := range s.registry.All() {
		if c.closing {
			continue
		}
		if !c.cmdEOF {
			fds = append(fds, c.Handle.CmdIn.Fd())
		}
		if !c.resultEOF {
			fds = append(fds, c.Handle.ResultIn.Fd())
		}
	}
	return fds
}

func (s *Supervisor) handleEvents() {
	for _, ev := range s.poller.Pending() {
		if s.stopped {
			return
		}
		switch ev.Kind {
		case reactor.EventExit:
			c := s.registry.FindPid(ev.Pid)
			if c == nil || c.closing {
				continue
			}
			s.log.Warn().Int("pid", ev.Pid).Str("session", c.Session.String()).Msg("supervisor.TaskManager exited")
			observability.RecordTaskManagerExit()
			s.teardown(c)
			fmt.Fprintf(s.out, "%d removed.\n", ev.Pid)
		case reactor.EventSignal:
			s.log.Info().Str("signal", ev.Signal.String()).Msg("supervisor.Shutdown")
			s.shutdown(int(ev.Signal))
		}
	}
}

func (s *Supervisor) accept() (*fdio.File, string, int, error) {
	var (
		nfd  int
		sa   unix.Sockaddr
		aerr error
	)
	err := s.lnConn.Control(func(fd uintptr) {
		for {
			nfd, sa, aerr = unix.Accept4(int(fd), unix.SOCK_CLOEXEC)
			if aerr != unix.EINTR {
				return
			}
		}
	})
	if err != nil {
		return nil, "", 0, err
	}
	switch aerr {
	case nil:
	case unix.EAGAIN, unix.ECONNABORTED:
		return nil, "", 0, errNoPendingConn
	default:
		return nil, "", 0, fmt.Errorf("supervisor: accept: %w", aerr)
	}

	var ip string
	var port int
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		ip, port = net.IP(a.Addr[:]).String(), a.Port
	case *unix.SockaddrInet6:
		ip, port = net.IP(a.Addr[:]).String(), a.Port
	}
	return fdio.New(nfd, fmt.Sprintf("client %s:%d", ip, port)), ip, port, nil
}

func (s *Supervisor) acceptClient() {
	sock, ip, port, err := s.accept()
	if err != nil {
		if !errors.Is(err, errNoPendingConn) {
			s.log.Warn().Err(err).Msg("supervisor.Accept failed")
		}
		return
	}

	handle, ends, err := openChannels(sock)
	if err != nil {
		s.log.Error().Err(err).Msg("supervisor.Accept channels")
		_ = sock.Shutdown()
		_ = sock.Close()
		observability.RecordConnection(observability.ConnFailed)
		fmt.Fprintf(s.out, "Failed to start TM\n")
		return
	}
	proc, err := s.opts.Launcher.Launch(ends)
	if err != nil {
		s.log.Error().Err(err).Str("client", fmt.Sprintf("%s:%d", ip, port)).Msg("supervisor.Launch failed")
		_ = handle.Close()
		_ = sock.Shutdown()
		_ = sock.Close()
		observability.RecordConnection(observability.ConnFailed)
		fmt.Fprintf(s.out, "Failed to start TM\n")
		return
	}
	handle.Proc = proc

	c := &Client{
		IP:      ip,
		Port:    port,
		Session: uuid.New(),
		Socket:  sock,
		Handle:  handle,
	}
	if err := s.registry.Add(c); err != nil {
		s.log.Error().Err(err).Msg("supervisor.Accept")
		c.closing = true
		_ = proc.Signal(syscall.SIGTERM)
		<-proc.Done()
		_ = handle.Close()
		_ = sock.Shutdown()
		_ = sock.Close()
		return
	}
	s.setClients()
	s.poller.WatchExit(proc.Pid(), proc.Done())
	observability.RecordConnection(observability.ConnAccepted)

	s.log.Info().
		Str("client", c.Addr()).
		Int("pid", proc.Pid()).
		Str("session", c.Session.String()).
		Msg("supervisor.Accept")
	fmt.Fprintf(s.out, "%s has connected.\n", c.Addr())
}

// openChannels creates the four pipes between the supervisor and a new Task
// Manager plus the Task Manager's copy of the client socket.
func openChannels(sock *fdio.File) (*Handle, Endpoints, error) {
	var created []*fdio.File
	fail := func(err error) (*Handle, Endpoints, error) {
		_ = closeAll(created...)
		return nil, Endpoints{}, err
	}

	tmSock, err := sock.Dup("tm.socket")
	if err != nil {
		return fail(err)
	}
	created = append(created, tmSock)

	var pipes [4][2]*fdio.File
	for i, name := range []string{"sv.cmd", "sv.result", "tm.cmd", "tm.result"} {
		r, w, err := fdio.Pipe(name)
		if err != nil {
			return fail(err)
		}
		created = append(created, r, w)
		pipes[i] = [2]*fdio.File{r, w}
	}

	handle := &Handle{
		CmdOut:    pipes[0][1],
		ResultOut: pipes[1][1],
		CmdIn:     pipes[2][0],
		ResultIn:  pipes[3][0],
	}
	ends := Endpoints{
		Socket:    tmSock,
		CmdIn:     pipes[0][0],
		ResultIn:  pipes[1][0],
		CmdOut:    pipes[2][1],
		ResultOut: pipes[3][1],
	}
	return handle, ends, nil
}

// inbound relays a Task Manager's result output to the console, then reads at
// most one command frame from it.
func (s *Supervisor) inbound(c *Client) {
	if _, err := wire.Drain(c.Handle.ResultIn, s.out); err != nil {
		if errors.Is(err, io.EOF) {
			c.resultEOF = true
		} else {
			s.log.Warn().Err(err).Str("client", c.Addr()).Msg("supervisor.Result relay failed")
		}
	}

	payload, err := wire.ReadFrame(c.Handle.CmdIn)
	switch {
	case err == nil:
		s.clientCommand(c, wire.DecodeText(payload))
	case errors.Is(err, wire.ErrNoFrame), errors.Is(err, wire.ErrEmptyFrame):
	case errors.Is(err, io.EOF):
		c.cmdEOF = true
	case errors.Is(err, wire.ErrIncomplete):
		s.log.Warn().Err(err).Str("client", c.Addr()).Msg("supervisor.Frame dropped")
		observability.RecordFrameDropped()
		var inc *wire.IncompleteError
		if errors.As(err, &inc) {
			fmt.Fprintf(s.out, "Incomplete read. len: %d, r: %d\n", inc.Declared, inc.Got)
		}
	default:
		s.log.Warn().Err(err).Str("client", c.Addr()).Msg("supervisor.Command read failed")
	}
}

func (s *Supervisor) clientCommand(c *Client, text string) {
	verb, rest := splitVerb(text)
	if !strings.EqualFold(verb, "msg") || rest == "" {
		return
	}
	fmt.Fprintf(s.out, "Client %d says: %s\n", c.Handle.Pid(), rest)
}

// teardown shuts the client socket down, stops the client's Task Manager,
// waits for it, and releases every descriptor the supervisor holds for the
// client. Repeated calls are no-ops.
//
// The socket goes first: a Task Manager blocked reading or writing it returns
// at once instead of holding up the loop.
func (s *Supervisor) teardown(c *Client) {
	if c.closing {
		return
	}
	c.closing = true

	_ = c.Socket.Shutdown()
	s.stopTaskManager(c)

	// Whatever the Task Manager reported on its way out.
	_, _ = wire.Drain(c.Handle.ResultIn, s.out)

	if err := c.Handle.Close(); err != nil {
		s.log.Debug().Err(err).Msg("supervisor.Teardown channels")
	}
	_ = c.Socket.Close()

	s.registry.Remove(c)
	s.setClients()
	s.log.Info().Str("client", c.Addr()).Str("session", c.Session.String()).Msg("supervisor.Teardown")
	fmt.Fprintf(s.out, "%s disconnected.\n", c.Addr())
}

// stopTaskManager sends SIGTERM and escalates to SIGKILL once KillTimeout
// passes without an exit.
func (s *Supervisor) stopTaskManager(c *Client) {
	proc := c.Handle.Proc
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		s.log.Debug().Err(err).Int("pid", proc.Pid()).Msg("supervisor.Teardown signal")
	}
	timer := time.NewTimer(s.opts.KillTimeout)
	defer timer.Stop()
	select {
	case <-proc.Done():
		return
	case <-timer.C:
	}
	s.log.Warn().Int("pid", proc.Pid()).Dur("timeout", s.opts.KillTimeout).Msg("supervisor.Teardown killing task manager")
	if err := proc.Signal(syscall.SIGKILL); err != nil {
		s.log.Debug().Err(err).Int("pid", proc.Pid()).Msg("supervisor.Teardown kill")
	}
	<-proc.Done()
}

func (s *Supervisor) setClients() {
	n := s.registry.Len()
	s.clients.Store(int32(n))
	observability.SetClients(n)
}

func (s *Supervisor) teardownAll() {
	for _, c := range s.registry.All() {
		s.teardown(c)
	}
}

func (s *Supervisor) shutdown(code int) {
	if s.stopped {
		return
	}
	s.stopped = true
	s.code = code

	s.teardownAll()
	if s.ln != nil {
		_ = s.ln.Close()
		s.lnFd = -1
	}
	if s.console != nil {
		_ = s.console.Close()
		s.console = nil
	}
}
