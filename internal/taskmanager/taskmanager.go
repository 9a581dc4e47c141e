package taskmanager

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/danmuck/taskmux/internal/logging"
	"github.com/danmuck/taskmux/internal/reactor"
	"github.com/danmuck/taskmux/internal/scheduler"
	"github.com/danmuck/taskmux/internal/wire"
	"github.com/rs/zerolog"
)

const (
	DefaultMaxProcesses = 10
	DefaultStopGrace    = 2 * time.Second
)

type Options struct {
	MaxProcesses int
	// Signals, when set, are relayed from the OS as termination requests.
	Signals []os.Signal
	// Pid identifies this Task Manager in user-visible notices.
	Pid int
	// StopGrace bounds how long a termination request may wait on a loop
	// blocked in client I/O before the client socket is shut down under it.
	StopGrace time.Duration
	Scheduler []scheduler.Option
}

// TaskManager serves one client. All state is owned by the goroutine running
// Run; other goroutines reach it only through Terminate and the reactor.
type TaskManager struct {
	ch     Channels
	opts   Options
	poller *reactor.Poller
	sched  *scheduler.Scheduler
	log    zerolog.Logger

	term     chan struct{}
	termOnce sync.Once
	runDone  chan struct{}

	// closeMu orders channel teardown against the termination watchdog.
	closeMu  sync.Mutex
	chClosed bool

	quitRequested bool
	stopped       bool
	code          int
	cmdClosed     bool
	resultClosed  bool
}

func New(ch Channels, opts Options) (*TaskManager, error) {
	if opts.MaxProcesses <= 0 {
		opts.MaxProcesses = DefaultMaxProcesses
	}
	if opts.Pid == 0 {
		opts.Pid = os.Getpid()
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = DefaultStopGrace
	}
	poller, err := reactor.New()
	if err != nil {
		return nil, fmt.Errorf("taskmanager: %w", err)
	}
	tm := &TaskManager{
		ch:      ch,
		opts:    opts,
		poller:  poller,
		log:     logging.Component("taskmanager").With().Int("tm", opts.Pid).Logger(),
		term:    make(chan struct{}),
		runDone: make(chan struct{}),
	}
	schedOpts := append([]scheduler.Option{scheduler.WithLogger(tm.log)}, opts.Scheduler...)
	tm.sched = scheduler.New(opts.MaxProcesses, tm.childExited, schedOpts...)
	return tm, nil
}

func (tm *TaskManager) childExited(pid int) {
	tm.poller.Post(reactor.Event{Kind: reactor.EventExit, Pid: pid})
}

func (tm *TaskManager) noteTermination(syscall.Signal) {
	tm.termOnce.Do(func() {
		close(tm.term)
		go tm.unblockClient()
	})
}

// unblockClient shuts the client socket down if the loop has not stopped
// within the grace period. A loop stuck reading a half-sent frame or writing
// to a client that never reads then sees end-of-file or EPIPE and gets back
// to the pending termination event.
func (tm *TaskManager) unblockClient() {
	timer := time.NewTimer(tm.opts.StopGrace)
	defer timer.Stop()
	select {
	case <-tm.runDone:
		return
	case <-timer.C:
	}
	tm.closeMu.Lock()
	defer tm.closeMu.Unlock()
	if tm.chClosed {
		return
	}
	tm.log.Warn().Dur("grace", tm.opts.StopGrace).Msg("taskmanager.Terminate loop blocked on client, shutting socket down")
	if err := tm.ch.ClientIn.Shutdown(); err != nil {
		tm.log.Debug().Err(err).Msg("taskmanager.Terminate shutdown")
	}
}

// Terminate requests shutdown with sig as the exit code. Safe from any
// goroutine; a running sleep command returns early.
func (tm *TaskManager) Terminate(sig syscall.Signal) {
	tm.noteTermination(sig)
	tm.poller.Post(reactor.Event{Kind: reactor.EventSignal, Signal: sig})
}

// Run serves the channels until the client leaves, a quit command arrives, or
// termination is requested. It returns the process exit code: the triggering
// signal number, or 0 for a voluntary exit.
func (tm *TaskManager) Run() int {
	defer close(tm.runDone)
	defer tm.poller.Close()
	if len(tm.opts.Signals) > 0 {
		stop := tm.poller.Notify(tm.noteTermination, tm.opts.Signals...)
		defer stop()
	}
	tm.log.Info().Msg("taskmanager.Run started")

	for !tm.stopped {
		ready, err := tm.poller.Wait(tm.pollSet())
		if err != nil {
			tm.log.Error().Err(err).Msg("taskmanager.Run wait failed")
			tm.shutdown(0, tm.ch.ClientOut)
			break
		}
		tm.handleEvents()
		if tm.stopped {
			break
		}

		isReady := make(map[int]bool, len(ready))
		for _, fd := range ready {
			isReady[fd] = true
		}
		if isReady[tm.ch.ClientIn.Fd()] {
			tm.serviceClient()
		}
		if !tm.stopped && !tm.cmdClosed && isReady[tm.ch.ServerCmdIn.Fd()] {
			tm.serviceServerCmd()
		}
		if !tm.stopped && !tm.resultClosed && isReady[tm.ch.ServerResultIn.Fd()] {
			tm.serviceServerResult()
		}
	}
	tm.log.Info().Int("code", tm.code).Msg("taskmanager.Run stopped")
	return tm.code
}

func (tm *TaskManager) pollSet() []int {
	fds := []int{tm.ch.ClientIn.Fd()}
	if !tm.cmdClosed {
		fds = append(fds, tm.ch.ServerCmdIn.Fd())
	}
	if !tm.resultClosed {
		fds = append(fds, tm.ch.ServerResultIn.Fd())
	}
	return fds
}

func (tm *TaskManager) handleEvents() {
	for _, ev := range tm.poller.Pending() {
		switch ev.Kind {
		case reactor.EventExit:
			tm.sched.Reap(ev.Pid)
		case reactor.EventSignal:
			if tm.stopped {
				continue
			}
			tm.log.Info().Str("signal", ev.Signal.String()).Msg("taskmanager.Terminate")
			if ev.Signal == syscall.SIGINT {
				fmt.Fprintf(tm.ch.ClientOut, "%d received ctrl+c\n", tm.opts.Pid)
			}
			tm.shutdown(int(ev.Signal), tm.ch.ClientOut)
		}
	}
}

func (tm *TaskManager) serviceClient() {
	payload, err := wire.ReadFrame(tm.ch.ClientIn)
	if err != nil {
		switch {
		case errors.Is(err, wire.ErrNoFrame), errors.Is(err, wire.ErrEmptyFrame):
		case errors.Is(err, io.EOF):
			tm.log.Info().Msg("taskmanager.Client closed")
			tm.shutdown(0, tm.ch.ClientOut)
		case errors.Is(err, wire.ErrIncomplete):
			tm.reportIncomplete(err, tm.ch.ClientOut)
		default:
			tm.log.Warn().Err(err).Msg("taskmanager.Client read failed")
			tm.shutdown(0, tm.ch.ClientOut)
		}
		return
	}
	tm.execute(wire.DecodeText(payload), tm.ch.ClientOut)
}

func (tm *TaskManager) serviceServerCmd() {
	payload, err := wire.ReadFrame(tm.ch.ServerCmdIn)
	if err != nil {
		switch {
		case errors.Is(err, wire.ErrNoFrame), errors.Is(err, wire.ErrEmptyFrame):
		case errors.Is(err, io.EOF):
			tm.log.Warn().Msg("taskmanager.ServerCmd closed")
			tm.cmdClosed = true
		case errors.Is(err, wire.ErrIncomplete):
			tm.reportIncomplete(err, tm.ch.ServerResultOut)
		default:
			tm.log.Warn().Err(err).Msg("taskmanager.ServerCmd read failed")
		}
		return
	}
	tm.execute(wire.DecodeText(payload), tm.ch.ServerResultOut)
}

func (tm *TaskManager) serviceServerResult() {
	if _, err := wire.Drain(tm.ch.ServerResultIn, tm.ch.ClientOut); err != nil {
		if errors.Is(err, io.EOF) {
			tm.log.Warn().Msg("taskmanager.ServerResult closed")
			tm.resultClosed = true
			return
		}
		tm.log.Warn().Err(err).Msg("taskmanager.ServerResult relay failed")
	}
}

func (tm *TaskManager) reportIncomplete(err error, dest io.Writer) {
	tm.log.Warn().Err(err).Msg("taskmanager.Frame dropped")
	var inc *wire.IncompleteError
	if errors.As(err, &inc) {
		fmt.Fprintf(dest, "Incomplete read. len: %d, r: %d\n", inc.Declared, inc.Got)
	}
}

// execute runs one command line, writes its output to dest in a single write,
// then performs a requested shutdown.
func (tm *TaskManager) execute(line string, dest io.Writer) {
	var out bytes.Buffer
	tm.dispatch(line, &out)
	tm.flush(dest, &out)
	if tm.quitRequested {
		tm.shutdown(0, dest)
	}
}

func (tm *TaskManager) flush(dest io.Writer, out *bytes.Buffer) {
	if out.Len() == 0 {
		return
	}
	if _, err := dest.Write(out.Bytes()); err != nil {
		tm.log.Debug().Err(err).Msg("taskmanager.Output dropped")
	}
	out.Reset()
}

// shutdown terminates every managed process, reports the death toll on dest,
// and closes all channels exactly once.
func (tm *TaskManager) shutdown(code int, dest io.Writer) {
	if tm.stopped {
		return
	}
	tm.stopped = true
	tm.code = code

	var out bytes.Buffer
	tm.sched.KillAll(&out)
	tm.sched.Release()
	tm.flush(dest, &out)

	tm.closeMu.Lock()
	tm.chClosed = true
	err := tm.ch.Close()
	tm.closeMu.Unlock()
	if err != nil {
		tm.log.Debug().Err(err).Msg("taskmanager.Channels close")
	}
}
