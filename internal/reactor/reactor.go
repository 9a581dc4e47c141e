package reactor

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/danmuck/taskmux/internal/fdio"
	"golang.org/x/sys/unix"
)

var ErrClosed = errors.New("reactor: poller closed")

type EventKind int

const (
	// EventExit reports that a watched child process exited.
	EventExit EventKind = iota + 1
	// EventSignal reports a termination request.
	EventSignal
)

func (k EventKind) String() string {
	switch k {
	case EventExit:
		return "exit"
	case EventSignal:
		return "signal"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind   EventKind
	Pid    int
	Signal syscall.Signal
}

// Poller waits for readability on a caller-supplied descriptor set plus an
// internal wake pipe. Helper goroutines never touch loop state; they Post
// events, which the loop collects with Pending after Wait returns.
type Poller struct {
	wakeR *fdio.File
	wakeW *fdio.File

	mu     sync.Mutex
	queue  []Event
	closed bool
}

func New() (*Poller, error) {
	r, w, err := fdio.Pipe("reactor.wake")
	if err != nil {
		return nil, err
	}
	return &Poller{wakeR: r, wakeW: w}, nil
}

// Post queues ev and wakes the loop. It is safe from any goroutine and a
// no-op once the poller is closed.
func (p *Poller) Post(ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.queue = append(p.queue, ev)
	// A full wake pipe already guarantees a pending wakeup.
	_, _ = unix.Write(p.wakeW.Fd(), []byte{1})
}

// Pending returns and clears the queued events.
func (p *Poller) Pending() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return nil
	}
	out := p.queue
	p.queue = nil
	return out
}

// Wait blocks until at least one descriptor in fds is readable (or hung up)
// or an event is posted. Ready descriptors are returned in input order.
// Interrupted waits are retried.
func (p *Poller) Wait(fds []int) ([]int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	p.mu.Unlock()

	pfds := make([]unix.PollFd, 0, len(fds)+1)
	pfds = append(pfds, unix.PollFd{Fd: int32(p.wakeR.Fd()), Events: unix.POLLIN})
	for _, fd := range fds {
		pfds = append(pfds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
	}

	for {
		_, err := unix.Poll(pfds, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("reactor: poll: %w", err)
		}
		break
	}

	if pfds[0].Revents != 0 {
		p.drainWake()
	}
	ready := make([]int, 0, len(fds))
	for _, pfd := range pfds[1:] {
		if pfd.Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
			ready = append(ready, int(pfd.Fd))
		}
	}
	return ready, nil
}

func (p *Poller) drainWake() {
	buf := make([]byte, 64)
	for {
		if _, err := p.wakeR.Read(buf); err != nil {
			return
		}
	}
}

// WatchExit posts an EventExit for pid once done is closed.
func (p *Poller) WatchExit(pid int, done <-chan struct{}) {
	go func() {
		<-done
		p.Post(Event{Kind: EventExit, Pid: pid})
	}()
}

// Notify relays the given signals as EventSignal events until stop is called.
// handle, when non-nil, runs on the relay goroutine before the event is posted.
func (p *Poller) Notify(handle func(syscall.Signal), sigs ...os.Signal) (stop func()) {
	ch := make(chan os.Signal, 4)
	signal.Notify(ch, sigs...)
	quit := make(chan struct{})
	go func() {
		for {
			select {
			case <-quit:
				return
			case s := <-ch:
				sig, ok := s.(syscall.Signal)
				if !ok {
					continue
				}
				if handle != nil {
					handle(sig)
				}
				p.Post(Event{Kind: EventSignal, Signal: sig})
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(ch)
			close(quit)
		})
	}
}

func (p *Poller) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.queue = nil
	p.mu.Unlock()
	return errors.Join(p.wakeR.Close(), p.wakeW.Close())
}
