package scheduler

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

var ErrTableFull = errors.New("scheduler: process table full")

type Status int

const (
	Dead Status = iota
	Alive
)

func (s Status) String() string {
	if s == Alive {
		return "Alive"
	}
	return "Dead"
}

// Process is one entry of the process table. Status and End change exactly
// once, when the entry goes from Alive to Dead.
type Process struct {
	Pid    int
	Name   string
	Status Status
	Start  time.Time
	End    time.Time
}

// Launcher starts name with no arguments and returns its pid plus a wait
// function that blocks until the process exits.
type Launcher func(name string) (pid int, wait func() error, err error)

// Signaler delivers sig to pid.
type Signaler func(pid int, sig syscall.Signal) error

type Option func(*Scheduler)

func WithLauncher(l Launcher) Option {
	return func(s *Scheduler) { s.launch = l }
}

func WithSignaler(fn Signaler) Option {
	return func(s *Scheduler) { s.signal = fn }
}

func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// Scheduler owns an append-only process table bounded by the total number of
// processes ever spawned. It is not safe for concurrent use: only the owning
// loop mutates it, and exit notifications reach it through Reap.
type Scheduler struct {
	max    int
	table  []*Process
	exited func(pid int)
	launch Launcher
	signal Signaler
	now    func() time.Time
	log    zerolog.Logger
}

// New returns a scheduler holding at most max entries. exited is called from
// a helper goroutine when a spawned process terminates; it should hand the pid
// back to the owning loop, which then calls Reap.
func New(max int, exited func(pid int), opts ...Option) *Scheduler {
	s := &Scheduler{
		max:    max,
		exited: exited,
		launch: execLauncher,
		signal: unixSignaler,
		now:    time.Now,
		log:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func execLauncher(name string) (int, func() error, error) {
	cmd := exec.Command(name)
	if err := cmd.Start(); err != nil {
		return 0, nil, err
	}
	return cmd.Process.Pid, cmd.Wait, nil
}

func unixSignaler(pid int, sig syscall.Signal) error {
	return unix.Kill(pid, sig)
}

func (s *Scheduler) Len() int {
	return len(s.table)
}

func (s *Scheduler) Max() int {
	return s.max
}

// Processes returns a copy of the table in spawn order.
func (s *Scheduler) Processes() []Process {
	out := make([]Process, 0, len(s.table))
	for _, p := range s.table {
		out = append(out, *p)
	}
	return out
}

// Alive reports the number of entries still marked Alive.
func (s *Scheduler) Alive() int {
	n := 0
	for _, p := range s.table {
		if p.Status == Alive {
			n++
		}
	}
	return n
}

// Spawn starts count independent instances of name. A failed instance is
// reported on w and recorded nowhere; the remaining instances are still
// attempted. Spawning stops early once the table is full. It returns the
// number of instances started.
func (s *Scheduler) Spawn(w io.Writer, name string, count int) int {
	if count <= 0 {
		return 0
	}
	if remaining := s.max - len(s.table); count > remaining {
		fmt.Fprintf(w, "Process limit exceeded.\n")
		count = remaining
	}

	started := 0
	for i := 0; i < count; i++ {
		if err := s.spawnOne(name); err != nil {
			s.log.Debug().Err(err).Str("name", name).Msg("scheduler.Spawn failed")
			fmt.Fprintf(w, "Failed to start process.\n")
			continue
		}
		started++
	}
	return started
}

func (s *Scheduler) spawnOne(name string) error {
	if len(s.table) >= s.max {
		return ErrTableFull
	}
	pid, wait, err := s.launch(name)
	if err != nil {
		return fmt.Errorf("scheduler: start %s: %w", name, err)
	}
	s.table = append(s.table, &Process{
		Pid:    pid,
		Name:   name,
		Status: Alive,
		Start:  s.now(),
	})
	s.log.Debug().Int("pid", pid).Str("name", name).Msg("scheduler.Spawn started")

	go func() {
		_ = wait()
		if s.exited != nil {
			s.exited(pid)
		}
	}()
	return nil
}

// KillByID terminates the Alive entry with the given pid.
func (s *Scheduler) KillByID(w io.Writer, pid int) bool {
	for _, p := range s.table {
		if p.Status != Alive || p.Pid != pid {
			continue
		}
		if err := s.terminate(p); err != nil {
			fmt.Fprintf(w, "Failed to kill process %d.\n", pid)
			return false
		}
		return true
	}
	fmt.Fprintf(w, "No running process with process ID %d.\n", pid)
	return false
}

// KillByName terminates up to n Alive entries named name, in table order.
// n < 0 means no limit.
func (s *Scheduler) KillByName(w io.Writer, name string, n int) int {
	toll := 0
	for _, p := range s.table {
		if n >= 0 && toll >= n {
			break
		}
		if p.Status != Alive || p.Name != name {
			continue
		}
		if err := s.terminate(p); err != nil {
			fmt.Fprintf(w, "Failed to kill process %s(%d).\n", name, p.Pid)
			continue
		}
		toll++
	}
	fmt.Fprintf(w, "%d processes killed\n", toll)
	return toll
}

// KillAll terminates every Alive entry and reports the death toll.
func (s *Scheduler) KillAll(w io.Writer) int {
	toll := 0
	for _, p := range s.table {
		if p.Status != Alive {
			continue
		}
		if err := s.terminate(p); err != nil {
			fmt.Fprintf(w, "Failed to kill process %d.\n", p.Pid)
			continue
		}
		toll++
	}
	fmt.Fprintf(w, "%d processes killed\n", toll)
	return toll
}

func (s *Scheduler) terminate(p *Process) error {
	if err := s.signal(p.Pid, syscall.SIGTERM); err != nil {
		s.log.Warn().Err(err).Int("pid", p.Pid).Msg("scheduler.Kill failed")
		return err
	}
	s.markDead(p)
	return nil
}

func (s *Scheduler) markDead(p *Process) {
	p.Status = Dead
	p.End = s.now()
}

// Reap marks the entry for pid Dead. Unknown and already-Dead pids are
// ignored.
func (s *Scheduler) Reap(pid int) bool {
	for _, p := range s.table {
		if p.Pid != pid || p.Status != Alive {
			continue
		}
		s.markDead(p)
		s.log.Debug().Int("pid", pid).Str("name", p.Name).Msg("scheduler.Reap")
		return true
	}
	return false
}

// Release drops every record. Only shutdown calls it.
func (s *Scheduler) Release() {
	s.table = nil
}
