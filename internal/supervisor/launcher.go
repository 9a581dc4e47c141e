package supervisor

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/danmuck/taskmux/internal/fdio"
)

var ErrLaunchFailed = errors.New("supervisor: task manager failed to start")

// Process is a running Task Manager.
type Process interface {
	Pid() int
	Signal(sig os.Signal) error
	// Done is closed once the process has exited and been reaped.
	Done() <-chan struct{}
}

// Endpoints are the Task Manager's ends of its channels.
type Endpoints struct {
	Socket *fdio.File
	// CmdIn and ResultIn are read by the Task Manager.
	CmdIn    *fdio.File
	ResultIn *fdio.File
	// CmdOut and ResultOut are written by the Task Manager.
	CmdOut    *fdio.File
	ResultOut *fdio.File
}

func (e Endpoints) Close() error {
	return closeAll(e.Socket, e.CmdIn, e.ResultIn, e.CmdOut, e.ResultOut)
}

// Launcher starts a Task Manager on the given endpoints. It owns the
// endpoints from the moment it is called, on success and on failure.
type Launcher interface {
	Launch(ends Endpoints) (Process, error)
}

// ExecLauncher runs the Task Manager binary in a new session with the
// endpoints remapped onto the well-known descriptors 3..8 and a readiness
// pipe on descriptor 9.
type ExecLauncher struct {
	Path   string
	Args   []string
	Stderr *os.File
}

func (l ExecLauncher) Launch(ends Endpoints) (Process, error) {
	readyR, readyW, err := fdio.Pipe("tm.ready")
	if err != nil {
		_ = ends.Close()
		return nil, err
	}
	defer readyR.Close()

	sock := ends.Socket.Release()
	files := []*os.File{
		sock, // fdio.ClientIn
		sock, // fdio.ClientOut
		ends.CmdIn.Release(),
		ends.ResultIn.Release(),
		ends.CmdOut.Release(),
		ends.ResultOut.Release(),
		readyW.Release(),
	}
	closeFiles := func() {
		for i, f := range files {
			if i == 1 {
				continue
			}
			_ = f.Close()
		}
	}

	cmd := exec.Command(l.Path, l.Args...)
	cmd.ExtraFiles = files
	cmd.Stderr = l.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := cmd.Start(); err != nil {
		closeFiles()
		return nil, fmt.Errorf("supervisor: start %s: %w", l.Path, err)
	}
	// The child holds its own copies now; ours must go so that a child
	// dying before its marker shows up as end-of-file.
	closeFiles()

	if err := readyR.SetNonblock(false); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, err
	}
	marker := make([]byte, 1)
	n, _ := readyR.Read(marker)
	if n != 1 || marker[0] != fdio.ReadyOK {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, ErrLaunchFailed
	}

	p := &execProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(p.done)
	}()
	return p, nil
}

type execProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Signal(sig os.Signal) error {
	return p.cmd.Process.Signal(sig)
}

func (p *execProcess) Done() <-chan struct{} {
	return p.done
}

func closeAll(files ...*fdio.File) error {
	var errs []error
	for _, f := range files {
		if f != nil {
			errs = append(errs, f.Close())
		}
	}
	return errors.Join(errs...)
}
