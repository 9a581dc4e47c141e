package fdio

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Well-known descriptor numbers inside a Task Manager process.
const (
	ClientIn        = 3
	ClientOut       = 4
	ServerCmdIn     = 5
	ServerResultIn  = 6
	ServerCmdOut    = 7
	ServerResultOut = 8
	Ready           = 9
)

// Readiness markers a Task Manager writes on Ready once setup finishes.
const (
	ReadyOK     byte = 'R'
	ReadyFailed byte = 'F'
)

var (
	ErrWouldBlock = errors.New("fdio: would block")
	ErrClosed     = errors.New("fdio: file already closed")
)

// File is a raw descriptor with explicit read semantics: a would-block read
// returns ErrWouldBlock and a zero-byte read returns io.EOF.
// Close is idempotent so every teardown path may call it.
type File struct {
	fd     int
	name   string
	closed atomic.Bool
}

func New(fd int, name string) *File {
	return &File{fd: fd, name: name}
}

func (f *File) Fd() int {
	return f.fd
}

func (f *File) Name() string {
	return f.name
}

func (f *File) Closed() bool {
	return f.closed.Load()
}

func (f *File) Read(p []byte) (int, error) {
	if f.closed.Load() {
		return 0, ErrClosed
	}
	if len(p) == 0 {
		return 0, nil
	}
	for {
		n, err := unix.Read(f.fd, p)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, ErrWouldBlock
		case err != nil:
			return 0, fmt.Errorf("fdio: read %s: %w", f.name, err)
		case n == 0:
			return 0, io.EOF
		}
		return n, nil
	}
}

// Write writes all of p, waiting for writability when the descriptor is
// non-blocking and its buffer is full.
func (f *File) Write(p []byte) (int, error) {
	if f.closed.Load() {
		return 0, ErrClosed
	}
	written := 0
	for written < len(p) {
		n, err := unix.Write(f.fd, p[written:])
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			if err := f.waitWritable(); err != nil {
				return written, err
			}
			continue
		case err != nil:
			return written, fmt.Errorf("fdio: write %s: %w", f.name, err)
		}
		written += n
	}
	return written, nil
}

func (f *File) WriteString(s string) (int, error) {
	return f.Write([]byte(s))
}

func (f *File) waitWritable() error {
	fds := []unix.PollFd{{Fd: int32(f.fd), Events: unix.POLLOUT}}
	for {
		_, err := unix.Poll(fds, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return fmt.Errorf("fdio: poll %s: %w", f.name, err)
		}
		return nil
	}
}

func (f *File) SetNonblock(nonblocking bool) error {
	if err := unix.SetNonblock(f.fd, nonblocking); err != nil {
		return fmt.Errorf("fdio: set nonblock %s: %w", f.name, err)
	}
	return nil
}

// Shutdown shuts a socket down in both directions. ENOTCONN is not an error:
// the peer may already be gone.
func (f *File) Shutdown() error {
	if f.closed.Load() {
		return nil
	}
	if err := unix.Shutdown(f.fd, unix.SHUT_RDWR); err != nil && err != unix.ENOTCONN {
		return fmt.Errorf("fdio: shutdown %s: %w", f.name, err)
	}
	return nil
}

func (f *File) Close() error {
	if !f.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := unix.Close(f.fd); err != nil {
		return fmt.Errorf("fdio: close %s: %w", f.name, err)
	}
	return nil
}

// Dup returns an independent close-on-exec copy of f.
func (f *File) Dup(name string) (*File, error) {
	if f.closed.Load() {
		return nil, ErrClosed
	}
	fd, err := unix.FcntlInt(uintptr(f.fd), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("fdio: dup %s: %w", f.name, err)
	}
	return New(fd, name), nil
}

// Release hands the descriptor over to an *os.File. f is closed from the
// caller's point of view afterwards; the returned file owns the descriptor.
func (f *File) Release() *os.File {
	if !f.closed.CompareAndSwap(false, true) {
		return nil
	}
	return os.NewFile(uintptr(f.fd), f.name)
}

// Pipe returns a non-blocking, close-on-exec pipe.
func Pipe(name string) (r *File, w *File, err error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, nil, fmt.Errorf("fdio: pipe %s: %w", name, err)
	}
	return New(p[0], name+".r"), New(p[1], name+".w"), nil
}

// SocketPair returns a connected pair of blocking stream sockets.
func SocketPair(name string) (a *File, b *File, err error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("fdio: socketpair %s: %w", name, err)
	}
	return New(fds[0], name+".a"), New(fds[1], name+".b"), nil
}

// FromFile duplicates the descriptor behind an *os.File and closes the
// original, leaving the returned File as sole owner.
func FromFile(of *os.File, name string) (*File, error) {
	fd, err := unix.FcntlInt(of.Fd(), unix.F_DUPFD_CLOEXEC, 0)
	if err != nil {
		_ = of.Close()
		return nil, fmt.Errorf("fdio: dup %s: %w", name, err)
	}
	if err := of.Close(); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("fdio: close original %s: %w", name, err)
	}
	return New(fd, name), nil
}
