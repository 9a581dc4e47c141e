package supervisor

import (
	"errors"
	"fmt"

	"github.com/danmuck/taskmux/internal/fdio"
	"github.com/google/uuid"
)

var ErrRegistryFull = errors.New("supervisor: client registry full")

// Handle is the supervisor's side of one Task Manager: its process and the
// four pipe ends connecting the two.
type Handle struct {
	Proc Process
	// CmdIn and ResultIn carry Task Manager output to the supervisor.
	CmdIn    *fdio.File
	ResultIn *fdio.File
	// CmdOut and ResultOut carry supervisor input to the Task Manager.
	CmdOut    *fdio.File
	ResultOut *fdio.File
}

func (h *Handle) Pid() int {
	return h.Proc.Pid()
}

func (h *Handle) Close() error {
	return errors.Join(h.CmdIn.Close(), h.ResultIn.Close(), h.CmdOut.Close(), h.ResultOut.Close())
}

// Client is one accepted connection and the Task Manager serving it.
type Client struct {
	IP      string
	Port    int
	Session uuid.UUID
	Socket  *fdio.File
	Handle  *Handle

	closing   bool
	cmdEOF    bool
	resultEOF bool
}

func (c *Client) Addr() string {
	return fmt.Sprintf("%s:%d", c.IP, c.Port)
}

// Registry holds clients in connection order.
type Registry struct {
	max     int
	clients []*Client
}

func NewRegistry(max int) *Registry {
	return &Registry{max: max}
}

func (r *Registry) Len() int {
	return len(r.clients)
}

func (r *Registry) Full() bool {
	return len(r.clients) >= r.max
}

func (r *Registry) Add(c *Client) error {
	if r.Full() {
		return ErrRegistryFull
	}
	r.clients = append(r.clients, c)
	return nil
}

func (r *Registry) Remove(c *Client) bool {
	for i, cur := range r.clients {
		if cur == c {
			r.clients = append(r.clients[:i], r.clients[i+1:]...)
			return true
		}
	}
	return false
}

// All returns a snapshot safe to iterate while removing clients.
func (r *Registry) All() []*Client {
	return append([]*Client(nil), r.clients...)
}

func (r *Registry) FindAddr(ip string, port int) *Client {
	for _, c := range r.clients {
		if c.IP == ip && c.Port == port {
			return c
		}
	}
	return nil
}

func (r *Registry) FindPid(pid int) *Client {
	for _, c := range r.clients {
		if c.Handle.Pid() == pid {
			return c
		}
	}
	return nil
}

// FindFd returns the client whose inbound pipes include fd.
func (r *Registry) FindFd(fd int) *Client {
	for _, c := range r.clients {
		if c.Handle.CmdIn.Fd() == fd || c.Handle.ResultIn.Fd() == fd {
			return c
		}
	}
	return nil
}
