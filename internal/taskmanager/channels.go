package taskmanager

import (
	"errors"

	"github.com/danmuck/taskmux/internal/fdio"
)

// Channels are the six descriptors a Task Manager serves. ClientIn and
// ClientOut refer to the same connected socket.
type Channels struct {
	ClientIn        *fdio.File
	ClientOut       *fdio.File
	ServerCmdIn     *fdio.File
	ServerResultIn  *fdio.File
	ServerCmdOut    *fdio.File
	ServerResultOut *fdio.File
}

// StandardChannels wraps the well-known descriptors a Task Manager process
// inherits from the supervisor.
func StandardChannels() Channels {
	return Channels{
		ClientIn:        fdio.New(fdio.ClientIn, "client.in"),
		ClientOut:       fdio.New(fdio.ClientOut, "client.out"),
		ServerCmdIn:     fdio.New(fdio.ServerCmdIn, "server.cmd.in"),
		ServerResultIn:  fdio.New(fdio.ServerResultIn, "server.result.in"),
		ServerCmdOut:    fdio.New(fdio.ServerCmdOut, "server.cmd.out"),
		ServerResultOut: fdio.New(fdio.ServerResultOut, "server.result.out"),
	}
}

// Prepare puts the inbound pipes in non-blocking mode and the client socket in
// blocking mode.
func (c Channels) Prepare() error {
	if err := c.ServerCmdIn.SetNonblock(true); err != nil {
		return err
	}
	if err := c.ServerResultIn.SetNonblock(true); err != nil {
		return err
	}
	return c.ClientIn.SetNonblock(false)
}

func (c Channels) all() []*fdio.File {
	return []*fdio.File{
		c.ClientIn, c.ClientOut,
		c.ServerCmdIn, c.ServerResultIn,
		c.ServerCmdOut, c.ServerResultOut,
	}
}

// Close shuts the socket down in both directions and closes every channel.
// Repeated calls are no-ops.
func (c Channels) Close() error {
	var errs []error
	if c.ClientIn != nil {
		errs = append(errs, c.ClientIn.Shutdown())
	}
	for _, f := range c.all() {
		if f != nil {
			errs = append(errs, f.Close())
		}
	}
	return errors.Join(errs...)
}
