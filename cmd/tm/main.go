// Command tm is the Task Manager started by taskmuxd for each client. It
// expects the client socket on descriptors 3 and 4, the supervisor pipes on
// 5 through 8, and a readiness pipe on 9.
package main

import (
	"flag"
	"fmt"
	"os"
	"syscall"

	"github.com/danmuck/taskmux/internal/fdio"
	"github.com/danmuck/taskmux/internal/logging"
	"github.com/danmuck/taskmux/internal/taskmanager"
)

func main() {
	logging.ConfigureRuntime()

	maxProcs := flag.Int("max-processes", taskmanager.DefaultMaxProcesses, "maximum managed processes")
	flag.Parse()

	ready := fdio.New(fdio.Ready, "ready")
	ch := taskmanager.StandardChannels()
	tm, err := setup(ch, *maxProcs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tm: %v\n", err)
		_, _ = ready.Write([]byte{fdio.ReadyFailed})
		_ = ready.Close()
		os.Exit(1)
	}
	if _, err := ready.Write([]byte{fdio.ReadyOK}); err != nil {
		fmt.Fprintf(os.Stderr, "tm: %v\n", err)
	}
	_ = ready.Close()

	os.Exit(tm.Run())
}

func setup(ch taskmanager.Channels, maxProcs int) (*taskmanager.TaskManager, error) {
	if err := ch.Prepare(); err != nil {
		return nil, err
	}
	return taskmanager.New(ch, taskmanager.Options{
		MaxProcesses: maxProcs,
		Signals:      []os.Signal{syscall.SIGTERM, syscall.SIGINT},
	})
}
