package supervisor

import (
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/danmuck/taskmux/internal/fdio"
	"github.com/danmuck/taskmux/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func launchEnds(t *testing.T) (*Handle, Endpoints, *fdio.File) {
	t.Helper()
	sock, peer, err := fdio.SocketPair("client")
	require.NoError(t, err)
	handle, ends, err := openChannels(sock)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = handle.Close()
		_ = sock.Close()
		_ = peer.Close()
	})
	return handle, ends, peer
}

func TestExecLauncherWaitsForReadyMarker(t *testing.T) {
	testlog.Start(t)
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	_, ends, _ := launchEnds(t)

	l := ExecLauncher{Path: "/bin/sh", Args: []string{"-c", "printf R >&9; exec sleep 5"}}
	proc, err := l.Launch(ends)
	require.NoError(t, err)
	require.Positive(t, proc.Pid())
	require.True(t, ends.Socket.Closed())

	select {
	case <-proc.Done():
		t.Fatalf("process exited early")
	default:
	}
	require.NoError(t, proc.Signal(syscall.SIGTERM))
	select {
	case <-proc.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("process did not exit after SIGTERM")
	}
}

func TestExecLauncherFailsWithoutMarker(t *testing.T) {
	testlog.Start(t)
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh")
	}
	for _, script := range []string{"exit 1", "printf F >&9; exit 1"} {
		_, ends, _ := launchEnds(t)
		l := ExecLauncher{Path: "/bin/sh", Args: []string{"-c", script}}
		_, err := l.Launch(ends)
		require.ErrorIs(t, err, ErrLaunchFailed, script)
	}
}

func TestExecLauncherMissingBinary(t *testing.T) {
	testlog.Start(t)
	_, ends, _ := launchEnds(t)
	l := ExecLauncher{Path: "/nonexistent/tm"}
	_, err := l.Launch(ends)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrLaunchFailed)
}
