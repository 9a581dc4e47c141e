package taskmanager

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/danmuck/taskmux/internal/fdio"
	"github.com/danmuck/taskmux/internal/scheduler"
	"github.com/danmuck/taskmux/internal/testutil/testlog"
	"github.com/danmuck/taskmux/internal/wire"
	"github.com/stretchr/testify/require"
)

type fakeProcs struct {
	mu     sync.Mutex
	next   int
	names  []string
	exits  map[int]chan struct{}
	killed []int
}

func newFakeProcs() *fakeProcs {
	return &fakeProcs{next: 500, exits: make(map[int]chan struct{})}
}

func (f *fakeProcs) launch(name string) (int, func() error, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if strings.HasPrefix(name, "missing") {
		return 0, nil, errors.New("exec: not found")
	}
	f.next++
	pid := f.next
	done := make(chan struct{})
	f.exits[pid] = done
	f.names = append(f.names, name)
	return pid, func() error { <-done; return nil }, nil
}

func (f *fakeProcs) signal(pid int, sig syscall.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed = append(f.killed, pid)
	return nil
}

func (f *fakeProcs) exit(pid int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	close(f.exits[pid])
}

func (f *fakeProcs) killedPids() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.killed...)
}

// harness holds the supervisor-side and client-side ends of a Task Manager's
// channels.
type harness struct {
	tm       *TaskManager
	ch       Channels
	procs    *fakeProcs
	client   *fdio.File
	cmdTo    *fdio.File
	resultTo *fdio.File
	cmdFrom  *fdio.File
	resFrom  *fdio.File
	code     chan int
	started  bool
}

func newHarness(t *testing.T, maxProcs int) *harness {
	t.Helper()
	tmSock, clientSock, err := fdio.SocketPair("client")
	require.NoError(t, err)
	clientOut, err := tmSock.Dup("client.out")
	require.NoError(t, err)
	cmdInR, cmdInW, err := fdio.Pipe("sv.cmd")
	require.NoError(t, err)
	resInR, resInW, err := fdio.Pipe("sv.result")
	require.NoError(t, err)
	cmdOutR, cmdOutW, err := fdio.Pipe("tm.cmd")
	require.NoError(t, err)
	resOutR, resOutW, err := fdio.Pipe("tm.result")
	require.NoError(t, err)

	ch := Channels{
		ClientIn:        tmSock,
		ClientOut:       clientOut,
		ServerCmdIn:     cmdInR,
		ServerResultIn:  resInR,
		ServerCmdOut:    cmdOutW,
		ServerResultOut: resOutW,
	}
	require.NoError(t, ch.Prepare())
	require.NoError(t, clientSock.SetNonblock(true))

	procs := newFakeProcs()
	tm, err := New(ch, Options{
		MaxProcesses: maxProcs,
		Pid:          4242,
		Scheduler: []scheduler.Option{
			scheduler.WithLauncher(procs.launch),
			scheduler.WithSignaler(procs.signal),
		},
	})
	require.NoError(t, err)

	h := &harness{
		tm:       tm,
		ch:       ch,
		procs:    procs,
		client:   clientSock,
		cmdTo:    cmdInW,
		resultTo: resInW,
		cmdFrom:  cmdOutR,
		resFrom:  resOutR,
		code:     make(chan int, 1),
	}
	t.Cleanup(func() {
		if h.started {
			h.tm.Terminate(syscall.SIGTERM)
		} else {
			_ = h.tm.poller.Close()
			_ = h.ch.Close()
		}
		for _, f := range []*fdio.File{clientSock, cmdInW, resInW, cmdOutR, resOutR} {
			_ = f.Close()
		}
	})
	return h
}

func (h *harness) start() {
	h.started = true
	go func() { h.code <- h.tm.Run() }()
}

func (h *harness) wait(t *testing.T) int {
	t.Helper()
	select {
	case code := <-h.code:
		return code
	case <-time.After(5 * time.Second):
		t.Fatalf("task manager did not stop")
		return -1
	}
}

func (h *harness) send(t *testing.T, line string) {
	t.Helper()
	require.NoError(t, wire.WriteText(h.client, line))
}

// readUntil collects bytes from f until want appears or the deadline passes.
func readUntil(t *testing.T, f *fdio.File, want string) string {
	t.Helper()
	var got bytes.Buffer
	deadline := time.Now().Add(3 * time.Second)
	buf := make([]byte, 1024)
	for time.Now().Before(deadline) {
		n, err := f.Read(buf)
		got.Write(buf[:n])
		if strings.Contains(got.String(), want) {
			return got.String()
		}
		if err != nil && !errors.Is(err, fdio.ErrWouldBlock) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("did not read %q, got %q", want, got.String())
	return ""
}

// readTable reads one full process table: three horizontal rules.
func readTable(t *testing.T, f *fdio.File) string {
	t.Helper()
	var got strings.Builder
	deadline := time.Now().Add(3 * time.Second)
	buf := make([]byte, 1024)
	for strings.Count(got.String(), "─\n") < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("incomplete table: %q", got.String())
		}
		n, err := f.Read(buf)
		got.Write(buf[:n])
		if err != nil && !errors.Is(err, fdio.ErrWouldBlock) {
			t.Fatalf("read table: %v", err)
		}
		if n == 0 {
			time.Sleep(5 * time.Millisecond)
		}
	}
	return got.String()
}

func TestArithmeticOverClient(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, 10)
	h.start()

	cases := []struct{ cmd, want string }{
		{"add 2 3 5", "ans = 10\n"},
		{"SUB 2 3 5", "ans = -6\n"},
		{"mul 2 3 4", "ans = 24\n"},
		{"div 9 3", "ans = 3.000\n"},
		{"div 10 0", "Divide-by-zero error.\n"},
	}
	for _, tc := range cases {
		h.send(t, tc.cmd)
		got := readUntil(t, h.client, tc.want)
		require.Equal(t, tc.want, got, tc.cmd)
	}
}

func TestQuitFromClientShutsDownAndClosesChannels(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, 10)
	h.start()

	h.send(t, "run sleep 2")
	h.send(t, "exit")
	got := readUntil(t, h.client, "2 processes killed\n")
	require.Equal(t, "2 processes killed\n", got)
	require.Equal(t, 0, h.wait(t))

	for _, f := range h.ch.all() {
		require.True(t, f.Closed(), f.Name())
	}
	require.Len(t, h.procs.killedPids(), 2)

	_, err := h.client.Read(make([]byte, 8))
	require.ErrorIs(t, err, io.EOF)
}

func TestClientCloseShutsDown(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, 10)
	h.start()

	require.NoError(t, h.client.Close())
	require.Equal(t, 0, h.wait(t))
	require.True(t, h.ch.ClientIn.Closed())
}

func TestTerminateReturnsSignalAndKillsChildren(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, 10)
	h.start()

	h.send(t, "yes 3")
	h.send(t, "list")
	require.Equal(t, 3, strings.Count(readTable(t, h.client), "yes"))

	h.tm.Terminate(syscall.SIGTERM)
	require.Equal(t, int(syscall.SIGTERM), h.wait(t))
	require.Len(t, h.procs.killedPids(), 3)
	for _, f := range h.ch.all() {
		require.True(t, f.Closed(), f.Name())
	}
}

func TestInterruptNotifiesClient(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, 10)
	h.start()

	h.tm.Terminate(syscall.SIGINT)
	got := readUntil(t, h.client, "0 processes killed\n")
	require.Contains(t, got, "4242 received ctrl+c\n")
	require.Equal(t, int(syscall.SIGINT), h.wait(t))
}

func TestSleepEndsEarlyOnTerminate(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, 10)
	h.start()

	h.send(t, "sleep 30")
	time.Sleep(50 * time.Millisecond)
	started := time.Now()
	h.tm.Terminate(syscall.SIGTERM)
	require.Equal(t, int(syscall.SIGTERM), h.wait(t))
	require.Less(t, time.Since(started), 5*time.Second)
}

func TestTerminateUnblocksHalfSentFrame(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, 10)
	h.tm.opts.StopGrace = 100 * time.Millisecond
	h.start()

	h.send(t, "add 1 1")
	readUntil(t, h.client, "ans = 2\n")

	// A length byte with no payload leaves the loop inside the payload read.
	_, err := h.client.Write([]byte{10})
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	started := time.Now()
	h.tm.Terminate(syscall.SIGTERM)
	require.Equal(t, int(syscall.SIGTERM), h.wait(t))
	require.Less(t, time.Since(started), 3*time.Second)
	for _, f := range h.ch.all() {
		require.True(t, f.Closed(), f.Name())
	}
}

func TestServerCommandOutputGoesToResultPipe(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, 10)
	h.start()

	require.NoError(t, wire.WriteText(h.cmdTo, "add 1 1"))
	require.Equal(t, "ans = 2\n", readUntil(t, h.resFrom, "ans = 2\n"))
}

func TestBroadcastFromServerReachesClient(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, 10)
	h.start()

	require.NoError(t, wire.WriteText(h.cmdTo, "broadcast hello World"))
	require.Equal(t, "SV says: hello World\n", readUntil(t, h.client, "\n"))
}

func TestResultRelayIsVerbatim(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, 10)
	h.start()

	_, err := h.resultTo.WriteString("SV says: raw bytes\n")
	require.NoError(t, err)
	require.Equal(t, "SV says: raw bytes\n", readUntil(t, h.client, "\n"))
}

func TestMsgIsForwardedFramed(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, 10)
	h.start()

	h.send(t, "msg Hello there")
	require.Eventually(t, func() bool {
		payload, err := wire.ReadFrame(h.cmdFrom)
		if err != nil {
			return false
		}
		return wire.DecodeText(payload) == "msg Hello there"
	}, 3*time.Second, 10*time.Millisecond)
}

func TestIncompleteFrameIsDroppedAndLoopContinues(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, 10)
	h.start()

	_, err := h.client.Write([]byte{10, 'a', 'd', 'd'})
	require.NoError(t, err)
	got := readUntil(t, h.client, "\n")
	require.Equal(t, "Incomplete read. len: 10, r: 3\n", got)

	h.send(t, "add 1 2")
	require.Equal(t, "ans = 3\n", readUntil(t, h.client, "\n"))
	require.Empty(t, h.procs.names)
}

func TestExitNotificationsMarkProcessesDead(t *testing.T) {
	testlog.Start(t)
	h := newHarness(t, 10)
	h.start()

	h.send(t, "run echo 3")
	h.send(t, "list *")
	got := readTable(t, h.client)
	require.Equal(t, 3, strings.Count(got, "Alive"))
	require.Contains(t, got, "    503 │ echo       │ Alive  \n")

	for pid := 501; pid <= 503; pid++ {
		h.procs.exit(pid)
	}
	deadline := time.Now().Add(3 * time.Second)
	for {
		h.send(t, "list *")
		table := readTable(t, h.client)
		if strings.Count(table, "Dead") == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("exits not reaped: %q", table)
		}
		time.Sleep(20 * time.Millisecond)
	}
	require.Empty(t, h.procs.killedPids())
}
