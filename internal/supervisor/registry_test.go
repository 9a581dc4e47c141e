package supervisor

import (
	"os"
	"testing"

	"github.com/danmuck/taskmux/internal/fdio"
	"github.com/danmuck/taskmux/internal/testutil/testlog"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type stubProcess struct{ pid int }

func (p stubProcess) Pid() int               { return p.pid }
func (p stubProcess) Signal(os.Signal) error { return nil }
func (p stubProcess) Done() <-chan struct{}  { return nil }

func stubClient(ip string, port, pid, cmdFd, resultFd int) *Client {
	return &Client{
		IP:      ip,
		Port:    port,
		Session: uuid.New(),
		Handle: &Handle{
			Proc:     stubProcess{pid: pid},
			CmdIn:    fdio.New(cmdFd, "cmd"),
			ResultIn: fdio.New(resultFd, "result"),
		},
	}
}

func TestRegistryCapacityAndLookup(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry(2)
	a := stubClient("127.0.0.1", 4001, 11, 100, 101)
	b := stubClient("127.0.0.1", 4002, 12, 102, 103)

	require.NoError(t, r.Add(a))
	require.False(t, r.Full())
	require.NoError(t, r.Add(b))
	require.True(t, r.Full())
	require.ErrorIs(t, r.Add(stubClient("127.0.0.1", 4003, 13, 104, 105)), ErrRegistryFull)

	require.Same(t, b, r.FindAddr("127.0.0.1", 4002))
	require.Nil(t, r.FindAddr("127.0.0.2", 4002))
	require.Same(t, a, r.FindPid(11))
	require.Same(t, b, r.FindFd(103))
	require.Nil(t, r.FindFd(999))
	require.Equal(t, "127.0.0.1:4001", a.Addr())
}

func TestRegistryRemoveKeepsOrder(t *testing.T) {
	testlog.Start(t)
	r := NewRegistry(5)
	var all []*Client
	for i := 0; i < 4; i++ {
		c := stubClient("10.0.0.1", 5000+i, 20+i, 200+2*i, 201+2*i)
		all = append(all, c)
		require.NoError(t, r.Add(c))
	}

	snapshot := r.All()
	require.True(t, r.Remove(all[1]))
	require.False(t, r.Remove(all[1]))
	require.Len(t, snapshot, 4)
	require.Equal(t, []*Client{all[0], all[2], all[3]}, r.All())
	require.Equal(t, 3, r.Len())
}
