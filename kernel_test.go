package muos

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomuos/muos/internal/hal"
	"github.com/gomuos/muos/internal/ipc"
	"github.com/gomuos/muos/internal/process"
	"github.com/gomuos/muos/internal/sched"
	"github.com/gomuos/muos/internal/syscall"
)

// fakeController satisfies hal.InterruptController without a live line,
// the same minimal fake internal/procmgr's own tests use.
type fakeController struct{}

func (fakeController) Init() error                { return nil }
func (fakeController) GetRaisedIRQ() (int, error) { return -1, nil }
func (fakeController) Mask(int) error             { return nil }
func (fakeController) Unmask(int) error           { return nil }

func newTestKernel(t *testing.T) *Kernel {
	t.Helper()
	cfg := DefaultKernelConfig()
	cfg.PageCount = 256
	k, err := NewKernel(cfg, fakeController{}, nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, k.Boot())
	t.Cleanup(k.Stop)

	stop := make(chan struct{})
	idle, err := k.Scheduler.Spawn(0, sched.PriorityNormal, func(th *sched.Thread) {
		for {
			select {
			case <-stop:
				return
			default:
			}
			k.Scheduler.YieldWithRequeue(th)
			time.Sleep(time.Millisecond)
		}
	})
	require.NoError(t, err)
	t.Cleanup(func() { close(stop) })
	k.Scheduler.Bootstrap(idle)
	return k
}

func TestKernelDoubleBootIsAnError(t *testing.T) {
	k := newTestKernel(t)
	assert.Error(t, k.Boot())
}

func TestKernelSpawnProcessRegistersInTable(t *testing.T) {
	k := newTestKernel(t)

	done := make(chan struct{})
	proc, th, err := k.SpawnProcess("client", nil, 64*1024, sched.PriorityNormal, func(t *sched.Thread) {
		close(done)
	})
	require.NoError(t, err)
	assert.NotNil(t, th.AddressSpace)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("spawned thread never ran")
	}

	found, ok := k.Table.Lookup(proc.ID)
	assert.True(t, ok)
	assert.Same(t, proc, found)

	snap := k.Metrics.Snapshot(time.Now())
	assert.Equal(t, uint64(1), snap.ProcessesSpawned)
}

func TestKernelSyscallChannelCreateRoundTrip(t *testing.T) {
	k := newTestKernel(t)

	var got int32
	done := make(chan struct{})
	_, th, err := k.SpawnProcess("owner", nil, 64*1024, sched.PriorityNormal, func(t *sched.Thread) {
		got = k.Enter(t, syscall.ChannelCreate, syscall.Args{})
		close(done)
	})
	require.NoError(t, err)
	_ = th

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("channel-create syscall never completed")
	}

	assert.GreaterOrEqual(t, got, int32(0))

	snap := k.Metrics.Snapshot(time.Now())
	assert.Equal(t, uint64(1), snap.SyscallCount)
	assert.Zero(t, snap.SyscallErrors)
}

// TestKernelChildExitNotifiesReaper drives §8 scenario 5 end to end
// through real syscalls rather than a direct handlePulse call: a child
// calls msgsend(exit) against its well-known process manager
// connection, its EXITING teardown pulses the manager's own channel,
// and the manager's dispatch loop spin-waits and notifies the parent's
// reaper connection.
func TestKernelChildExitNotifiesReaper(t *testing.T) {
	k := newTestKernel(t)

	parent, _, err := k.SpawnProcess("parent", nil, 64*1024, sched.PriorityNormal, func(*sched.Thread) {})
	require.NoError(t, err)

	parentCh := ipc.NewChannel(1, 4)
	parentConn := ipc.NewConnection(1, parentCh)
	parent.AddReaper(&process.Reaper{Remaining: 1, Conn: parentConn})

	childExited := make(chan int32, 1)
	child, _, err := k.SpawnProcess("child", parent, 64*1024, sched.PriorityNormal, func(t *sched.Thread) {
		childExited <- k.Enter(t, syscall.MsgSend, syscall.Args{int32(process.ProcMgrConnectionID), 0, 24, 0, 0})
	})
	require.NoError(t, err)

	select {
	case <-childExited:
	case <-time.After(2 * time.Second):
		t.Fatal("child's exit syscall never completed")
	}

	res, err := parentCh.Receive(nil, nil, nil)
	require.NoError(t, err)
	require.True(t, res.IsPulse)
	assert.Equal(t, ipc.PulseTypeChildFinish, res.Pulse.Type)
	assert.Equal(t, int32(child.ID), res.Pulse.Value)

	_, ok := k.Table.Lookup(child.ID)
	assert.False(t, ok, "reaped child's pid is no longer resolvable")
}

func TestKernelSyscallUnknownProcessIsInvalid(t *testing.T) {
	k := newTestKernel(t)

	done := make(chan struct{})
	var got int32
	th, err := k.Scheduler.Spawn(999999, sched.PriorityNormal, func(t *sched.Thread) {
		got = k.Enter(t, syscall.ChannelCreate, syscall.Args{})
		close(done)
	})
	require.NoError(t, err)
	space, err := hal.NewHostAddressSpace(4096)
	require.NoError(t, err)
	th.AddressSpace = space

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("syscall from unregistered pid never completed")
	}
	assert.Less(t, got, int32(0))
}
