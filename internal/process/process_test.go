package process

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kernelerrors "github.com/gomuos/muos/internal/errors"
	"github.com/gomuos/muos/internal/hal"
	"github.com/gomuos/muos/internal/intr"
	"github.com/gomuos/muos/internal/ipc"
	"github.com/gomuos/muos/internal/sched"
)

func newTestScheduler(t *testing.T) *sched.Scheduler {
	t.Helper()
	pages, err := hal.NewHostPageAllocator(64)
	require.NoError(t, err)
	return sched.NewScheduler(pages)
}

func TestAddChannelAndConnectionAllocateLocalIDs(t *testing.T) {
	p := New("server", nil, nil)
	ch := ipc.NewChannel(1, 4)
	chid := p.AddChannel(ch)
	assert.Equal(t, ipc.ChannelID(1), chid)

	got, ok := p.Channel(chid)
	require.True(t, ok)
	assert.Same(t, ch, got)

	conn := ipc.NewConnection(1, ch)
	coid := p.AddConnection(conn)
	assert.Equal(t, ipc.ConnectionID(1), coid)

	gotConn, ok := p.Connection(coid)
	require.True(t, ok)
	assert.Same(t, conn, gotConn)
}

func TestReservedProcMgrConnectionIDIsOne(t *testing.T) {
	assert.Equal(t, ipc.ConnectionID(1), ProcMgrConnectionID)
}

func TestReaperMatchesAnyChildWithNilPredicate(t *testing.T) {
	parent := New("parent", nil, nil)
	r := &Reaper{Remaining: 1}
	id := parent.AddReaper(r)
	assert.True(t, r.Matches(ID(42)))

	reapers := parent.Reapers()
	require.Len(t, reapers, 1)
	assert.Equal(t, id, reapers[0].ID)

	parent.RemoveReaper(id)
	assert.Empty(t, parent.Reapers())
}

func TestReaperPredicateFiltersByChildPID(t *testing.T) {
	r := &Reaper{Predicate: func(child ID) bool { return child == 7 }}
	assert.True(t, r.Matches(7))
	assert.False(t, r.Matches(8))
}

func TestChildDeathMovesFromAliveToDeadList(t *testing.T) {
	parent := New("parent", nil, nil)
	child := New("child", parent, nil)

	alive := parent.AliveChildren()
	require.Len(t, alive, 1)
	assert.Same(t, child, alive[0])

	parent.MarkChildDead(child)
	assert.Empty(t, parent.AliveChildren())
}

func TestReparentMovesAliveAndDeadChildrenToInit(t *testing.T) {
	init := New("init", nil, nil)
	parent := New("parent", nil, nil)
	aliveChild := New("alive-child", parent, nil)
	deadChild := New("dead-child", parent, nil)
	parent.MarkChildDead(deadChild)

	parent.Reparent(init)

	initAlive := init.AliveChildren()
	require.Len(t, initAlive, 1)
	assert.Same(t, aliveChild, initAlive[0])
	assert.Same(t, init, aliveChild.Parent())
	assert.Same(t, init, deadChild.Parent())
	assert.Empty(t, parent.AliveChildren())
}

func TestTableLookupAndResolveConnection(t *testing.T) {
	table := NewTable()
	p := New("server", nil, nil)
	table.Register(p)

	ch := ipc.NewChannel(1, 4)
	conn := ipc.NewConnection(1, ch)
	coid := p.AddConnection(conn)

	got, ok := table.Lookup(p.ID)
	require.True(t, ok)
	assert.Same(t, p, got)

	resolved, ok := table.ResolveConnection(int32(p.ID), coid)
	require.True(t, ok)
	assert.Same(t, conn, resolved)

	table.Unregister(p.ID)
	_, ok = table.Lookup(p.ID)
	assert.False(t, ok)
}

func TestResolveConnectionFailsForUnknownPIDOrConnection(t *testing.T) {
	table := NewTable()
	p := New("server", nil, nil)
	table.Register(p)

	_, ok := table.ResolveConnection(int32(p.ID), 99)
	assert.False(t, ok)

	_, ok = table.ResolveConnection(999, 1)
	assert.False(t, ok)
}

// fakeController lets teardown exercise a real intr.Dispatcher without
// a live hardware line.
type fakeController struct{ masked map[int]bool }

func newFakeController() *fakeController             { return &fakeController{masked: make(map[int]bool)} }
func (c *fakeController) Init() error                { return nil }
func (c *fakeController) GetRaisedIRQ() (int, error) { return -1, nil }
func (c *fakeController) Mask(i int) error            { c.masked[i] = true; return nil }
func (c *fakeController) Unmask(i int) error          { c.masked[i] = false; return nil }

func TestTeardownDetachesHandlersClosesConnectionsAndReparents(t *testing.T) {
	table := NewTable()
	init := New("init", nil, nil)
	table.Register(init)

	scheduler := newTestScheduler(t)
	controller := newFakeController()
	dispatcher, err := intr.NewDispatcher(controller, scheduler, table)
	require.NoError(t, err)

	parent := New("parent", nil, nil)
	table.Register(parent)
	child := New("child", parent, nil)
	table.Register(child)

	ch := ipc.NewChannel(1, 4)
	chid := child.AddChannel(ch)
	conn := ipc.NewConnection(1, ch)
	coid := child.AddConnection(conn)

	rec := dispatcher.Attach(int32(child.ID), coid, 5, 0x1)
	child.AddHandler(rec)

	Teardown(child, scheduler, dispatcher, init)

	assert.True(t, child.Exited())
	assert.Empty(t, child.Handlers())
	_, ok := child.Connection(coid)
	assert.False(t, ok)
	_, ok = child.Channel(chid)
	assert.False(t, ok)
	assert.True(t, ch.IsDisposed())

	aliveUnderInit := init.AliveChildren()
	found := false
	for _, c := range aliveUnderInit {
		if c.ID == child.ID {
			found = true
		}
	}
	assert.False(t, found, "child itself is marked dead on its parent, not moved to init")

	// Teardown leaves the table entry in place; internal/procmgr's
	// reaper-notification path removes it once the child's pid has
	// actually been reaped.
	_, ok = table.Lookup(child.ID)
	assert.True(t, ok)

	// Teardown is idempotent.
	Teardown(child, scheduler, dispatcher, init)
}

// startIdle spawns and bootstraps the idle thread a test's worker
// threads need to actually get dispatched, the same shape
// internal/ipc's own test harness uses.
func startIdle(t *testing.T, scheduler *sched.Scheduler) {
	t.Helper()
	stop := make(chan struct{})
	idle, err := scheduler.Spawn(0, sched.PriorityNormal, func(th *sched.Thread) {
		for {
			select {
			case <-stop:
				return
			default:
			}
			scheduler.YieldWithRequeue(th)
			time.Sleep(time.Millisecond)
		}
	})
	require.NoError(t, err)
	t.Cleanup(func() { close(stop) })
	scheduler.Bootstrap(idle)
}

// TestTeardownCancelsSenderMessageHeldByLiveReceiver covers §4.4's
// "sender dies before reply" failure mode from the sender's side of
// Teardown: a message this process sent is still Delivered and held,
// unreplied, by a live receiver on another process when this process
// tears down. Teardown must find that message via PendingMessages (only
// populated because Channel.Send/Receive register it through the
// channel's MessageOwnerResolver) and cancel it on the receiver's
// channel, and forget it from its own registry.
func TestTeardownCancelsSenderMessageHeldByLiveReceiver(t *testing.T) {
	table := NewTable()
	init := New("init", nil, nil)
	table.Register(init)

	scheduler := newTestScheduler(t)
	controller := newFakeController()
	dispatcher, err := intr.NewDispatcher(controller, scheduler, table)
	require.NoError(t, err)

	senderProc := New("sender", nil, nil)
	table.Register(senderProc)
	receiverProc := New("receiver", nil, nil)
	table.Register(receiverProc)

	ch := ipc.NewChannel(1, 4)
	ch.SetOwnerResolver(table)
	receiverProc.AddChannel(ch)

	recvDone := make(chan ipc.ReceiveResult, 1)
	scheduler.Spawn(int32(receiverProc.ID), sched.PriorityNormal, func(th *sched.Thread) {
		res, err := ch.Receive(scheduler, th, nil)
		require.NoError(t, err)
		recvDone <- res
		// Never replies: the sender tears down while this is still held.
	})

	scheduler.Spawn(int32(senderProc.ID), sched.PriorityNormal, func(th *sched.Thread) {
		_, _, _ = ch.Send(scheduler, th, nil, nil)
	})

	startIdle(t, scheduler)

	var res ipc.ReceiveResult
	select {
	case res = <-recvDone:
	case <-time.After(2 * time.Second):
		t.Fatal("receive did not complete")
	}

	require.Len(t, senderProc.PendingMessages(), 1, "Send's direct-handoff branch must register the delivered message against its sender")

	Teardown(senderProc, scheduler, dispatcher, init)

	assert.Empty(t, senderProc.PendingMessages(), "Teardown must forget a message once it has cancelled it")

	_, ok := ch.LookupPending(res.MsgID)
	assert.False(t, ok, "a cancelled message must no longer resolve as still-Delivered")

	_, err = ch.Reply(scheduler, nil, res.MsgID, kernelerrors.CodeOK, nil)
	require.Error(t, err)
	assert.True(t, kernelerrors.IsCode(err, kernelerrors.CodeInvalid), "the receiver's eventual reply to a cancelled message must be a no-op")
}

func TestTeardownIsIdempotent(t *testing.T) {
	scheduler := newTestScheduler(t)
	controller := newFakeController()
	table := NewTable()
	dispatcher, err := intr.NewDispatcher(controller, scheduler, table)
	require.NoError(t, err)
	init := New("init", nil, nil)

	p := New("solo", nil, nil)
	table.Register(p)
	Teardown(p, scheduler, dispatcher, init)
	assert.True(t, p.Exited())
	Teardown(p, scheduler, dispatcher, init)
}
