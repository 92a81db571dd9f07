package procmgr

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kernelerrors "github.com/gomuos/muos/internal/errors"
	"github.com/gomuos/muos/internal/hal"
	"github.com/gomuos/muos/internal/intr"
	"github.com/gomuos/muos/internal/ipc"
	"github.com/gomuos/muos/internal/process"
	"github.com/gomuos/muos/internal/sched"
)

// fakeController satisfies hal.InterruptController without a live line,
// enough to let a real intr.Dispatcher back the manager under test.
type fakeController struct{ masked map[int]bool }

func newFakeController() *fakeController             { return &fakeController{masked: make(map[int]bool)} }
func (c *fakeController) Init() error                { return nil }
func (c *fakeController) GetRaisedIRQ() (int, error) { return -1, nil }
func (c *fakeController) Mask(i int) error            { c.masked[i] = true; return nil }
func (c *fakeController) Unmask(i int) error          { c.masked[i] = false; return nil }

// harness wires a Scheduler plus a running Server, following the same
// shape internal/ipc's own Channel tests use to drive Send/Receive/Reply
// across real goroutine-backed threads rather than calling Server's
// handlers directly.
type harness struct {
	t          *testing.T
	scheduler  *sched.Scheduler
	table      *process.Table
	dispatcher *intr.Dispatcher
	init       *process.Process
	server     *Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	pages, err := hal.NewHostPageAllocator(64)
	require.NoError(t, err)
	scheduler := sched.NewScheduler(pages)
	table := process.NewTable()
	dispatcher, err := intr.NewDispatcher(newFakeController(), scheduler, table)
	require.NoError(t, err)
	initProc := process.New("init", nil, nil)
	table.Register(initProc)

	server := NewServer(scheduler, pages, dispatcher, table, initProc, nil)
	h := &harness{t: t, scheduler: scheduler, table: table, dispatcher: dispatcher, init: initProc, server: server}
	return h
}

func (h *harness) newAddressSpace() hal.AddressSpace {
	h.t.Helper()
	space, err := hal.NewHostAddressSpace(64 * 1024)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { space.Close() })
	return space
}

// runServer starts the manager's dispatch loop on its own thread.
func (h *harness) runServer() {
	h.t.Helper()
	th, err := h.scheduler.Spawn(int32(h.server.Process.ID), sched.PriorityIO, func(t *sched.Thread) {
		h.server.Run(t)
	})
	require.NoError(h.t, err)
	th.AddressSpace = h.newAddressSpace()
}

// start spawns an idle thread and bootstraps the scheduler, the thing
// that actually dequeues and runs every thread spawned before this call.
func (h *harness) start() {
	h.t.Helper()
	stop := make(chan struct{})
	idle, err := h.scheduler.Spawn(0, sched.PriorityNormal, func(t *sched.Thread) {
		for {
			select {
			case <-stop:
				return
			default:
			}
			h.scheduler.YieldWithRequeue(t)
			time.Sleep(time.Millisecond)
		}
	})
	require.NoError(h.t, err)
	h.t.Cleanup(func() { close(stop) })
	h.scheduler.Bootstrap(idle)
}

// newClientConnection creates a process registered in the table, bound
// to the manager's well-known channel at local connection id 1, the
// shape every non-manager process is given (§3's reserved ProcMgr
// connection id).
func (h *harness) newClientConnection(name string) (*process.Process, *ipc.Connection) {
	h.t.Helper()
	p := process.New(name, h.init, nil)
	h.table.Register(p)
	conn := ipc.NewConnection(process.ProcMgrConnectionID, h.server.Channel)
	p.AddConnection(conn)
	return p, conn
}

func writeBytes(t *testing.T, space hal.AddressSpace, addr uintptr, data []byte) {
	t.Helper()
	_, err := space.WriteAt(addr, data)
	require.NoError(t, err)
}

func readBytes(t *testing.T, space hal.AddressSpace, addr uintptr, n int) []byte {
	t.Helper()
	buf := make([]byte, n)
	_, err := space.ReadAt(addr, buf)
	require.NoError(t, err)
	return buf
}

const reqAddr = 0x1000
const replyAddr = 0x2000

func (h *harness) send(pid *process.Process, conn *ipc.Connection, req []byte, replyLen int) (kernelerrors.Code, []byte) {
	h.t.Helper()
	clientSpace := h.newAddressSpace()
	writeBytes(h.t, clientSpace, reqAddr, req)

	type outcome struct {
		n      int
		status kernelerrors.Code
		err    error
	}
	done := make(chan outcome, 1)

	th, err := h.scheduler.Spawn(int32(pid.ID), sched.PriorityNormal, func(t *sched.Thread) {
		n, status, sendErr := conn.Send(h.scheduler, t, []ipc.IOVec{{Addr: reqAddr, Len: len(req)}}, []ipc.IOVec{{Addr: replyAddr, Len: replyLen}})
		done <- outcome{n, status, sendErr}
	})
	require.NoError(h.t, err)
	th.AddressSpace = clientSpace

	select {
	case o := <-done:
		require.NoError(h.t, o.err)
		return o.status, readBytes(h.t, clientSpace, replyAddr, o.n)
	case <-time.After(2 * time.Second):
		h.t.Fatal("request did not complete")
		return "", nil
	}
}

func TestExitRepliesExiting(t *testing.T) {
	h := newHarness(t)
	h.runServer()
	client, conn := h.newClientConnection("client")

	h.start()

	status, _ := h.send(client, conn, marshalHeader(MsgExit, nil), 0)
	assert.Equal(t, kernelerrors.ExitingCode(), status)
}

func TestSignalSelfIsEquivalentToExit(t *testing.T) {
	h := newHarness(t)
	h.runServer()
	client, conn := h.newClientConnection("client")

	h.start()

	status, _ := h.send(client, conn, marshalSignalRequest(SignalRequest{PID: int32(client.ID)}), 0)
	assert.Equal(t, kernelerrors.ExitingCode(), status)
}

func TestSignalOtherIsNoSys(t *testing.T) {
	h := newHarness(t)
	h.runServer()
	client, conn := h.newClientConnection("client")

	h.start()

	status, _ := h.send(client, conn, marshalSignalRequest(SignalRequest{PID: int32(client.ID) + 1}), 0)
	assert.Equal(t, kernelerrors.CodeNoSys, status)
}

func TestGetPIDReturnsSenderPID(t *testing.T) {
	h := newHarness(t)
	h.runServer()
	client, conn := h.newClientConnection("client")

	h.start()

	status, reply := h.send(client, conn, marshalHeader(MsgGetPID, nil), 4)
	require.Equal(t, kernelerrors.CodeOK, status)
	got := unmarshalGetPIDReply(reply)
	assert.Equal(t, int32(client.ID), got.PID)
}

func TestInterruptAttachDetachCompleteRoundTrip(t *testing.T) {
	h := newHarness(t)
	h.runServer()
	client, conn := h.newClientConnection("client")

	h.start()

	status, reply := h.send(client, conn, marshalInterruptAttachRequest(InterruptAttachRequest{ConnID: 1, IRQ: 5, Param: 0x7}), 8)
	require.Equal(t, kernelerrors.CodeOK, status)
	attachReply := unmarshalInterruptAttachReply(reply)
	assert.NotZero(t, attachReply.HandlerID)

	require.Len(t, client.Handlers(), 1)

	status, _ = h.send(client, conn, marshalHandlerIDRequest(MsgInterruptComplete, attachReply.HandlerID), 0)
	assert.Equal(t, kernelerrors.CodeInvalid, status, "completing an unmasked handler is invalid")

	status, _ = h.send(client, conn, marshalHandlerIDRequest(MsgInterruptDetach, attachReply.HandlerID), 0)
	assert.Equal(t, kernelerrors.CodeOK, status)
	assert.Empty(t, client.Handlers())
}

func TestInterruptDetachUnknownHandlerIsInvalid(t *testing.T) {
	h := newHarness(t)
	h.runServer()
	client, conn := h.newClientConnection("client")

	h.start()

	status, _ := h.send(client, conn, marshalHandlerIDRequest(MsgInterruptDetach, 999), 0)
	assert.Equal(t, kernelerrors.CodeInvalid, status)
}

func TestMapPhysMapsRequestedPages(t *testing.T) {
	h := newHarness(t)
	h.runServer()
	client, conn := h.newClientConnection("client")

	// The manager hands out virtual addresses starting at 0x40000000
	// (§4.7 handleMapPhys); the client's address space has to actually
	// cover that range for MapPage to succeed, unlike every other test's
	// small 64KiB host space.
	bigSpace, err := hal.NewHostAddressSpace(0x40000000 + 2*4096)
	require.NoError(t, err)
	t.Cleanup(func() { bigSpace.Close() })
	client.Address = bigSpace

	h.start()

	status, reply := h.send(client, conn, marshalMapPhysRequest(MapPhysRequest{PhysAddr: 0, Len: 4096}), 8)
	require.Equal(t, kernelerrors.CodeOK, status)
	got := unmarshalMapPhysReply(reply)
	assert.Equal(t, uint64(0x40000000), got.VirtAddr)
}

func TestMapPhysWithoutAddressSpaceIsInvalid(t *testing.T) {
	h := newHarness(t)
	h.runServer()
	client, conn := h.newClientConnection("client")

	h.start()

	status, _ := h.send(client, conn, marshalMapPhysRequest(MapPhysRequest{PhysAddr: 0, Len: 4096}), 8)
	assert.Equal(t, kernelerrors.CodeInvalid, status)
}

func TestUnknownMessageTypeIsNoSys(t *testing.T) {
	h := newHarness(t)
	h.runServer()
	client, conn := h.newClientConnection("client")

	h.start()

	status, _ := h.send(client, conn, marshalHeader(MsgType(99), nil), 0)
	assert.Equal(t, kernelerrors.CodeNoSys, status)
}

// TestChildFinishPulseNotifiesMatchingReaper is §8 scenario 5: a parent
// registers an any-child reaper, a child terminates and is torn down,
// and the parent observes exactly one CHILD_FINISH pulse carrying the
// child's pid — after which the child's pid no longer resolves via the
// table.
func TestChildFinishPulseNotifiesMatchingReaper(t *testing.T) {
	h := newHarness(t)
	parent := process.New("parent", h.init, nil)
	h.table.Register(parent)
	child := process.New("child", parent, nil)
	h.table.Register(child)

	parentCh := ipc.NewChannel(1, 4)
	parentConn := ipc.NewConnection(1, parentCh)
	parent.AddReaper(&process.Reaper{Remaining: 1, Conn: parentConn})

	process.Teardown(child, h.scheduler, h.dispatcher, h.init)

	h.server.handlePulse(ipc.Pulse{Type: ipc.PulseTypeChildFinish, Value: int32(child.ID)})

	res, err := parentCh.Receive(nil, nil, nil)
	require.NoError(t, err)
	require.True(t, res.IsPulse)
	assert.Equal(t, ipc.PulseTypeChildFinish, res.Pulse.Type)
	assert.Equal(t, int32(child.ID), res.Pulse.Value)

	assert.Empty(t, parent.Reapers(), "single-shot reaper is removed once its count drains to zero")

	_, ok := h.table.Lookup(child.ID)
	assert.False(t, ok, "child's pid is no longer resolvable by lookup")
}

func TestChildFinishPulseForUnknownPIDIsNoOp(t *testing.T) {
	h := newHarness(t)
	assert.NotPanics(t, func() {
		h.server.handlePulse(ipc.Pulse{Type: ipc.PulseTypeChildFinish, Value: 12345})
	})
}
