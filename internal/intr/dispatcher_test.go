package intr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kernelerrors "github.com/gomuos/muos/internal/errors"
	"github.com/gomuos/muos/internal/hal"
	"github.com/gomuos/muos/internal/ipc"
	"github.com/gomuos/muos/internal/sched"
)

// fakeController is a test-only hal.InterruptController: Raise queues a
// line, GetRaisedIRQ pops it FIFO, and Mask/Unmask record every call so
// tests can assert on the exact transition sequence §4.6 demands.
type fakeController struct {
	pending []int
	masked  map[int]bool
	calls   []string
}

func newFakeController() *fakeController {
	return &fakeController{masked: make(map[int]bool)}
}

func (c *fakeController) Init() error { return nil }

func (c *fakeController) GetRaisedIRQ() (int, error) {
	if len(c.pending) == 0 {
		return -1, nil
	}
	irq := c.pending[0]
	c.pending = c.pending[1:]
	return irq, nil
}

func (c *fakeController) Mask(i int) error {
	c.masked[i] = true
	c.calls = append(c.calls, "mask")
	return nil
}

func (c *fakeController) Unmask(i int) error {
	c.masked[i] = false
	c.calls = append(c.calls, "unmask")
	return nil
}

func (c *fakeController) raise(irq int) { c.pending = append(c.pending, irq) }

// fakeResolver resolves every (pid, coid) pair registered via attach to a
// live *ipc.Connection, and nothing else — modelling a record whose
// process has since exited as simply absent from the map (§4.6 step 4:
// "if both exist").
type fakeResolver struct {
	conns map[int32]*ipc.Connection
}

func newFakeResolver() *fakeResolver { return &fakeResolver{conns: make(map[int32]*ipc.Connection)} }

func (r *fakeResolver) ResolveConnection(pid int32, _ ipc.ConnectionID) (*ipc.Connection, bool) {
	c, ok := r.conns[pid]
	return c, ok
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *fakeController, *fakeResolver, *sched.Scheduler) {
	t.Helper()
	pages, err := hal.NewHostPageAllocator(64)
	require.NoError(t, err)
	scheduler := sched.NewScheduler(pages)
	controller := newFakeController()
	resolver := newFakeResolver()
	d, err := NewDispatcher(controller, scheduler, resolver)
	require.NoError(t, err)
	return d, controller, resolver, scheduler
}

func TestAttachMasksThenUnmasksOnTheBlip(t *testing.T) {
	d, controller, _, _ := newTestDispatcher(t)
	rec := d.Attach(1, 7, 12, 0x42)
	require.NotNil(t, rec)
	assert.Equal(t, []string{"mask", "unmask"}, controller.calls)
	assert.Equal(t, false, controller.masked[12])
	assert.Equal(t, 0, d.lines[12].maskCount)
}

func TestDetachWithNoHandlersLeftHardMasks(t *testing.T) {
	d, controller, _, _ := newTestDispatcher(t)
	rec := d.Attach(1, 7, 12, 0x42)
	controller.calls = nil

	require.NoError(t, d.Detach(rec.ID))
	assert.Equal(t, []string{"mask"}, controller.calls)
	assert.Equal(t, true, controller.masked[12])
	assert.Equal(t, 0, d.lines[12].maskCount)
}

func TestDetachUnknownIDIsInvalid(t *testing.T) {
	d, _, _, _ := newTestDispatcher(t)
	err := d.Detach(HandlerID(999))
	require.Error(t, err)
	assert.True(t, kernelerrors.IsCode(err, kernelerrors.CodeInvalid))
}

func TestCompleteUnknownIDIsInvalid(t *testing.T) {
	d, _, _, _ := newTestDispatcher(t)
	err := d.Complete(HandlerID(999))
	require.Error(t, err)
	assert.True(t, kernelerrors.IsCode(err, kernelerrors.CodeInvalid))
}

func TestCompleteOnUnmaskedRecordIsInvalid(t *testing.T) {
	d, _, _, _ := newTestDispatcher(t)
	rec := d.Attach(1, 7, 12, 0x42)
	err := d.Complete(rec.ID)
	require.Error(t, err)
	assert.True(t, kernelerrors.IsCode(err, kernelerrors.CodeInvalid))
}

// TestIRQDeliveryEndToEnd is the §8 scenario: attach to IRQ 12 with
// param 0x42, raise IRQ 12, observe exactly one queued pulse of
// {type=IRQ, value=0x42}, and the line stays masked until the user
// completes the handler.
func TestIRQDeliveryEndToEnd(t *testing.T) {
	d, controller, resolver, _ := newTestDispatcher(t)

	conn := ipc.NewConnection(1, ipc.NewChannel(1, 4))
	resolver.conns[1] = conn

	rec := d.Attach(1, 7, 12, 0x42)
	controller.calls = nil

	controller.raise(12)
	require.NoError(t, d.HandleIRQ())

	assert.True(t, rec.Masked)
	assert.Equal(t, 1, d.lines[12].maskCount)
	assert.Equal(t, []string{"mask"}, controller.calls)

	res, err := conn.Channel.Receive(nil, nil, nil)
	require.NoError(t, err)
	require.True(t, res.IsPulse)
	assert.Equal(t, ipc.PulseTypeIRQ, res.Pulse.Type)
	assert.Equal(t, int32(0x42), res.Pulse.Value)

	require.NoError(t, d.Complete(rec.ID))
	assert.False(t, rec.Masked)
	assert.Equal(t, 0, d.lines[12].maskCount)
	assert.Equal(t, false, controller.masked[12])
}

func TestHandleIRQSkipsRecordsWithUnresolvableProcess(t *testing.T) {
	d, controller, _, _ := newTestDispatcher(t)
	rec := d.Attach(1, 7, 12, 0x42)
	controller.raise(12)

	require.NoError(t, d.HandleIRQ())
	assert.False(t, rec.Masked)
	assert.Equal(t, 0, d.lines[12].maskCount)
}

func TestHandleIRQWithNoRaisedLineIsNoOp(t *testing.T) {
	d, _, _, _ := newTestDispatcher(t)
	require.NoError(t, d.HandleIRQ())
}

func TestRegisterKernelHandlerRunsBeforeUserRecords(t *testing.T) {
	d, controller, resolver, _ := newTestDispatcher(t)
	conn := ipc.NewConnection(1, ipc.NewChannel(1, 4))
	resolver.conns[1] = conn

	var kernelRan bool
	d.RegisterKernelHandler(12, func() { kernelRan = true })
	d.Attach(1, 7, 12, 0x1)
	controller.raise(12)

	require.NoError(t, d.HandleIRQ())
	assert.True(t, kernelRan)
	res, err := conn.Channel.Receive(nil, nil, nil)
	require.NoError(t, err)
	assert.True(t, res.IsPulse)
}
