package syscall

import (
	"context"
	"fmt"

	"github.com/jacobsa/reqtrace"

	kernelerrors "github.com/gomuos/muos/internal/errors"
	"github.com/gomuos/muos/internal/intr"
	"github.com/gomuos/muos/internal/ipc"
	"github.com/gomuos/muos/internal/logging"
	"github.com/gomuos/muos/internal/metrics"
	"github.com/gomuos/muos/internal/process"
	"github.com/gomuos/muos/internal/sched"
)

var syscallLog = logging.Default().WithSubsystem("syscall")

// Deps is the fixed set of kernel singletons a syscall handler may
// touch (§9: "global singletons ... owned by a Kernel root object").
type Deps struct {
	Scheduler  *sched.Scheduler
	Table      *process.Table
	Dispatcher *intr.Dispatcher
	Init       *process.Process

	// Observer records syscall and teardown events; a nil Observer
	// behaves like metrics.NoOpObserver so callers (and the existing
	// test harness) never need to set it.
	Observer metrics.Observer

	// ProcMgrChannel is the process manager's own well-known channel. A
	// nil channel (the existing test harness never sets one) simply
	// means a dying process's EXITING teardown never reaches the
	// reaper-notification path, exactly as before this field existed.
	ProcMgrChannel *ipc.Channel
}

func (d *Deps) observer() metrics.Observer {
	if d.Observer == nil {
		return metrics.NoOpObserver{}
	}
	return d.Observer
}

type handlerFunc func(proc *process.Process, d *Deps, self *sched.Thread, args Args) result

var handlers = map[Number]handlerFunc{
	ChannelCreate:  handleChannelCreate,
	ChannelDestroy: handleChannelDestroy,
	Connect:        handleConnect,
	Disconnect:     handleDisconnect,
	MsgSend:        handleMsgSend,
	MsgSendV:       handleMsgSendV,
	MsgReceive:     handleMsgReceive,
	MsgReceiveV:    handleMsgReceiveV,
	MsgReply:       handleMsgReply,
	MsgReplyV:      handleMsgReplyV,
	MsgGetLen:      handleMsgGetLen,
	MsgRead:        handleMsgRead,
	MsgReadV:       handleMsgReadV,
}

// exitingErrno is returned to the caller's register in place of a real
// errno when a syscall triggers teardown: the thread whose process just
// tore down never meaningfully observes this value, but Enter must
// still return something.
const exitingErrno int32 = -1

// Enter is the syscall entry point (§4.8). self is this thread,
// recovered by the caller from THREAD_CURRENT the way step 1 describes;
// interrupts are already enabled by the time user code can trap in, so
// step 2 reduces to running the per-number handler directly.
func Enter(d *Deps, self *sched.Thread, num Number, args Args) int32 {
	_, report := reqtrace.StartSpan(context.Background(), num.String())

	proc, procOK := d.Table.Lookup(process.ID(self.OwnerPID))
	if !procOK {
		report(fmt.Errorf("syscall from unregistered pid %d", self.OwnerPID))
		return -kernelerrors.CodeInvalid.Errno()
	}

	handler, known := handlers[num]
	var res result
	if !known {
		res = fail(kernelerrors.CodeNoSys)
	} else {
		res = handler(proc, d, self, args)
	}
	if res.status != kernelerrors.CodeOK && !kernelerrors.IsExiting(res.status) {
		report(fmt.Errorf("syscall %s failed: %s", num, res.status))
	} else {
		report(nil)
	}

	// Step 3: check and clear need_resched, yielding-with-requeue if it
	// was set.
	d.Scheduler.CheckPreemption(self)

	// Step 4: EXITING drives teardown of the calling thread's own
	// process instead of returning a value to user space.
	if kernelerrors.IsExiting(res.status) {
		syscallLog.Info("syscall observed EXITING, tearing down caller", "pid", self.OwnerPID, "syscall", num.String())
		process.Teardown(proc, d.Scheduler, d.Dispatcher, d.Init)
		if d.ProcMgrChannel != nil {
			d.ProcMgrChannel.SendPulse(d.Scheduler, ipc.Pulse{Type: ipc.PulseTypeChildFinish, Value: int32(proc.ID)})
		}
		d.observer().ObserveSyscall(true)
		d.observer().ObserveProcessReaped()
		return exitingErrno
	}

	d.observer().ObserveSyscall(res.status == kernelerrors.CodeOK)

	if res.status != kernelerrors.CodeOK {
		return -res.status.Errno()
	}
	return res.value
}
