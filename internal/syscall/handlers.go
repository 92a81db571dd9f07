package syscall

import (
	"time"

	"github.com/gomuos/muos/internal/constants"
	kernelerrors "github.com/gomuos/muos/internal/errors"
	"github.com/gomuos/muos/internal/ipc"
	"github.com/gomuos/muos/internal/process"
	"github.com/gomuos/muos/internal/sched"
)

// result is a handler's raw outcome before Enter folds it into a single
// signed return value: value is meaningful only when status is
// CodeOK, and status may carry kernelerrors.ExitingCode() when the
// reply tells the calling process to tear down (the
// client-side half of exit(), §4.7: "exit replies with status EXITING,
// triggering sender-side teardown").
type result struct {
	value  int32
	status kernelerrors.Code
}

func ok(v int32) result               { return result{value: v, status: kernelerrors.CodeOK} }
func fail(c kernelerrors.Code) result { return result{status: c} }
func invalid() result                 { return fail(kernelerrors.CodeInvalid) }
func fault() result                   { return fail(kernelerrors.CodeFault) }

// findChannel resolves a msgid to one of proc's own channels. A msgid is
// only ever valid against the channel it was received on, and the
// syscall ABI (§6) does not pass that channel id back to
// msgreply/msggetlen/msgread, so the receiver's own (typically short)
// channel list is searched instead.
func findChannel(proc *process.Process, msgid ipc.MsgID) (*ipc.Channel, bool) {
	for _, ch := range proc.Channels() {
		if _, ok := ch.LookupPending(msgid); ok {
			return ch, true
		}
	}
	return nil, false
}

func handleChannelCreate(proc *process.Process, d *Deps, _ *sched.Thread, _ Args) result {
	ch := ipc.NewChannel(0, constants.MaxPulseQueueLen)
	ch.SetOwnerResolver(d.Table)
	chid := proc.AddChannel(ch)
	return ok(int32(chid))
}

func handleChannelDestroy(proc *process.Process, d *Deps, _ *sched.Thread, args Args) result {
	if !proc.RemoveChannel(d.Scheduler, ipc.ChannelID(args[0])) {
		return invalid()
	}
	return ok(0)
}

func handleConnect(proc *process.Process, d *Deps, _ *sched.Thread, args Args) result {
	target, ok2 := d.Table.Lookup(process.ID(args[0]))
	if !ok2 {
		return invalid()
	}
	ch, ok2 := target.Channel(ipc.ChannelID(args[1]))
	if !ok2 {
		return invalid()
	}
	conn := ipc.NewConnection(0, ch)
	coid := proc.AddConnection(conn)
	return ok(int32(coid))
}

func handleDisconnect(proc *process.Process, d *Deps, _ *sched.Thread, args Args) result {
	if _, ok2 := proc.Connection(ipc.ConnectionID(args[0])); !ok2 {
		return invalid()
	}
	proc.CloseConnection(d.Scheduler, ipc.ConnectionID(args[0]))
	return ok(0)
}

func handleMsgSend(proc *process.Process, d *Deps, self *sched.Thread, args Args) result {
	conn, ok2 := proc.Connection(ipc.ConnectionID(args[0]))
	if !ok2 {
		return invalid()
	}
	reqVec := []ipc.IOVec{{Addr: uintptr(args[1]), Len: int(args[2])}}
	replyVec := []ipc.IOVec{{Addr: uintptr(args[3]), Len: int(args[4])}}
	return doSend(d, self, conn, reqVec, replyVec)
}

func handleMsgSendV(proc *process.Process, d *Deps, self *sched.Thread, args Args) result {
	conn, ok2 := proc.Connection(ipc.ConnectionID(args[0]))
	if !ok2 {
		return invalid()
	}
	reqVec, err := readUserVec(self.AddressSpace, uintptr(args[1]), args[2])
	if err != nil {
		return fault()
	}
	replyVec, err := readUserVec(self.AddressSpace, uintptr(args[3]), args[4])
	if err != nil {
		return fault()
	}
	return doSend(d, self, conn, reqVec, replyVec)
}

func doSend(d *Deps, self *sched.Thread, conn *ipc.Connection, reqVec, replyVec []ipc.IOVec) result {
	start := time.Now()
	n, status, err := conn.Send(d.Scheduler, self, reqVec, replyVec)
	if err != nil {
		return fault()
	}
	switch {
	case status == kernelerrors.CodeOK:
		d.observer().ObserveMessage(uint64(n), uint64(time.Since(start)))
		return ok(int32(n))
	case kernelerrors.IsExiting(status):
		d.observer().ObserveMessage(uint64(n), uint64(time.Since(start)))
	default:
		d.observer().ObserveMessageDropped()
	}
	return fail(status)
}

func handleMsgReceive(proc *process.Process, d *Deps, self *sched.Thread, args Args) result {
	ch, ok2 := proc.Channel(ipc.ChannelID(args[0]))
	if !ok2 {
		return invalid()
	}
	recvVec := []ipc.IOVec{{Addr: uintptr(args[2]), Len: int(args[3])}}
	return doReceive(self, ch, d, uintptr(args[1]), recvVec)
}

func handleMsgReceiveV(proc *process.Process, d *Deps, self *sched.Thread, args Args) result {
	ch, ok2 := proc.Channel(ipc.ChannelID(args[0]))
	if !ok2 {
		return invalid()
	}
	recvVec, err := readUserVec(self.AddressSpace, uintptr(args[2]), args[3])
	if err != nil {
		return fault()
	}
	return doReceive(self, ch, d, uintptr(args[1]), recvVec)
}

// doReceive implements msgreceive/msgreceivev: a pulse is written into
// the same buffer the caller supplied for a message (§5: "pulses are
// delivered ... always before synchronous messages when both are
// present") and reported back with msgid 0, the convention a caller
// uses to tell the two apart without a separate out-parameter.
func doReceive(self *sched.Thread, ch *ipc.Channel, d *Deps, msgidAddr uintptr, recvVec []ipc.IOVec) result {
	res, err := ch.Receive(d.Scheduler, self, recvVec)
	if err != nil {
		return fault()
	}
	if res.IsPulse {
		d.observer().ObservePulse(false)
		if len(recvVec) > 0 {
			if err := writePulse(self.AddressSpace, recvVec[0].Addr, res.Pulse); err != nil {
				return fault()
			}
		}
		if err := writeInt32(self.AddressSpace, msgidAddr, 0); err != nil {
			return fault()
		}
		return ok(8)
	}
	if err := writeInt32(self.AddressSpace, msgidAddr, int32(res.MsgID)); err != nil {
		return fault()
	}
	return ok(int32(res.N))
}

func handleMsgReply(proc *process.Process, d *Deps, self *sched.Thread, args Args) result {
	ch, ok2 := findChannel(proc, ipc.MsgID(args[0]))
	if !ok2 {
		return invalid()
	}
	replyVec := []ipc.IOVec{{Addr: uintptr(args[2]), Len: int(args[3])}}
	return doReply(d, self, ch, ipc.MsgID(args[0]), args[1], replyVec)
}

func handleMsgReplyV(proc *process.Process, d *Deps, self *sched.Thread, args Args) result {
	ch, ok2 := findChannel(proc, ipc.MsgID(args[0]))
	if !ok2 {
		return invalid()
	}
	replyVec, err := readUserVec(self.AddressSpace, uintptr(args[2]), args[3])
	if err != nil {
		return fault()
	}
	return doReply(d, self, ch, ipc.MsgID(args[0]), args[1], replyVec)
}

func doReply(d *Deps, self *sched.Thread, ch *ipc.Channel, msgid ipc.MsgID, statusArg int32, replyVec []ipc.IOVec) result {
	n, err := ch.Reply(d.Scheduler, self, msgid, kernelerrors.CodeFromErrno(statusArg), replyVec)
	if err != nil {
		return invalid()
	}
	return ok(int32(n))
}

func handleMsgGetLen(proc *process.Process, _ *Deps, _ *sched.Thread, args Args) result {
	ch, ok2 := findChannel(proc, ipc.MsgID(args[0]))
	if !ok2 {
		return invalid()
	}
	msg, ok2 := ch.LookupPending(ipc.MsgID(args[0]))
	if !ok2 {
		return invalid()
	}
	return ok(int32(vecTotalLen(msg.RequestVec)))
}

func handleMsgRead(proc *process.Process, _ *Deps, self *sched.Thread, args Args) result {
	ch, ok2 := findChannel(proc, ipc.MsgID(args[0]))
	if !ok2 {
		return invalid()
	}
	msg, ok2 := ch.LookupPending(ipc.MsgID(args[0]))
	if !ok2 {
		return invalid()
	}
	dstVec := []ipc.IOVec{{Addr: uintptr(args[2]), Len: int(args[3])}}
	n, err := readAtOffset(msg.Sender.AddressSpace, msg.RequestVec, int(args[1]), self.AddressSpace, dstVec)
	if err != nil {
		return fault()
	}
	return ok(int32(n))
}

func handleMsgReadV(proc *process.Process, _ *Deps, self *sched.Thread, args Args) result {
	ch, ok2 := findChannel(proc, ipc.MsgID(args[0]))
	if !ok2 {
		return invalid()
	}
	msg, ok2 := ch.LookupPending(ipc.MsgID(args[0]))
	if !ok2 {
		return invalid()
	}
	dstVec, err := readUserVec(self.AddressSpace, uintptr(args[2]), args[3])
	if err != nil {
		return fault()
	}
	n, err := readAtOffset(msg.Sender.AddressSpace, msg.RequestVec, int(args[1]), self.AddressSpace, dstVec)
	if err != nil {
		return fault()
	}
	return ok(int32(n))
}
