package procmgr

import (
	"time"

	"github.com/gomuos/muos/internal/constants"
	kernelerrors "github.com/gomuos/muos/internal/errors"
	"github.com/gomuos/muos/internal/hal"
	"github.com/gomuos/muos/internal/intr"
	"github.com/gomuos/muos/internal/ipc"
	"github.com/gomuos/muos/internal/logging"
	"github.com/gomuos/muos/internal/process"
	"github.com/gomuos/muos/internal/sched"
)

var procmgrLog = logging.Default().WithSubsystem("procmgr")

const headerBufAddr uintptr = 0

// Server is the process manager (§4.7): a kernel thread bound to the
// well-known channel every other process reaches at local connection id
// 1, dispatching the ProcMgr wire protocol and the child-reaper
// notification path.
type Server struct {
	Process    *process.Process
	Channel    *ipc.Channel
	Table      *process.Table
	Dispatcher *intr.Dispatcher
	Scheduler  *sched.Scheduler
	Pages      hal.PageAllocator

	scratch hal.AddressSpace
	init    *process.Process

	nextVirtAddr uintptr
}

// NewServer builds the manager's process (pinned to constants.ProcMgrPID)
// and its well-known channel, and registers both in table.
func NewServer(scheduler *sched.Scheduler, pages hal.PageAllocator, dispatcher *intr.Dispatcher, table *process.Table, init *process.Process, scratch hal.AddressSpace) *Server {
	proc := process.NewWithID(process.ID(constants.ProcMgrPID), "procmgr", nil, nil)
	table.Register(proc)

	ch := ipc.NewChannel(1, constants.MaxPulseQueueLen)
	ch.SetOwnerResolver(table)
	proc.AddChannel(ch)

	return &Server{
		Process:      proc,
		Channel:      ch,
		Table:        table,
		Dispatcher:   dispatcher,
		Scheduler:    scheduler,
		Pages:        pages,
		scratch:      scratch,
		init:         init,
		nextVirtAddr: 0x40000000,
	}
}

// Run is the manager's dispatch loop (§4.7). It never returns in normal
// operation; run it on its own scheduler thread.
func (s *Server) Run(self *sched.Thread) {
	buf := make([]byte, 8+payloadSize)
	recvVec := []ipc.IOVec{{Addr: headerBufAddr, Len: len(buf)}}

	for {
		res, err := s.Channel.Receive(s.Scheduler, self, recvVec)
		if err != nil {
			procmgrLog.Error("receive failed", "error", err)
			continue
		}
		if res.IsPulse {
			s.handlePulse(res.Pulse)
			continue
		}
		if _, err := self.AddressSpace.ReadAt(headerBufAddr, buf[:res.N]); err != nil {
			procmgrLog.Error("failed reading request header", "error", err)
			continue
		}

		senderPID := int32(-1)
		if sender, ok := s.Channel.SenderOf(res.MsgID); ok {
			senderPID = sender.OwnerPID
		}
		s.dispatch(self, senderPID, res.MsgID, buf)
	}
}

// dispatch resolves senderPID once per request — via Channel.SenderOf,
// since self is the manager's own receiving thread and its OwnerPID is
// always constants.ProcMgrPID — and hands it to every handler rather
// than letting each rediscover it.
func (s *Server) dispatch(self *sched.Thread, senderPID int32, msgID ipc.MsgID, data []byte) {
	switch unmarshalType(data) {
	case MsgExit:
		s.handleExit(self, msgID)
	case MsgSignal:
		s.handleSignal(self, senderPID, msgID, unmarshalSignalRequest(data))
	case MsgGetPID:
		s.handleGetPID(self, senderPID, msgID)
	case MsgInterruptAttach:
		s.handleInterruptAttach(self, senderPID, msgID, unmarshalInterruptAttachRequest(data))
	case MsgInterruptDetach:
		s.handleInterruptDetach(self, senderPID, msgID, unmarshalHandlerID(data))
	case MsgInterruptComplete:
		s.handleInterruptComplete(self, msgID, unmarshalHandlerID(data))
	case MsgMapPhys:
		s.handleMapPhys(self, senderPID, msgID, unmarshalMapPhysRequest(data))
	default:
		s.reply(self, msgID, kernelerrors.CodeNoSys, nil)
	}
}

func (s *Server) reply(self *sched.Thread, msgID ipc.MsgID, status kernelerrors.Code, payload []byte) {
	if len(payload) > 0 {
		if _, err := self.AddressSpace.WriteAt(headerBufAddr, payload); err != nil {
			procmgrLog.Error("failed writing reply payload", "error", err)
			return
		}
	}
	vec := []ipc.IOVec{{Addr: headerBufAddr, Len: len(payload)}}
	if _, err := s.Channel.Reply(s.Scheduler, self, msgID, status, vec); err != nil {
		procmgrLog.Error("reply failed", "error", err)
	}
}

// handleExit implements §4.7's "exit replies with status EXITING,
// triggering sender-side teardown."
func (s *Server) handleExit(self *sched.Thread, msgID ipc.MsgID) {
	if _, err := s.Channel.Reply(s.Scheduler, self, msgID, kernelerrors.ExitingCode(), nil); err != nil {
		procmgrLog.Error("exit reply failed", "error", err)
	}
}

// handleSignal implements "signal(self) is equivalent to exit"; remote
// signal delivery is left undecided by §4.7 ("not yet defined") and is
// answered NO_SYS here rather than guessed at.
func (s *Server) handleSignal(self *sched.Thread, senderPID int32, msgID ipc.MsgID, req SignalRequest) {
	if req.PID == senderPID {
		s.handleExit(self, msgID)
		return
	}
	s.reply(self, msgID, kernelerrors.CodeNoSys, nil)
}

func (s *Server) handleGetPID(self *sched.Thread, senderPID int32, msgID ipc.MsgID) {
	s.reply(self, msgID, kernelerrors.CodeOK, marshalGetPIDReply(GetPIDReply{PID: senderPID}))
}

func (s *Server) handleInterruptAttach(self *sched.Thread, senderPID int32, msgID ipc.MsgID, req InterruptAttachRequest) {
	rec := s.Dispatcher.Attach(senderPID, ipc.ConnectionID(req.ConnID), int(req.IRQ), req.Param)
	if owner, ok := s.Table.Lookup(process.ID(senderPID)); ok {
		owner.AddHandler(rec)
	}
	s.reply(self, msgID, kernelerrors.CodeOK, marshalInterruptAttachReply(InterruptAttachReply{HandlerID: uint64(rec.ID)}))
}

func (s *Server) handleInterruptDetach(self *sched.Thread, senderPID int32, msgID ipc.MsgID, handlerID uint64) {
	id := intr.HandlerID(handlerID)
	err := s.Dispatcher.Detach(id)
	if owner, ok := s.Table.Lookup(process.ID(senderPID)); ok {
		owner.RemoveHandler(id)
	}
	if err != nil {
		s.reply(self, msgID, kernelerrors.CodeInvalid, nil)
		return
	}
	s.reply(self, msgID, kernelerrors.CodeOK, nil)
}

func (s *Server) handleInterruptComplete(self *sched.Thread, msgID ipc.MsgID, handlerID uint64) {
	if err := s.Dispatcher.Complete(intr.HandlerID(handlerID)); err != nil {
		s.reply(self, msgID, kernelerrors.CodeInvalid, nil)
		return
	}
	s.reply(self, msgID, kernelerrors.CodeOK, nil)
}

// handleMapPhys allocates virtual pages in the sender's address space
// mapped to the caller-supplied physical range (§4.7). PhysAddr is
// treated as a page-granular offset into the simulated physical pool,
// consistent with how hal.PageHandle is opaque everywhere else in this
// codebase.
func (s *Server) handleMapPhys(self *sched.Thread, senderPID int32, msgID ipc.MsgID, req MapPhysRequest) {
	owner, ok := s.Table.Lookup(process.ID(senderPID))
	if !ok || owner.Address == nil {
		s.reply(self, msgID, kernelerrors.CodeInvalid, nil)
		return
	}

	pageSize := uintptr(constants.StackPageSize)
	pageCount := (uintptr(req.Len) + pageSize - 1) / pageSize
	if pageCount == 0 {
		pageCount = 1
	}

	virtBase := s.nextVirtAddr
	s.nextVirtAddr += pageCount * pageSize

	for i := uintptr(0); i < pageCount; i++ {
		handle := hal.PageHandle(req.PhysAddr/uint64(pageSize) + uint64(i))
		if err := owner.Address.MapPage(virtBase+i*pageSize, handle, true); err != nil {
			s.reply(self, msgID, kernelerrors.CodeFault, nil)
			return
		}
	}
	s.reply(self, msgID, kernelerrors.CodeOK, marshalMapPhysReply(MapPhysReply{VirtAddr: uint64(virtBase)}))
}

// handlePulse implements the CHILD_FINISH path: find the terminee by
// pid, poll (sleeping constants.ReaperPollInterval between checks, for
// at most constants.ReaperSpinTimeout) until Teardown has marked it
// exited, then notify the terminee's parent (§4.7).
func (s *Server) handlePulse(p ipc.Pulse) {
	if p.Type != ipc.PulseTypeChildFinish {
		return
	}
	terminee, ok := s.Table.Lookup(process.ID(p.Value))
	if !ok {
		return
	}

	deadline := time.Now().Add(constants.ReaperSpinTimeout)
	for !terminee.Exited() {
		if time.Now().After(deadline) {
			procmgrLog.Error("reaper spin-wait exceeded deadline", "pid", p.Value)
			return
		}
		time.Sleep(constants.ReaperPollInterval)
	}

	parent := terminee.Parent()
	if parent != nil {
		for _, r := range parent.Reapers() {
			if !r.Matches(terminee.ID) {
				continue
			}
			if r.Conn != nil {
				r.Conn.SendPulse(s.Scheduler, ipc.Pulse{Type: ipc.PulseTypeChildFinish, Value: int32(terminee.ID)})
			}
			r.Remaining--
			if r.Remaining <= 0 {
				parent.RemoveReaper(r.ID)
			}
		}
	}

	// The pid becomes unresolvable only once the reap handshake above
	// has run (§8 scenario 5: "child's pid is no longer resolvable by
	// lookup") — not the moment Teardown marks the process exited.
	s.Table.Unregister(terminee.ID)
}
