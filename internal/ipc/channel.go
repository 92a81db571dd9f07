package ipc

import (
	"sync/atomic"

	"github.com/jacobsa/syncutil"

	kernelerrors "github.com/gomuos/muos/internal/errors"
	"github.com/gomuos/muos/internal/sched"
)

var nextMsgID atomic.Uint64

func allocMsgID() MsgID {
	return MsgID(nextMsgID.Add(1))
}

// MessageOwner is the per-process pending-message registry a Channel
// notifies once a message becomes Delivered, so that process's teardown
// can find every channel a message it sent is still outstanding against
// if it dies before the reply arrives (§4.4: "Sender dies before reply").
// *process.Process satisfies this structurally; internal/ipc never
// imports internal/process to avoid the cycle (process already imports
// ipc), the same split internal/intr.ProcessResolver uses to decouple
// from internal/process.
type MessageOwner interface {
	PendingMessage(id MsgID, m *Message)
	ForgetPendingMessage(id MsgID)
}

// MessageOwnerResolver resolves a sender's owning pid to its MessageOwner
// at delivery time. A Channel with no resolver set simply never
// populates any registry, which is what every bare Channel built
// directly in tests gets by leaving it nil.
type MessageOwnerResolver interface {
	ResolveMessageOwner(pid int32) (MessageOwner, bool)
}

// receiverWait is a receive() call parked Receive-blocked, carrying its
// own buffer (§4.4: "If H.receive_queue has a waiting server R... copy
// ... into R's supplied receive buffer") and the slot a direct handoff
// writes its outcome into before waking the receiver's goroutine.
type receiverWait struct {
	thread  *sched.Thread
	recvVec []IOVec
	result  ReceiveResult
	err     error
}

// ReceiveResult is what Channel.Receive hands back: either a pulse
// (IsPulse true, no Message context) or a synchronous message id the
// caller later replies to (§4.4 Receive).
type ReceiveResult struct {
	IsPulse bool
	Pulse   Pulse
	MsgID   MsgID
	N       int
}

// Channel is a receive endpoint owned by a process (§3 Channel).
// Invariant enforced by checkInvariants: at most one of
// {send-queue, receive-queue} is non-empty at any instant.
type Channel struct {
	ID ChannelID

	mu syncutil.InvariantMutex

	refcount int32
	disposed bool

	sendQueue      []*Message
	receiveWaiters []*receiverWait
	pulses         *pulseQueue
	pending        map[MsgID]*Message // delivered, not yet replied

	owners MessageOwnerResolver
}

// NewChannel creates a channel with id chid and a pulse queue bounded to
// pulseCapacity entries.
func NewChannel(chid ChannelID, pulseCapacity int) *Channel {
	c := &Channel{
		ID:       chid,
		refcount: 1,
		pulses:   newPulseQueue(pulseCapacity),
		pending:  make(map[MsgID]*Message),
	}
	c.mu = syncutil.NewInvariantMutex(c.checkInvariants)
	return c
}

// SetOwnerResolver wires a process-id-to-MessageOwner resolver into the
// channel, letting Send/Receive/Reply register and clear delivered
// messages against the sender's owning process. Left nil, as every
// Channel built directly in a unit test is, those registrations are
// simply skipped.
func (c *Channel) SetOwnerResolver(r MessageOwnerResolver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.owners = r
}

// registerPendingLocked tells msg.Sender's owning process (if this
// channel has a resolver and that pid still resolves) that msg is now
// Delivered and awaiting a reply, so teardown can act on it if the
// sender dies first. Caller must hold c.mu.
func (c *Channel) registerPendingLocked(msg *Message) {
	owner, ok := resolveOwner(c.owners, msg.Sender)
	if !ok {
		return
	}
	owner.PendingMessage(msg.ID, msg)
}

// resolveOwner looks sender's owning process up through r, reporting
// false if there is no resolver, no sender, or the pid no longer
// resolves (e.g. a bare Channel built directly in a test, or a sender
// whose process has already been unregistered).
func resolveOwner(r MessageOwnerResolver, sender *sched.Thread) (MessageOwner, bool) {
	if r == nil || sender == nil {
		return nil, false
	}
	return r.ResolveMessageOwner(sender.OwnerPID)
}

func (c *Channel) checkInvariants() {
	if len(c.sendQueue) > 0 && len(c.receiveWaiters) > 0 {
		panic("ipc: channel has both a blocked sender and a blocked receiver")
	}
}

// AddRef increments the channel's reference count (§4.3 ownership
// edges).
func (c *Channel) AddRef() {
	atomic.AddInt32(&c.refcount, 1)
}

// Release decrements the reference count and reports whether it reached
// zero, at which point the caller must call Dispose.
func (c *Channel) Release() bool {
	return atomic.AddInt32(&c.refcount, -1) == 0
}

// Send implements §4.4 S.send: it either hands the request directly to
// an already-waiting receiver, or blocks the caller Send-blocked on the
// channel. It returns once the corresponding Reply has completed (or
// the message was cancelled by teardown), with the reply byte count and
// the final status the replier (or teardown) supplied.
func (c *Channel) Send(scheduler *sched.Scheduler, sender *sched.Thread, requestVec, replyVec []IOVec) (int, kernelerrors.Code, error) {
	c.mu.Lock()

	if len(c.receiveWaiters) > 0 {
		wait := c.receiveWaiters[0]
		c.receiveWaiters = c.receiveWaiters[1:]
		receiver := wait.thread

		n, copyErr := VectoredCopy(sender.AddressSpace, requestVec, receiver.AddressSpace, wait.recvVec)

		msg := &Message{ID: allocMsgID(), Sender: sender, Receiver: receiver, Channel: c, RequestVec: requestVec, ReplyVec: replyVec, State: MessageDelivered}
		c.pending[msg.ID] = msg
		c.registerPendingLocked(msg)
		wait.result = ReceiveResult{MsgID: msg.ID, N: n}
		wait.err = copyErr

		sender.State = sched.StateReplyBlocked
		scheduler.Inherit(receiver, sender.AssignedPriority)

		c.mu.Unlock()
		scheduler.SwitchTo(sender, receiver, nil)
		return msg.finalN, msg.status, msg.copyErr
	}

	msg := &Message{ID: allocMsgID(), Sender: sender, Channel: c, RequestVec: requestVec, ReplyVec: replyVec, State: MessageUnsent}
	c.sendQueue = append(c.sendQueue, msg)

	err := scheduler.YieldNoRequeue(sender, func() {
		sender.State = sched.StateSendBlocked
		c.mu.Unlock()
	})
	if err != nil {
		c.mu.Unlock()
		return 0, kernelerrors.CodeNoMem, err
	}
	return msg.finalN, msg.status, msg.copyErr
}

// Receive implements §4.4 R.receive: pulses are served first and never
// block; then a queued synchronous message; otherwise the caller blocks
// Receive-blocked.
func (c *Channel) Receive(scheduler *sched.Scheduler, receiver *sched.Thread, buf []IOVec) (ReceiveResult, error) {
	c.mu.Lock()

	if p, ok := c.pulses.pop(); ok {
		c.mu.Unlock()
		return ReceiveResult{IsPulse: true, Pulse: p}, nil
	}

	if len(c.sendQueue) > 0 {
		msg := c.sendQueue[0]
		c.sendQueue = c.sendQueue[1:]

		n, copyErr := VectoredCopy(msg.Sender.AddressSpace, msg.RequestVec, receiver.AddressSpace, buf)
		msg.State = MessageDelivered
		msg.Receiver = receiver
		c.pending[msg.ID] = msg
		c.registerPendingLocked(msg)
		scheduler.Inherit(receiver, msg.Sender.AssignedPriority)

		c.mu.Unlock()
		return ReceiveResult{MsgID: msg.ID, N: n}, copyErr
	}

	wait := &receiverWait{thread: receiver, recvVec: buf}
	err := scheduler.YieldNoRequeue(receiver, func() {
		receiver.State = sched.StateReceiveBlocked
		c.receiveWaiters = append(c.receiveWaiters, wait)
		c.mu.Unlock()
	})
	if err != nil {
		c.mu.Unlock()
		return ReceiveResult{}, err
	}
	return wait.result, wait.err
}

// Reply implements §4.4 R.reply: resolves msgid to a still-Delivered
// Message, copies the reply payload into the sender's reply buffer, and
// readies the sender. An unknown or already-replied/cancelled msgid
// returns CodeInvalid (§4.4 failure modes).
func (c *Channel) Reply(scheduler *sched.Scheduler, replier *sched.Thread, msgid MsgID, status kernelerrors.Code, replyVec []IOVec) (int, error) {
	c.mu.Lock()
	msg, ok := c.pending[msgid]
	if !ok || msg.State != MessageDelivered {
		c.mu.Unlock()
		return 0, kernelerrors.NewChannelError("reply", int32(c.ID), kernelerrors.CodeInvalid, "unknown or already-replied message id")
	}
	delete(c.pending, msgid)
	ceiling := c.receiverCeilingLocked(replier)
	owners := c.owners
	c.mu.Unlock()

	if owner, ok := resolveOwner(owners, msg.Sender); ok {
		owner.ForgetPendingMessage(msg.ID)
	}

	n, copyErr := VectoredCopy(replier.AddressSpace, replyVec, msg.Sender.AddressSpace, msg.ReplyVec)
	msg.finalN = n
	msg.status = status
	msg.copyErr = copyErr
	msg.State = MessageReplied

	scheduler.ResetEffectivePriority(replier, ceiling)
	scheduler.EnqueueReady(msg.Sender)
	return n, copyErr
}

// receiverCeilingLocked computes the priority ceiling a receiver's
// effective priority should fall back to after replying to one message:
// the highest assigned priority among any other messages it still owes
// a reply to, or PriorityNormal if none (§4.1: "reset to the ceiling
// over its remaining waiters"). Caller must hold c.mu.
func (c *Channel) receiverCeilingLocked(receiver *sched.Thread) sched.Priority {
	ceiling := sched.PriorityNormal
	for _, m := range c.pending {
		if m.Receiver == receiver && m.Sender.AssignedPriority > ceiling {
			ceiling = m.Sender.AssignedPriority
		}
	}
	return ceiling
}

// SendPulse implements §4.5 connection.send_pulse: appends {type, value}
// to the pulse queue and readies a Receive-blocked receiver if one is
// waiting. Never blocks, never allocates on the steady-state path (the
// ring is preallocated at NewChannel time).
func (c *Channel) SendPulse(scheduler *sched.Scheduler, p Pulse) {
	c.mu.Lock()
	if len(c.receiveWaiters) > 0 {
		wait := c.receiveWaiters[0]
		c.receiveWaiters = c.receiveWaiters[1:]
		c.mu.Unlock()
		wait.result = ReceiveResult{IsPulse: true, Pulse: p}
		scheduler.EnqueueReady(wait.thread)
		return
	}
	c.pulses.push(p)
	c.mu.Unlock()
}

// Dispose implements the disposal failure modes of §4.4: every message
// still queued on this channel — sent but never delivered — is
// completed with NO_SYS, any thread left Receive-blocked is woken with
// the same status rather than left to block forever, and every message
// already delivered to a receiver that has since stopped responding
// (the receiver's owning process tore down while still holding it, §8
// Scenario 3) is answered NO_SYS too, so its sender's MsgSend never
// blocks forever waiting on a reply that can now never come.
func (c *Channel) Dispose(scheduler *sched.Scheduler) {
	c.mu.Lock()
	c.disposed = true
	pendingSends := c.sendQueue
	c.sendQueue = nil
	waiters := c.receiveWaiters
	c.receiveWaiters = nil
	delivered := make([]*Message, 0, len(c.pending))
	for id, msg := range c.pending {
		if msg.State == MessageDelivered {
			delivered = append(delivered, msg)
		}
		delete(c.pending, id)
	}
	owners := c.owners
	c.mu.Unlock()

	for _, msg := range pendingSends {
		msg.status = kernelerrors.CodeNoSys
		msg.State = MessageCancelled
		scheduler.EnqueueReady(msg.Sender)
	}
	for _, w := range waiters {
		w.err = kernelerrors.NewChannelError("receive", int32(c.ID), kernelerrors.CodeNoSys, "channel disposed while receive-blocked")
		scheduler.EnqueueReady(w.thread)
	}
	for _, msg := range delivered {
		msg.status = kernelerrors.CodeNoSys
		msg.State = MessageCancelled
		if owner, ok := resolveOwner(owners, msg.Sender); ok {
			owner.ForgetPendingMessage(msg.ID)
		}
		scheduler.EnqueueReady(msg.Sender)
	}
}

// CancelSenderMessages answers NO_SYS to every message a dying sender
// still has queued on this channel, and marks any message of theirs
// already delivered to a receiver as Cancelled so the receiver's
// eventual Reply call is a harmless no-op (§4.4: "Sender dies before
// reply ... any server holding the msgid observes its reply call as a
// no-op on an already-replied message"). Used by process teardown.
func (c *Channel) CancelSenderMessages(sender *sched.Thread) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.sendQueue[:0]
	for _, msg := range c.sendQueue {
		if msg.Sender == sender {
			msg.status = kernelerrors.CodeNoSys
			msg.State = MessageCancelled
			continue
		}
		kept = append(kept, msg)
	}
	c.sendQueue = kept

	for _, msg := range c.pending {
		if msg.Sender == sender && msg.State == MessageDelivered {
			msg.State = MessageCancelled
		}
	}
}

// SenderOf resolves a still-Delivered msgid (as handed back by Receive)
// to the thread that sent it, letting a receiver that serves several
// distinct owners — the process manager, chiefly — identify its caller
// without trusting its own OwnerPID.
func (c *Channel) SenderOf(msgid MsgID) (*sched.Thread, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg, ok := c.pending[msgid]
	if !ok {
		return nil, false
	}
	return msg.Sender, true
}

// LookupPending resolves a still-Delivered msgid to its Message, letting
// a receiver implement msggetlen/msgread's random-access reads of a
// message it hasn't replied to yet (§6).
func (c *Channel) LookupPending(msgid MsgID) (*Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	msg, ok := c.pending[msgid]
	if !ok || msg.State != MessageDelivered {
		return nil, false
	}
	return msg, true
}

// IsDisposed reports whether Dispose has already run.
func (c *Channel) IsDisposed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disposed
}
