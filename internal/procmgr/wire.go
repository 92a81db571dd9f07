// Package procmgr implements the in-kernel process manager (§4.7): a
// kernel thread bound to the well-known connection every other process
// reaches at local connection id 1, dispatching exit, signal, getpid,
// interrupt attach/detach/complete, and map_phys requests, plus the
// child-reaper notification path driven by CHILD_FINISH pulses.
package procmgr

import "unsafe"

// MsgType tags the leading 32-bit word of every ProcMgr request (§6
// "ProcMgr wire format").
type MsgType uint32

const (
	MsgExit MsgType = iota
	MsgSignal
	MsgGetPID
	MsgInterruptAttach
	MsgInterruptDetach
	MsgInterruptComplete
	MsgMapPhys
)

// payloadSize is big enough to hold the largest request payload below
// (MapPhysRequest's two uint64 fields) so a single fixed-size
// ProcMgrHeader can stand in for the union the original ABI uses.
const payloadSize = 16

// ProcMgrHeader is the fixed-size envelope every ProcMgr request and
// reply is received into (§4.7: "Receive into a buffer sized to
// max(sizeof(ProcMgrHeader), sizeof(Pulse))") — a type tag plus a
// byte array wide enough for any payload, decoded per-type by the
// Unmarshal helpers in marshal.go.
type ProcMgrHeader struct {
	Type    uint32
	_       uint32 // alignment padding, explicit rather than left implicit
	Payload [payloadSize]byte
}

var _ [24]byte = [unsafe.Sizeof(ProcMgrHeader{})]byte{}

// SignalRequest is MsgSignal's payload: {pid}.
type SignalRequest struct {
	PID int32
}

// InterruptAttachRequest is MsgInterruptAttach's payload: {coid, irq, param}.
type InterruptAttachRequest struct {
	ConnID int32
	IRQ    int32
	Param  int32
}

// InterruptAttachReply carries back the new handler id, or an error
// status if attach failed.
type InterruptAttachReply struct {
	HandlerID uint64
}

// InterruptDetachRequest and InterruptCompleteRequest are both
// {handler-id}; kept as distinct types so callers can't mix them up by
// accident even though the wire shape is identical.
type InterruptDetachRequest struct {
	HandlerID uint64
}

type InterruptCompleteRequest struct {
	HandlerID uint64
}

// MapPhysRequest is MsgMapPhys's payload: {physaddr, len}.
type MapPhysRequest struct {
	PhysAddr uint64
	Len      uint64
}

// MapPhysReply carries back the virtual address the range was mapped at.
type MapPhysReply struct {
	VirtAddr uint64
}

// GetPIDReply carries back the sender's pid.
type GetPIDReply struct {
	PID int32
}
