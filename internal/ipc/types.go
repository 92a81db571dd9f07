// Package ipc implements the synchronous channel/connection/message
// state machine and the asynchronous pulse path (§4.3, §4.4, §4.5):
// vectored copy-in/copy-out between address spaces, send/receive/reply,
// priority inheritance at the send boundary, and the failure modes that
// fire when a party dies mid-transaction.
package ipc

import "github.com/gomuos/muos/internal/sched"

// ChannelID identifies a Channel within the process that owns it
// (§3 Process: "tables mapping small integer ids to channels").
type ChannelID int32

// ConnectionID identifies a Connection within the process that owns it.
type ConnectionID int32

// MsgID identifies an in-flight Message within a receiving thread's
// pending-messages map (§4.4: "a message id that R uses to later
// reply").
type MsgID uint64

// IOVec is one fragment of a vectored copy descriptor: Addr is an
// address in the owning thread's AddressSpace, Len its byte length.
type IOVec struct {
	Addr uintptr
	Len  int
}

func vecLen(vec []IOVec) int {
	total := 0
	for _, v := range vec {
		total += v.Len
	}
	return total
}

// Pulse is a fixed-size asynchronous record (§3, §6: "{int type, int
// value}, each 32 bits").
type Pulse struct {
	Type  int32
	Value int32
}

// Pulse types used internally by the kernel (§4.6, §4.7).
const (
	PulseTypeIRQ         int32 = 1
	PulseTypeChildFinish int32 = 2
)

// priorityOf reports t's assigned scheduling priority, or PriorityNormal
// if t is nil (a nil sender/receiver never happens on the hot path but
// keeps helper code total).
func priorityOf(t *sched.Thread) sched.Priority {
	if t == nil {
		return sched.PriorityNormal
	}
	return t.AssignedPriority
}
