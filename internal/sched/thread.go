// Package sched implements the thread scheduler (§4.1): per-priority
// ready queues, the context-switch discipline, yield variants,
// preemption, and priority inheritance. A kernel Thread cannot be backed
// by a real ARMv6 register file and raw stack here — Go gives no way to
// save/restore an arbitrary call stack under program control — so each
// Thread is instead backed by one goroutine, permanently parked on its
// own channel until the scheduler explicitly resumes it. "Context
// switch" becomes "wake the incoming thread's goroutine, then park the
// outgoing one," which preserves every invariant in §8 (ready-queue
// membership, one Running thread at a time, priority-ordered dispatch)
// without the literal register save the original performs.
package sched

import (
	"github.com/gomuos/muos/internal/hal"
	"github.com/gomuos/muos/internal/kmath"
	"github.com/gomuos/muos/internal/logging"
)

// Priority is the thread's scheduling class. IO always dispatches ahead
// of Normal; within a class, dispatch is FIFO.
type Priority int

const (
	PriorityNormal Priority = iota
	PriorityIO
)

func (p Priority) String() string {
	if p == PriorityIO {
		return "IO"
	}
	return "Normal"
}

// State is a Thread's scheduling state (§3 Thread).
type State int

const (
	StateReady State = iota
	StateRunning
	StateSendBlocked
	StateReplyBlocked
	StateReceiveBlocked
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "Ready"
	case StateRunning:
		return "Running"
	case StateSendBlocked:
		return "Send-blocked"
	case StateReplyBlocked:
		return "Reply-blocked"
	case StateReceiveBlocked:
		return "Receive-blocked"
	case StateFinished:
		return "Finished"
	default:
		return "unknown"
	}
}

// ID uniquely identifies a Thread within a Scheduler, monotonically
// allocated.
type ID uint64

// Thread is the kernel's schedulable unit (§3). OwnerPID is the pid of
// the owning process; the process manager's own thread carries
// constants.ProcMgrPID (§4.7). StackPage is the single physical page backing this
// thread's (simulated) kernel stack; the Thread control block
// conceptually lives at the top of it, though here it is simply this Go
// struct.
type Thread struct {
	ID                ID
	OwnerPID          int32
	AssignedPriority  Priority
	EffectivePriority Priority
	State             State
	StackPage         hal.PageHandle

	// AddressSpace is the thread's owning process's MMU handle, used by
	// ipc.VectoredCopy to move IPC payloads in and out of this thread's
	// buffers. Nil for a thread with no address space. The process
	// manager's thread is given the manager's scratch space for staging
	// wire headers, although the manager's Process itself has none (§3
	// Process: "AddressSpace handle (may be null for the manager)").
	AddressSpace hal.AddressSpace

	// JoinWaiter is a slot for the thread, if any, blocked waiting for
	// this one to reach Finished. Nothing in the kernel sets or reads it;
	// the process manager's reaper wait polls Process.Exited (§4.7).
	JoinWaiter *Thread

	// wake is the baton: exactly one value is sent to resume this
	// thread's goroutine from its parked state.
	wake chan struct{}
	// savedInterruptDepth mirrors the original's "rewrite the outgoing
	// thread's saved PSR to record the interrupt-enable state in force
	// before the switch" (§4.1 step 3): restored when this thread is
	// switched back in.
	savedInterruptDepth int

	// done is closed once the thread's entry function returns, so
	// Scheduler.Join can wait on it without busy-polling.
	done chan struct{}

	// list membership, intrusive (see list.go).
	listNext, listPrev *Thread
	listOwner           *threadList
}

// dispatchPriority is the ready queue a thread belongs in: the ceiling
// of assigned and effective (§4.1 "selected by max(assigned, effective)").
func (t *Thread) dispatchPriority() Priority {
	return kmath.Max(t.AssignedPriority, t.EffectivePriority)
}

func newThread(id ID, ownerPID int32, priority Priority, stackPage hal.PageHandle) *Thread {
	return &Thread{
		ID:                id,
		OwnerPID:          ownerPID,
		AssignedPriority:  priority,
		EffectivePriority: priority,
		State:             StateReady,
		StackPage:         stackPage,
		wake:              make(chan struct{}, 1),
		done:              make(chan struct{}),
	}
}

var schedLog = logging.Default().WithSubsystem("sched")
