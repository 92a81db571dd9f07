// Package constants holds the kernel's fixed sizing and timing tunables —
// the Go equivalent of the original's scattered #defines.
package constants

import "time"

// Reserved identifiers (§6).
const (
	// ProcMgrPID is the well-known pid of the in-kernel process manager.
	ProcMgrPID int32 = 0

	// FirstChannelID is the smallest id a process's channel table will
	// ever assign.
	FirstChannelID int32 = 1

	// FirstConnectionID is the smallest id a process's connection table
	// will ever assign. On every non-manager process, id 1 is reserved
	// for the connection to the process manager.
	FirstConnectionID int32 = 1
)

// Scheduling and stack sizing (§3, §4.1).
const (
	// StackPageSize is the size, in bytes, of a thread's single-page
	// kernel stack. The Thread control block is carved from its top.
	StackPageSize = 4096

	// DefaultPreemptionTick is how often the simulated hardware timer
	// raises the need-resched flag.
	DefaultPreemptionTick = 10 * time.Millisecond
)

// IPC sizing (§3, §4.4, §4.5).
const (
	// MaxPulseQueueLen bounds a channel's pending-pulse queue; beyond
	// this, send_pulse drops the incoming (newest) pulse and logs a diagnostic
	// rather than let an unthrottled IRQ source exhaust memory (§4.5,
	// §9 open question on unbounded pulse growth).
	MaxPulseQueueLen = 256

	// MaxVectorFragments bounds how many (address, length) descriptors a
	// single send/receive/reply vector may carry.
	MaxVectorFragments = 64
)

// Process-manager timing (§4.7).
const (
	// ReaperPollInterval is how long the process manager's CHILD_FINISH
	// handler sleeps between checks of whether Teardown has marked the
	// terminee's process exited.
	ReaperPollInterval = 1 * time.Millisecond

	// ReaperSpinTimeout bounds the spin-wait so a wedged teardown cannot
	// hang the process manager loop forever; exceeding it is a logged
	// kernel assertion failure, not a silent success.
	ReaperSpinTimeout = 5 * time.Second
)
