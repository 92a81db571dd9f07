// Package metrics tracks kernel-wide operational statistics: syscall and
// message counts and latencies, pulse delivery/drop counts, context
// switches, and interrupt dispatch counts. It is grounded on the
// teacher's root `metrics.go` (atomic counters, a latency histogram with
// percentile interpolation, a point-in-time Snapshot, and a pluggable
// Observer interface) retargeted from block-device I/O events to kernel
// events.
package metrics

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds,
// covering a microkernel's expected range: from 1us for an uncontended
// syscall up to 1s for a message that waited on a busy server.
var LatencyBuckets = []uint64{
	1_000,      // 1us
	10_000,     // 10us
	100_000,    // 100us
	1_000_000,  // 1ms
	10_000_000, // 10ms
	100_000_000, // 100ms
	1_000_000_000, // 1s
}

const numLatencyBuckets = 7

// Metrics tracks performance and operational statistics for one kernel
// instance.
type Metrics struct {
	// Syscall counters
	SyscallCount  atomic.Uint64 // Total syscall entries (§4.8)
	SyscallErrors atomic.Uint64 // Syscalls that returned a non-OK status

	// Message counters
	MessagesSent    atomic.Uint64 // Completed Send calls (request delivered, reply received)
	MessagesDropped atomic.Uint64 // Send/Receive calls answered NO_SYS by channel disposal
	BytesCopied     atomic.Uint64 // Cumulative bytes moved by VectoredCopy across all sends and replies

	// Pulse counters
	PulsesDelivered atomic.Uint64 // Pulses handed to a receiver, queued or direct
	PulsesDropped   atomic.Uint64 // Pulses dropped because the queue was full (§4.5)

	// Scheduling counters
	ContextSwitches atomic.Uint64 // SwitchTo invocations
	Preemptions     atomic.Uint64 // CheckPreemption calls that actually yielded

	// Interrupt counters
	InterruptsDispatched atomic.Uint64 // Dispatcher.HandleIRQ invocations
	InterruptsDropped    atomic.Uint64 // IRQs raised with no registered handler

	// Process lifecycle
	ProcessesSpawned atomic.Uint64
	ProcessesReaped  atomic.Uint64

	// Latency tracking (message round trip: send to reply, §4.4)
	TotalLatencyNs atomic.Uint64
	LatencyCount   atomic.Uint64
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64 // UnixNano at NewMetrics
	StopTime  atomic.Int64 // UnixNano at Stop, 0 while running
}

// NewMetrics creates a metrics instance with StartTime set to now.
func NewMetrics(now time.Time) *Metrics {
	m := &Metrics{}
	m.StartTime.Store(now.UnixNano())
	return m
}

// RecordSyscall records one syscall entry (§4.8), counting it as an error
// when ok is false.
func (m *Metrics) RecordSyscall(ok bool) {
	m.SyscallCount.Add(1)
	if !ok {
		m.SyscallErrors.Add(1)
	}
}

// RecordMessage records one completed Send/Reply round trip (§4.4).
func (m *Metrics) RecordMessage(bytes uint64, latencyNs uint64) {
	m.MessagesSent.Add(1)
	m.BytesCopied.Add(bytes)
	m.recordLatency(latencyNs)
}

// RecordMessageDropped records a Send or Receive answered NO_SYS by
// channel disposal (§4.4 disposal failure modes).
func (m *Metrics) RecordMessageDropped() {
	m.MessagesDropped.Add(1)
}

// RecordPulse records one pulse delivery outcome (§4.5).
func (m *Metrics) RecordPulse(dropped bool) {
	if dropped {
		m.PulsesDropped.Add(1)
		return
	}
	m.PulsesDelivered.Add(1)
}

// RecordContextSwitch records one SwitchTo (§4.1 step-by-step context
// switch).
func (m *Metrics) RecordContextSwitch() {
	m.ContextSwitches.Add(1)
}

// RecordPreemption records one CheckPreemption call that actually yielded
// (§4.8 step 3).
func (m *Metrics) RecordPreemption() {
	m.Preemptions.Add(1)
}

// RecordInterrupt records one dispatched IRQ, or a dropped one if no
// handler was registered (§4.6).
func (m *Metrics) RecordInterrupt(dropped bool) {
	if dropped {
		m.InterruptsDropped.Add(1)
		return
	}
	m.InterruptsDispatched.Add(1)
}

// RecordProcessSpawned records one process creation.
func (m *Metrics) RecordProcessSpawned() {
	m.ProcessesSpawned.Add(1)
}

// RecordProcessReaped records one process torn down and collected by the
// reaper (§4.7).
func (m *Metrics) RecordProcessReaped() {
	m.ProcessesReaped.Add(1)
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.LatencyCount.Add(1)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the kernel instance as stopped for uptime accounting.
func (m *Metrics) Stop(now time.Time) {
	m.StopTime.Store(now.UnixNano())
}

// Snapshot is a point-in-time copy of Metrics' counters plus derived
// statistics computed from them.
type Snapshot struct {
	SyscallCount  uint64
	SyscallErrors uint64

	MessagesSent    uint64
	MessagesDropped uint64
	BytesCopied     uint64

	PulsesDelivered uint64
	PulsesDropped   uint64

	ContextSwitches uint64
	Preemptions     uint64

	InterruptsDispatched uint64
	InterruptsDropped    uint64

	ProcessesSpawned uint64
	ProcessesReaped  uint64

	AvgLatencyNs  uint64
	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	UptimeNs  uint64
	ErrorRate float64 // percentage of syscalls that returned non-OK
}

// Snapshot captures every counter atomically-enough for reporting and
// computes the derived fields (§9 "diagnostics exposed for the debug
// console", cmd/muos-sim's snapshot command).
func (m *Metrics) Snapshot(now time.Time) Snapshot {
	snap := Snapshot{
		SyscallCount:         m.SyscallCount.Load(),
		SyscallErrors:        m.SyscallErrors.Load(),
		MessagesSent:         m.MessagesSent.Load(),
		MessagesDropped:      m.MessagesDropped.Load(),
		BytesCopied:          m.BytesCopied.Load(),
		PulsesDelivered:      m.PulsesDelivered.Load(),
		PulsesDropped:        m.PulsesDropped.Load(),
		ContextSwitches:      m.ContextSwitches.Load(),
		Preemptions:          m.Preemptions.Load(),
		InterruptsDispatched: m.InterruptsDispatched.Load(),
		InterruptsDropped:    m.InterruptsDropped.Load(),
		ProcessesSpawned:     m.ProcessesSpawned.Load(),
		ProcessesReaped:      m.ProcessesReaped.Load(),
	}

	totalLatencyNs := m.TotalLatencyNs.Load()
	latencyCount := m.LatencyCount.Load()
	if latencyCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / latencyCount
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(now.UnixNano() - startTime)
	}

	if snap.SyscallCount > 0 {
		snap.ErrorRate = float64(snap.SyscallErrors) / float64(snap.SyscallCount) * 100.0
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile
// (0.0-1.0) by linear interpolation between histogram buckets, exactly
// as the teacher's ublk.Metrics.calculatePercentile does.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	total := m.LatencyCount.Load()
	if total == 0 {
		return 0
	}

	targetCount := uint64(float64(total) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}
	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset zeroes every counter and restarts the uptime clock.
func (m *Metrics) Reset(now time.Time) {
	m.SyscallCount.Store(0)
	m.SyscallErrors.Store(0)
	m.MessagesSent.Store(0)
	m.MessagesDropped.Store(0)
	m.BytesCopied.Store(0)
	m.PulsesDelivered.Store(0)
	m.PulsesDropped.Store(0)
	m.ContextSwitches.Store(0)
	m.Preemptions.Store(0)
	m.InterruptsDispatched.Store(0)
	m.InterruptsDropped.Store(0)
	m.ProcessesSpawned.Store(0)
	m.ProcessesReaped.Store(0)
	m.TotalLatencyNs.Store(0)
	m.LatencyCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(now.UnixNano())
	m.StopTime.Store(0)
}
