package ipc

import (
	"github.com/cloudwego/gopkg/container/ring"

	"github.com/gomuos/muos/internal/logging"
)

// pulseQueue is a bounded FIFO of pending pulses, backed by a
// fixed-capacity ring.Ring the way the teacher's queue package favors
// preallocated, GC-friendly buffers over unbounded slices. §4.5 leaves
// the drop policy up to the implementation ("cap it and drop with a
// diagnostic rather than deadlock"); this caps at the ring's capacity
// and drops the newest pulse, logging when it does.
type pulseQueue struct {
	r          *ring.Ring[Pulse]
	head, size int
}

func newPulseQueue(capacity int) *pulseQueue {
	return &pulseQueue{r: ring.NewFromSlice(make([]Pulse, capacity))}
}

// push appends p, returning false (and logging) if the queue is full.
func (q *pulseQueue) push(p Pulse) bool {
	capacity := q.r.Len()
	if capacity == 0 {
		logging.Default().WithSubsystem("ipc").Warn("pulse dropped, queue has zero capacity", "type", p.Type)
		return false
	}
	if q.size == capacity {
		logging.Default().WithSubsystem("ipc").Warn("pulse queue full, dropping pulse", "type", p.Type, "value", p.Value, "capacity", capacity)
		return false
	}
	tail := (q.head + q.size) % capacity
	item, _ := q.r.Get(tail)
	*item.Pointer() = p
	q.size++
	return true
}

// pop removes and returns the oldest pulse, in insertion order (§5:
// "pulses are delivered to receivers in strict insertion order").
func (q *pulseQueue) pop() (Pulse, bool) {
	if q.size == 0 {
		return Pulse{}, false
	}
	capacity := q.r.Len()
	item, _ := q.r.Get(q.head)
	p := item.Value()
	q.head = (q.head + 1) % capacity
	q.size--
	return p, true
}

func (q *pulseQueue) empty() bool { return q.size == 0 }
func (q *pulseQueue) len() int    { return q.size }
