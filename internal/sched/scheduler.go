package sched

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/cloudwego/gopkg/concurrency/gopool"

	"github.com/gomuos/muos/internal/hal"
	"github.com/gomuos/muos/internal/spinlock"
)

// ErrNoRunnableThread is raised by YieldNoRequeue when the caller has
// blocked itself and no other thread is runnable — a fatal condition in
// the original (it panics); callers here get it as an error to translate
// into the kernel's own halt path (§7).
var ErrNoRunnableThread = errors.New("sched: no runnable thread")

// Scheduler owns the two per-priority ready queues and the single
// "currently running" thread pointer (§4.1, §9: "ready-queue pair ...
// process-wide state initialized once at boot; treat as an explicit,
// lock-guarded handle owned by a Kernel root object" — Scheduler is that
// handle).
type Scheduler struct {
	lock spinlock.Spinlock

	ready   [2]threadList // indexed by Priority
	current *Thread

	needResched atomic.Bool

	pages hal.PageAllocator
	pool  *gopool.GoPool

	nextID atomic.Uint64
}

// NewScheduler creates an empty scheduler. pages backs each spawned
// thread's single-page kernel stack.
func NewScheduler(pages hal.PageAllocator) *Scheduler {
	return &Scheduler{
		pages: pages,
		pool:  gopool.NewGoPool("sched", nil),
	}
}

// Spawn allocates a new Thread owned by ownerPID at the given priority
// and starts its goroutine parked, then places it on the ready queue.
// entry runs on the thread's own goroutine once the scheduler switches
// to it for the first time. Returns an allocation failure (§4.1: "thread
// creation returns null if the single-page stack cannot be allocated")
// if the stack page cannot be obtained.
func (s *Scheduler) Spawn(ownerPID int32, priority Priority, entry func(t *Thread)) (*Thread, error) {
	page, err := s.pages.Alloc()
	if err != nil {
		return nil, fmt.Errorf("sched: allocate thread stack: %w", err)
	}

	id := ID(s.nextID.Add(1))
	t := newThread(id, ownerPID, priority, page)

	s.pool.Go(func() {
		<-t.wake
		entry(t)
		s.exit(t)
		close(t.done)
	})

	s.lock.Lock()
	s.enqueueReadyLocked(t)
	s.lock.Unlock()
	return t, nil
}

// exit marks t Finished and, if another thread is runnable, switches to
// it — the tail end of a thread's life that the original reaches by
// falling out of its entry function and trapping back into the
// scheduler rather than returning from a Go func.
func (s *Scheduler) exit(t *Thread) {
	s.lock.Lock()
	t.State = StateFinished
	next := s.dequeueReadyLocked()
	s.lock.Unlock()
	if next == nil {
		return
	}
	s.switchTo(t, next, nil)
}

// Current returns the thread presently marked Running, or nil before
// the first switch.
func (s *Scheduler) Current() *Thread {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.current
}

// dequeueReadyLocked returns the head of the IO queue if non-empty,
// else the head of Normal, else nil (§4.1 dequeue_ready). Caller must
// hold s.lock.
func (s *Scheduler) dequeueReadyLocked() *Thread {
	if t := s.ready[PriorityIO].popFront(); t != nil {
		return t
	}
	return s.ready[PriorityNormal].popFront()
}

// enqueueReadyLocked appends t to the tail of its dispatch queue and
// marks it Ready (§4.1 enqueue_ready). Caller must hold s.lock.
func (s *Scheduler) enqueueReadyLocked(t *Thread) {
	t.State = StateReady
	s.ready[t.dispatchPriority()].pushBack(t)
}

// enqueueReadyFirstLocked prepends t (§4.1 enqueue_ready_first). Caller
// must hold s.lock.
func (s *Scheduler) enqueueReadyFirstLocked(t *Thread) {
	t.State = StateReady
	s.ready[t.dispatchPriority()].pushFront(t)
}

// EnqueueReady is the public, lock-taking form of enqueue_ready, used by
// IPC and the interrupt dispatcher to ready a thread they just unblocked.
func (s *Scheduler) EnqueueReady(t *Thread) {
	s.lock.Lock()
	s.enqueueReadyLocked(t)
	s.lock.Unlock()
}

// EnqueueReadyFirst is the public form of enqueue_ready_first.
func (s *Scheduler) EnqueueReadyFirst(t *Thread) {
	s.lock.Lock()
	s.enqueueReadyFirstLocked(t)
	s.lock.Unlock()
}

// SwitchTo performs a direct handoff from outgoing to a specific
// incoming thread, bypassing the ready queue entirely. IPC uses this for
// the "mark R.state = Ready, yield to R" step of a synchronous send that
// finds a receiver already waiting (§4.4): there is no choice of which
// thread runs next, so there is nothing to gain by routing through
// dequeue_ready first.
func (s *Scheduler) SwitchTo(outgoing, incoming *Thread, preSwitch func()) {
	s.switchTo(outgoing, incoming, preSwitch)
}

// switchTo performs the context switch described in §4.1: disables
// interrupts, runs preSwitch while still "on" outgoing, installs
// incoming as Running, wakes it, and — unless outgoing has finished —
// parks the caller until it is switched back in, at which point its
// saved interrupt-disable depth is restored.
func (s *Scheduler) switchTo(outgoing, incoming *Thread, preSwitch func()) {
	prevDepth := spinlock.DisableInterrupts()

	if preSwitch != nil {
		preSwitch()
	}

	outgoing.savedInterruptDepth = prevDepth

	s.lock.Lock()
	incoming.State = StateRunning
	s.current = incoming
	s.lock.Unlock()

	incoming.wake <- struct{}{}

	if outgoing == incoming || outgoing.State == StateFinished {
		return
	}
	<-outgoing.wake
	spinlock.RestoreInterrupts(outgoing.savedInterruptDepth)
}

// YieldNoRequeue blocks the caller, who must already be linked onto some
// wait list by preSwitch (a channel's send- or receive-queue, a reaper's
// wait, etc.), and switches to the next runnable thread. It does not
// panic itself: if no other thread is runnable it returns
// ErrNoRunnableThread, which callers treat as fatal (§4.1: "panics if no
// other thread is runnable").
func (s *Scheduler) YieldNoRequeue(caller *Thread, preSwitch func()) error {
	s.lock.Lock()
	next := s.dequeueReadyLocked()
	s.lock.Unlock()
	if next == nil {
		return ErrNoRunnableThread
	}
	s.switchTo(caller, next, preSwitch)
	return nil
}

// YieldWithRequeue is the voluntary yield (§4.1): it appends caller to
// ready and, if another thread is runnable, switches to it. If none is
// runnable, caller simply keeps running.
func (s *Scheduler) YieldWithRequeue(caller *Thread) {
	s.lock.Lock()
	s.enqueueReadyLocked(caller)
	next := s.dequeueReadyLocked()
	s.lock.Unlock()
	if next == nil {
		s.lock.Lock()
		caller.State = StateRunning
		s.lock.Unlock()
		return
	}
	s.switchTo(caller, next, nil)
}

// RequestResched sets the global need_resched flag, as the hardware
// timer tick does in the original (§4.1 Preemption).
func (s *Scheduler) RequestResched() {
	s.needResched.Store(true)
}

// CheckPreemption atomically tests-and-clears need_resched and, if it
// was set, performs YieldWithRequeue(current) — the syscall-return check
// in §4.1 and §4.8 step 3.
func (s *Scheduler) CheckPreemption(current *Thread) {
	if s.needResched.CompareAndSwap(true, false) {
		s.YieldWithRequeue(current)
	}
}

// Inherit raises holder's effective priority to at least waiterPriority
// and re-enqueues it if Ready, implementing the priority-inheritance
// boundary in §4.1/§4.4 (a send-blocked sender lends priority to the
// not-yet-replied receiver).
func (s *Scheduler) Inherit(holder *Thread, waiterPriority Priority) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if waiterPriority <= holder.EffectivePriority {
		return
	}
	wasReady := holder.listOwner != nil
	if wasReady {
		s.ready[holder.dispatchPriority()].remove(holder)
	}
	holder.EffectivePriority = waiterPriority
	if wasReady {
		s.ready[holder.dispatchPriority()].pushBack(holder)
	}
}

// ResetEffectivePriority lowers holder's effective priority to the
// ceiling over its remaining waiters (ceiling is computed by the caller,
// which knows the waiter set — e.g. the channel's remaining send-queue).
func (s *Scheduler) ResetEffectivePriority(holder *Thread, ceiling Priority) {
	s.lock.Lock()
	defer s.lock.Unlock()
	newPriority := ceiling
	if holder.AssignedPriority > newPriority {
		newPriority = holder.AssignedPriority
	}
	if newPriority == holder.EffectivePriority {
		return
	}
	wasReady := holder.listOwner != nil
	if wasReady {
		s.ready[holder.dispatchPriority()].remove(holder)
	}
	holder.EffectivePriority = newPriority
	if wasReady {
		s.ready[holder.dispatchPriority()].pushBack(holder)
	}
}

// Join blocks the calling goroutine (not a kernel Thread) until t
// reaches Finished.
func (s *Scheduler) Join(t *Thread) {
	<-t.done
}

// ReadyLen reports the number of threads on the given priority's ready
// queue, for tests asserting §8's queue-membership invariant.
func (s *Scheduler) ReadyLen(p Priority) int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.ready[p].size()
}

// Bootstrap installs t as Running without going through switchTo; used
// exactly once, to seed the initial thread the scheduler starts on
// (there is no "outgoing" to park).
func (s *Scheduler) Bootstrap(t *Thread) {
	s.lock.Lock()
	if t.listOwner != nil {
		s.ready[t.dispatchPriority()].remove(t)
	}
	t.State = StateRunning
	s.current = t
	s.lock.Unlock()
	t.wake <- struct{}{}
}
