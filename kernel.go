package muos

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jacobsa/timeutil"

	"github.com/gomuos/muos/internal/constants"
	"github.com/gomuos/muos/internal/hal"
	"github.com/gomuos/muos/internal/intr"
	"github.com/gomuos/muos/internal/ipc"
	"github.com/gomuos/muos/internal/logging"
	"github.com/gomuos/muos/internal/metrics"
	"github.com/gomuos/muos/internal/process"
	"github.com/gomuos/muos/internal/procmgr"
	"github.com/gomuos/muos/internal/sched"
	"github.com/gomuos/muos/internal/syscall"
)

var kernelLog = logging.Default().WithSubsystem("kernel")

// KernelConfig collects the tunables that are scattered #defines in the
// original (§4.9): ready-queue count is fixed at two by internal/sched
// and is not configurable here. PageCount and ScratchSpaceSize size what
// NewKernel builds; the remaining fields mirror internal/constants so a
// host (cmd/muos-sim, a test) can report the values in force.
type KernelConfig struct {
	// PageCount sizes the physical page pool every thread stack and
	// process address space is carved from.
	PageCount int

	// ScratchSpaceSize is the byte size of the process manager's own
	// address space, used only to stage wire-format headers (§4.7); the
	// manager has no user mappings otherwise.
	ScratchSpaceSize int

	// PreemptionTick is the preemption interval (§4.1 Preemption),
	// carried for reporting: NewKernel does not read it, and need_resched
	// is raised at whatever rate the Timer passed to NewKernel ticks.
	PreemptionTick time.Duration

	// MaxPulseQueueLen bounds a channel's pending-pulse queue (§4.5).
	// internal/ipc and internal/syscall read the package-level
	// constants.MaxPulseQueueLen directly rather than this field; it is
	// carried here so a host (cmd/muos-sim) can report and justify the
	// value it's running with without reaching into internal/constants.
	MaxPulseQueueLen int

	// StackPageSize is the size, in bytes, of a thread's kernel stack
	// page (§3, §4.1). Carried for the same reporting reason as
	// MaxPulseQueueLen above — internal/sched's stack allocation is
	// driven by the PageAllocator's own page size, not this field.
	StackPageSize int

	// ReaperPollInterval and ReaperSpinTimeout are the process manager's
	// CHILD_FINISH spin-wait tunables (§4.7); carried for reporting for
	// the same reason as the two fields above.
	ReaperPollInterval time.Duration
	ReaperSpinTimeout  time.Duration
}

// DefaultKernelConfig mirrors internal/constants' own defaults. The
// ready-queue count itself is not configurable: it is fixed at two
// (Normal, IO) by internal/sched.Priority's type, exactly as §4.1
// specifies.
func DefaultKernelConfig() KernelConfig {
	return KernelConfig{
		PageCount:          4096,
		ScratchSpaceSize:   64 * 1024,
		PreemptionTick:     constants.DefaultPreemptionTick,
		MaxPulseQueueLen:   constants.MaxPulseQueueLen,
		StackPageSize:      constants.StackPageSize,
		ReaperPollInterval: constants.ReaperPollInterval,
		ReaperSpinTimeout:  constants.ReaperSpinTimeout,
	}
}

// Kernel is the root object every package-level singleton hangs off of
// (§9: "global singletons ... treat as explicit, lock-guarded state
// owned by a Kernel root object"). Boot starts the process manager and
// the preemption ticker; Stop idempotently winds both down.
type Kernel struct {
	Config KernelConfig

	Clock      timeutil.Clock
	Pages      hal.PageAllocator
	Controller hal.InterruptController
	Timer      hal.Timer
	Debug      hal.DebugWriter

	Scheduler  *sched.Scheduler
	Table      *process.Table
	Dispatcher *intr.Dispatcher
	ProcMgr    *procmgr.Server
	Init       *process.Process

	Metrics  *metrics.Metrics
	Observer metrics.Observer

	// Syscall is the Deps every internal/syscall.Enter call for this
	// kernel instance shares.
	Syscall *syscall.Deps

	scratch hal.AddressSpace

	mu        sync.Mutex
	booted    bool
	stopped   atomic.Bool
	mgrThread *sched.Thread
}

// NewKernel builds and wires every singleton but starts nothing; call
// Boot to bring the process manager thread, the interrupt pump (if
// controller also implements intr.IRQSource), and the preemption ticker
// up. timer may be nil if this kernel instance never needs preemption
// (e.g. a syscall-only test harness); clock may be nil to use the real
// wall clock.
func NewKernel(cfg KernelConfig, controller hal.InterruptController, timer hal.Timer, debug hal.DebugWriter, clock timeutil.Clock) (*Kernel, error) {
	if clock == nil {
		clock = timeutil.RealClock()
	}
	if debug == nil {
		debug = hal.NewNopDebugWriter()
	}

	pages, err := hal.NewHostPageAllocator(cfg.PageCount)
	if err != nil {
		return nil, fmt.Errorf("muos: create page pool: %w", err)
	}

	scheduler := sched.NewScheduler(pages)
	table := process.NewTable()

	dispatcher, err := intr.NewDispatcher(controller, scheduler, table)
	if err != nil {
		return nil, fmt.Errorf("muos: init interrupt dispatcher: %w", err)
	}

	initProc := process.New("init", nil, nil)
	table.Register(initProc)

	scratch, err := hal.NewHostAddressSpace(cfg.ScratchSpaceSize)
	if err != nil {
		return nil, fmt.Errorf("muos: create procmgr scratch address space: %w", err)
	}
	server := procmgr.NewServer(scheduler, pages, dispatcher, table, initProc, scratch)

	m := metrics.NewMetrics(clock.Now())
	observer := metrics.NewMetricsObserver(m)

	k := &Kernel{
		Config:     cfg,
		Clock:      clock,
		Pages:      pages,
		Controller: controller,
		Timer:      timer,
		Debug:      debug,
		Scheduler:  scheduler,
		Table:      table,
		Dispatcher: dispatcher,
		ProcMgr:    server,
		Init:       initProc,
		Metrics:    m,
		Observer:   observer,
		scratch:    scratch,
	}
	k.Syscall = &syscall.Deps{
		Scheduler:      scheduler,
		Table:          table,
		Dispatcher:     dispatcher,
		Init:           initProc,
		Observer:       observer,
		ProcMgrChannel: server.Channel,
	}
	return k, nil
}

// Boot starts the process manager's dispatch loop on its own thread,
// pumps the interrupt controller if it doubles as an intr.IRQSource
// (§4.10's LinuxEventfdController does), and starts the preemption
// ticker if a Timer was supplied. It is an error to Boot twice.
func (k *Kernel) Boot() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.booted {
		return fmt.Errorf("muos: kernel already booted")
	}

	mgrThread, err := k.Scheduler.Spawn(int32(constants.ProcMgrPID), sched.PriorityIO, k.ProcMgr.Run)
	if err != nil {
		return fmt.Errorf("muos: spawn process manager: %w", err)
	}
	mgrThread.AddressSpace = k.scratch
	k.mgrThread = mgrThread

	if src, ok := k.Controller.(intr.IRQSource); ok {
		go func() {
			if err := k.Dispatcher.Pump(src); err != nil {
				kernelLog.Info("interrupt pump stopped", "error", err)
			}
		}()
	}

	if k.Timer != nil {
		go k.runPreemptionTicker()
	}

	k.booted = true
	kernelLog.Info("kernel booted", "procmgr_pid", constants.ProcMgrPID)
	return nil
}

func (k *Kernel) runPreemptionTicker() {
	for !k.stopped.Load() {
		k.Timer.Tick()
		if k.stopped.Load() {
			return
		}
		k.Scheduler.RequestResched()
	}
}

// Stop idempotently winds the kernel down: it stops the preemption
// timer, closes the interrupt controller if it is closeable, and snaps
// Metrics' uptime clock. It does not tear down any user process — that
// is §4.7's job, driven by msgsend(exit) or explicit Teardown calls.
func (k *Kernel) Stop() {
	if !k.stopped.CompareAndSwap(false, true) {
		return
	}
	if k.Timer != nil {
		k.Timer.Stop()
	}
	if closer, ok := k.Controller.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			kernelLog.Info("interrupt controller close failed", "error", err)
		}
	}
	k.Metrics.Stop(k.Clock.Now())
	kernelLog.Info("kernel stopped")
}

// SpawnProcess creates a new process registered in the table, bound to
// the process manager's well-known connection at local id
// process.ProcMgrConnectionID (§3), with a fresh addressSpaceSize-byte
// address space, and starts entry running on a new thread at priority.
func (k *Kernel) SpawnProcess(name string, parent *process.Process, addressSpaceSize int, priority sched.Priority, entry func(t *sched.Thread)) (*process.Process, *sched.Thread, error) {
	if parent == nil {
		parent = k.Init
	}
	space, err := hal.NewHostAddressSpace(addressSpaceSize)
	if err != nil {
		return nil, nil, fmt.Errorf("muos: create address space for %q: %w", name, err)
	}

	proc := process.New(name, parent, space)
	k.Table.Register(proc)
	proc.AddConnection(ipc.NewConnection(process.ProcMgrConnectionID, k.ProcMgr.Channel))

	th, err := k.Scheduler.Spawn(int32(proc.ID), priority, entry)
	if err != nil {
		space.Close()
		k.Table.Unregister(proc.ID)
		return nil, nil, fmt.Errorf("muos: spawn thread for %q: %w", name, err)
	}
	th.AddressSpace = space

	k.Observer.ObserveProcessSpawned()
	return proc, th, nil
}

// Enter runs a syscall against this kernel's shared Deps (§4.8).
func (k *Kernel) Enter(self *sched.Thread, num syscall.Number, args syscall.Args) int32 {
	return syscall.Enter(k.Syscall, self, num, args)
}
