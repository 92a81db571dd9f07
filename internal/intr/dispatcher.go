// Package intr implements the interrupt dispatcher (§4.6): per-line
// mask-count accounting over the hardware controller, user handler
// attach/detach/complete, and the five-step ISR delivery sequence that
// turns a raised line into pulses on each attached connection.
package intr

import (
	"fmt"
	"sync/atomic"

	kernelerrors "github.com/gomuos/muos/internal/errors"
	"github.com/gomuos/muos/internal/hal"
	"github.com/gomuos/muos/internal/ipc"
	"github.com/gomuos/muos/internal/logging"
	"github.com/gomuos/muos/internal/sched"
	"github.com/gomuos/muos/internal/spinlock"
)

var intrLog = logging.Default().WithSubsystem("intr")

// ProcessResolver resolves a HandlerRecord's (pid, connection id) pair to
// a live connection at delivery time, decoupling this package from
// internal/process the way internal/interfaces.Backend decoupled the
// teacher's block I/O path from any one backend implementation.
type ProcessResolver interface {
	ResolveConnection(pid int32, coid ipc.ConnectionID) (*ipc.Connection, bool)
}

// line is the per-IRQ-line state described in §4.6: an attachment list,
// an optional in-kernel handler, and a mask-count.
type line struct {
	handlers      handlerList
	kernelHandler func()
	maskCount     int
}

// Dispatcher is the interrupt controller's software half (§4.6).
type Dispatcher struct {
	mu spinlock.Spinlock

	controller hal.InterruptController
	scheduler  *sched.Scheduler
	resolver   ProcessResolver

	lines   map[int]*line
	records map[HandlerID]*HandlerRecord
	nextID  atomic.Uint64
}

// NewDispatcher initializes controller and returns a ready-to-use
// Dispatcher. resolver may be nil until a process table exists; while it
// is nil, HandleIRQ skips every attached record, so delivery to any line
// is a no-op (Attach itself records pid/coid without consulting it).
func NewDispatcher(controller hal.InterruptController, scheduler *sched.Scheduler, resolver ProcessResolver) (*Dispatcher, error) {
	if err := controller.Init(); err != nil {
		return nil, fmt.Errorf("intr: init controller: %w", err)
	}
	return &Dispatcher{
		controller: controller,
		scheduler:  scheduler,
		resolver:   resolver,
		lines:      make(map[int]*line),
		records:    make(map[HandlerID]*HandlerRecord),
	}, nil
}

func (d *Dispatcher) lineLocked(irq int) *line {
	l, ok := d.lines[irq]
	if !ok {
		l = &line{}
		d.lines[irq] = l
	}
	return l
}

// incrementMaskLocked raises line i's mask-count, masking at the
// controller on the 0→1 transition (§4.6).
func (d *Dispatcher) incrementMaskLocked(irq int, l *line) {
	l.maskCount++
	if l.maskCount == 1 {
		if err := d.controller.Mask(irq); err != nil {
			intrLog.Error("failed to mask line", "irq", irq, "error", err)
		}
	}
}

// decrementMaskLocked lowers line i's mask-count, unmasking at the
// controller on the 1→0 transition.
func (d *Dispatcher) decrementMaskLocked(irq int, l *line) {
	if l.maskCount == 0 {
		panic("intr: mask-count underflow")
	}
	l.maskCount--
	if l.maskCount == 0 {
		if err := d.controller.Unmask(irq); err != nil {
			intrLog.Error("failed to unmask line", "irq", irq, "error", err)
		}
	}
}

// RegisterKernelHandler installs the optional in-kernel handler for line
// irq (§4.6 step 3), invoked before any user record on that line.
func (d *Dispatcher) RegisterKernelHandler(irq int, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lineLocked(irq).kernelHandler = fn
}

// Attach implements §4.6 attach(r): append a new record to irq's list,
// then blip increment/decrement the mask-count so the controller
// re-learns the unmask if no other mask is outstanding.
func (d *Dispatcher) Attach(pid int32, coid ipc.ConnectionID, irq int, param int32) *HandlerRecord {
	d.mu.Lock()
	rec := &HandlerRecord{
		ID:           HandlerID(d.nextID.Add(1)),
		PID:          pid,
		ConnectionID: coid,
		IRQ:          irq,
		Param:        param,
	}
	l := d.lineLocked(irq)
	l.handlers.pushBack(rec)
	d.records[rec.ID] = rec
	d.incrementMaskLocked(irq, l)
	d.decrementMaskLocked(irq, l)
	d.mu.Unlock()
	return rec
}

// Detach implements §4.6 detach(r): remove the record; if it was
// currently masked, decrement once; if the line now has no handlers,
// hard-mask it and assert the count reached zero.
func (d *Dispatcher) Detach(id HandlerID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.records[id]
	if !ok {
		return kernelerrors.NewError("intr.detach", kernelerrors.CodeInvalid, "unknown handler id")
	}
	l := d.lines[rec.IRQ]
	l.handlers.remove(rec)
	delete(d.records, id)

	if rec.Masked {
		d.decrementMaskLocked(rec.IRQ, l)
	}
	if l.handlers.empty() {
		if err := d.controller.Mask(rec.IRQ); err != nil {
			intrLog.Error("failed to hard-mask drained line", "irq", rec.IRQ, "error", err)
		}
		if l.maskCount != 0 {
			panic("intr: mask-count non-zero on a line with no remaining handlers")
		}
	}
	return nil
}

// Complete implements §4.6 interrupt_complete(r): the user-space
// acknowledgement that clears a delivered record's masked flag.
func (d *Dispatcher) Complete(id HandlerID) error {
	d.mu.Lock()
	rec, ok := d.records[id]
	if !ok {
		d.mu.Unlock()
		return kernelerrors.NewError("intr.complete", kernelerrors.CodeInvalid, "unknown handler id")
	}
	if !rec.Masked {
		d.mu.Unlock()
		return kernelerrors.NewError("intr.complete", kernelerrors.CodeInvalid, "handler is not masked")
	}
	rec.Masked = false
	l := d.lines[rec.IRQ]
	d.decrementMaskLocked(rec.IRQ, l)
	d.mu.Unlock()
	return nil
}

// HandleIRQ runs the five-step ISR sequence of §4.6: read the raised
// line, run the in-kernel handler if any, then deliver a pulse to every
// attached record whose process and connection still resolve. A line
// whose mask-count is above zero is not serviced.
func (d *Dispatcher) HandleIRQ() error {
	irq, err := d.controller.GetRaisedIRQ()
	if err != nil {
		return fmt.Errorf("intr: get_raised_irq: %w", err)
	}
	if irq < 0 {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	l, ok := d.lines[irq]
	if !ok {
		return nil
	}
	// A controller with no mask register of its own may still report a
	// masked line; an outstanding mask-count keeps it from being serviced.
	if l.maskCount > 0 {
		return nil
	}
	if l.kernelHandler != nil {
		l.kernelHandler()
	}

	for r := l.handlers.head; r != nil; {
		next := r.lineNext
		if d.resolver != nil {
			if conn, ok := d.resolver.ResolveConnection(r.PID, r.ConnectionID); ok {
				conn.SendPulse(d.scheduler, ipc.Pulse{Type: ipc.PulseTypeIRQ, Value: r.Param})
				r.Masked = true
				d.incrementMaskLocked(irq, l)
			}
		}
		r = next
	}
	return nil
}
