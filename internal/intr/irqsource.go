package intr

// IRQSource is the software stand-in for the ARMv6 target's physical
// interrupt lines: something external (a simulated device, a test) can
// Raise a line, and the dispatcher's pump loop blocks in Wait until one
// is ready to be picked up by HandleIRQ. This mirrors the
// Ring/Batch/Result split the teacher's internal/uring draws between
// "submit work" and "wait for completions" — here there is only ever one
// kind of completion (a line went pending), so the interface collapses
// to two methods.
type IRQSource interface {
	// Raise marks line as pending; safe to call from any goroutine.
	Raise(line int) error

	// Wait blocks until at least one raised line is available and
	// returns it, or returns a non-nil error if the source is closed.
	Wait() (int, error)

	Close() error
}

// Pump drains src in a loop, calling d.HandleIRQ once per line readiness,
// until src is closed. Intended to run on its own goroutine, the
// simulator's analogue of the real target's IRQ exception entry point.
func (d *Dispatcher) Pump(src IRQSource) error {
	for {
		if _, err := src.Wait(); err != nil {
			return err
		}
		if err := d.HandleIRQ(); err != nil {
			intrLog.Error("HandleIRQ failed", "error", err)
		}
	}
}
