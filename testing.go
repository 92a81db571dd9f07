package muos

import (
	"sync"
	"time"

	"github.com/jacobsa/timeutil"

	"github.com/gomuos/muos/internal/hal"
)

// ManualTimer is a hal.Timer whose Tick only returns once the caller
// explicitly calls Fire, giving deterministic control over when
// preemption happens in a test instead of racing a real interval
// ticker. Grounded on jacobsa-fuse's fake-clock-by-injection pattern (a
// Clock swapped in by the caller under test), extended here to the
// Tick half of the interface hal.Timer adds beyond a plain
// timeutil.Clock.
type ManualTimer struct {
	clock timeutil.Clock
	fire  chan struct{}
	done  chan struct{}
	once  sync.Once
}

// NewManualTimer creates a Timer whose Now reads clock (nil for the real
// wall clock) and whose Tick blocks until Fire is called.
func NewManualTimer(clock timeutil.Clock) *ManualTimer {
	if clock == nil {
		clock = timeutil.RealClock()
	}
	return &ManualTimer{clock: clock, fire: make(chan struct{}, 1), done: make(chan struct{})}
}

func (t *ManualTimer) Now() time.Time { return t.clock.Now() }

// Tick blocks until Fire is called, or returns immediately once Stop
// has been called.
func (t *ManualTimer) Tick() {
	select {
	case <-t.fire:
	case <-t.done:
	}
}

// Fire wakes one pending (or the next) Tick call, simulating one
// hardware preemption interval elapsing.
func (t *ManualTimer) Fire() {
	select {
	case t.fire <- struct{}{}:
	default:
	}
}

func (t *ManualTimer) Stop() {
	t.once.Do(func() { close(t.done) })
}

// NewTestKernel builds a Kernel backed entirely by internal/hal's host
// fakes — a FakeInterruptController with no real hardware behind it,
// and a ManualTimer that never ticks on its own — ready to Boot
// immediately. Callers that want deterministic preemption call Fire on
// the returned *ManualTimer instead of waiting on a real interval; the
// default KernelConfig is a reasonable starting point for most tests.
func NewTestKernel(cfg KernelConfig) (*Kernel, *hal.FakeInterruptController, *ManualTimer, error) {
	controller := hal.NewFakeInterruptController()
	timer := NewManualTimer(nil)
	k, err := NewKernel(cfg, controller, timer, hal.NewNopDebugWriter(), nil)
	if err != nil {
		return nil, nil, nil, err
	}
	return k, controller, timer, nil
}
