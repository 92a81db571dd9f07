//go:build !tinygo

package hal

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	fallocate "github.com/detailyang/go-fallocate"
	"github.com/jacobsa/timeutil"
	"golang.org/x/sys/unix"

	"github.com/gomuos/muos/internal/logging"
)

// hostAddressSpace simulates an MMU-backed address space with a single
// anonymous mmap region, the same trick the teacher's queue.Runner uses
// for its per-tag I/O buffers (mmap'd descriptor arrays).
type hostAddressSpace struct {
	id     uint64
	mu     sync.Mutex
	region []byte
	closed bool
}

var nextAddressSpaceID uint64

// NewHostAddressSpace creates a development/test AddressSpace of size
// bytes backed by an anonymous mmap region. Virtual addresses passed to
// ReadAt/WriteAt/MapPage are offsets into that region, not real user
// pointers — this stands in for "the MMU did the translation already."
func NewHostAddressSpace(size int) (AddressSpace, error) {
	region, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("hal: mmap address space: %w", err)
	}
	return &hostAddressSpace{
		id:     atomic.AddUint64(&nextAddressSpaceID, 1),
		region: region,
	}, nil
}

func (a *hostAddressSpace) ID() uint64 { return a.id }

func (a *hostAddressSpace) MapPage(virtAddr uintptr, phys PageHandle, writable bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if int(virtAddr)+pageSize > len(a.region) {
		return fmt.Errorf("hal: map_page out of range at 0x%x", virtAddr)
	}
	// The host simulator has no real page table; mapping succeeds as long
	// as the range is within the backing region. Physical page identity
	// is not modeled further than this.
	_ = phys
	_ = writable
	return nil
}

func (a *hostAddressSpace) SetUser() error { return nil }

func (a *hostAddressSpace) FlushTLB() {}

func (a *hostAddressSpace) boundsCheck(addr uintptr, n int) error {
	if a.closed {
		return fmt.Errorf("hal: address space closed")
	}
	if int(addr) < 0 || int(addr)+n > len(a.region) {
		return fmt.Errorf("hal: access out of range [0x%x, 0x%x)", addr, int(addr)+n)
	}
	return nil
}

func (a *hostAddressSpace) ReadAt(addr uintptr, p []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.boundsCheck(addr, len(p)); err != nil {
		return 0, err
	}
	return copy(p, a.region[addr:int(addr)+len(p)]), nil
}

func (a *hostAddressSpace) WriteAt(addr uintptr, p []byte) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.boundsCheck(addr, len(p)); err != nil {
		return 0, err
	}
	return copy(a.region[addr:int(addr)+len(p)], p), nil
}

func (a *hostAddressSpace) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	return unix.Munmap(a.region)
}

const pageSize = 4096

// hostPageAllocator backs the physical page pool with a single
// fallocate-preallocated file, so Alloc never blocks punching holes in a
// sparse file the way an on-demand-extended backing store would.
type hostPageAllocator struct {
	mu       sync.Mutex
	file     *os.File
	capacity int
	free     []PageHandle
	next     PageHandle
}

// NewHostPageAllocator creates a page pool of capacity pages, backed by a
// temp file preallocated up front via fallocate.
func NewHostPageAllocator(capacity int) (PageAllocator, error) {
	f, err := os.CreateTemp("", "muos-pages-*.img")
	if err != nil {
		return nil, fmt.Errorf("hal: create page pool backing file: %w", err)
	}
	size := int64(capacity) * pageSize
	if err := fallocate.Fallocate(f, 0, size); err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, fmt.Errorf("hal: fallocate page pool (%d bytes): %w", size, err)
	}
	logging.Default().WithSubsystem("hal").Debug("page pool preallocated", "pages", capacity, "bytes", size)
	return &hostPageAllocator{file: f, capacity: capacity}, nil
}

func (p *hostPageAllocator) Alloc() (PageHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := len(p.free); n > 0 {
		h := p.free[n-1]
		p.free = p.free[:n-1]
		return h, nil
	}
	if int(p.next) >= p.capacity {
		return 0, fmt.Errorf("hal: page pool exhausted (capacity %d)", p.capacity)
	}
	h := p.next
	p.next++
	return h, nil
}

func (p *hostPageAllocator) Free(h PageHandle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, h)
	return nil
}

// hostTimer drives preemption ticks off a timeutil.Clock for Now() and a
// plain time.Ticker for the actual wakeups — the clock is the
// dependency-injected piece swappable in tests, exactly as jacobsa-fuse's
// sample servers take a timeutil.Clock constructor argument.
type hostTimer struct {
	clock  timeutil.Clock
	ticker *time.Ticker
	done   chan struct{}
}

// NewHostTimer starts a background ticker that fires every interval. Tick
// blocks until the next fire; Stop ends the ticker.
func NewHostTimer(clock timeutil.Clock, interval time.Duration) Timer {
	if clock == nil {
		clock = timeutil.RealClock()
	}
	return &hostTimer{
		clock:  clock,
		ticker: time.NewTicker(interval),
		done:   make(chan struct{}),
	}
}

func (t *hostTimer) Now() time.Time { return t.clock.Now() }

func (t *hostTimer) Tick() {
	select {
	case <-t.ticker.C:
	case <-t.done:
	}
}

func (t *hostTimer) Stop() {
	t.ticker.Stop()
	select {
	case <-t.done:
	default:
		close(t.done)
	}
}

// FakeInterruptController is an in-process stand-in for the hardware IRQ
// controller, used on hosts with no real ARMv6 GIC/VIC — and by tests on
// every host. Raise marks a line pending; GetRaisedIRQ returns and clears
// the lowest pending line not currently masked.
type FakeInterruptController struct {
	mu      sync.Mutex
	masked  map[int]bool
	pending map[int]bool
}

// NewFakeInterruptController returns a ready-to-Init controller.
func NewFakeInterruptController() *FakeInterruptController {
	return &FakeInterruptController{
		masked:  make(map[int]bool),
		pending: make(map[int]bool),
	}
}

func (c *FakeInterruptController) Init() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.masked = make(map[int]bool)
	c.pending = make(map[int]bool)
	return nil
}

func (c *FakeInterruptController) GetRaisedIRQ() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 0; i < 256; i++ {
		if c.pending[i] && !c.masked[i] {
			delete(c.pending, i)
			return i, nil
		}
	}
	return -1, nil
}

func (c *FakeInterruptController) Mask(i int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.masked[i] = true
	return nil
}

func (c *FakeInterruptController) Unmask(i int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.masked, i)
	return nil
}

// Raise marks line i pending, simulating a hardware IRQ assertion.
func (c *FakeInterruptController) Raise(i int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[i] = true
}

// IsMasked reports whether line i is currently masked, for assertions in
// tests of the mask-count invariant (§8).
func (c *FakeInterruptController) IsMasked(i int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.masked[i]
}

// nopDebugWriter discards diagnostics; used when no serial driver is wired.
type nopDebugWriter struct{}

func (nopDebugWriter) WriteString(s string) (int, error) { return len(s), nil }

// NewNopDebugWriter returns a DebugWriter that discards everything, for
// hosts with no attached serial console.
func NewNopDebugWriter() DebugWriter { return nopDebugWriter{} }
