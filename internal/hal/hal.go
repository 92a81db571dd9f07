// Package hal defines the hardware/OS collaborators the kernel core treats
// as black boxes (§1 Out of scope): the MMU-backed address space, the
// physical page allocator, the interrupt controller, the hardware timer,
// and the debug/serial writer. Everything in this package is an interface
// plus a host-hosted fake for development and test; real bindings live
// behind build tags (hal_host.go for a Linux-hosted simulator,
// hal_tinygo.go for a bare-metal ARMv6 target).
package hal

import "time"

// AddressSpace is the per-process MMU handle. In the original, it exposes
// only map_page/set_user/flush_tlb; here it also exposes the byte-level
// ReadAt/WriteAt the IPC vectored copy needs to move payloads between two
// address spaces without the kernel ever holding the whole message.
type AddressSpace interface {
	// ID uniquely identifies this address space for TLB-flush elision on
	// context switch (§4.1 step 4: "flush only on change").
	ID() uint64

	// MapPage maps one physical page at virtAddr with the given
	// protection; used by map_phys (§4.7) and process bootstrap.
	MapPage(virtAddr uintptr, phys PageHandle, writable bool) error

	// SetUser marks the address space as runnable in user mode (e.g.
	// installs the user page table base on a real MMU); a no-op for
	// kernel-only address spaces (the process manager has none, §3).
	SetUser() error

	// FlushTLB invalidates cached translations for this address space.
	FlushTLB()

	// ReadAt copies len(p) bytes starting at addr into p. Returns the
	// number of bytes actually copied and CodeFault-classed errors on
	// an unmapped or unreadable range; a short read with err == nil never
	// happens here (fault-or-full, not short-read).
	ReadAt(addr uintptr, p []byte) (n int, err error)

	// WriteAt copies len(p) bytes from p into addr.
	WriteAt(addr uintptr, p []byte) (n int, err error)

	// Close releases the address space's resources (page table, mappings).
	Close() error
}

// PageHandle is an opaque physical page reference minted by PageAllocator.
type PageHandle uint64

// PageAllocator is the physical page pool (Page::alloc/free in the
// original); it backs both process address spaces and kernel stacks.
type PageAllocator interface {
	Alloc() (PageHandle, error)
	Free(PageHandle) error
}

// InterruptController is the hardware IRQ controller (§4.6): four
// operations, exactly as specified.
type InterruptController interface {
	// Init prepares the controller (mask everything, clear pending state).
	Init() error

	// GetRaisedIRQ returns the currently raised line, or (-1, nil) if
	// none is pending (out-of-range is the "return" case in §4.6 step 1).
	GetRaisedIRQ() (int, error)

	// Mask disables line i at the controller.
	Mask(i int) error

	// Unmask enables line i at the controller.
	Unmask(i int) error
}

// Timer is the hardware timer attached to the process manager (§4.1
// Preemption); Now is provided so tests can substitute a fake clock.
type Timer interface {
	Now() time.Time
	// Tick blocks until the next preemption tick and returns.
	Tick()
	Stop()
}

// DebugWriter is the serial debug driver collaborator logging halts on
// (§7: "halt with a diagnostic via the debug driver").
type DebugWriter interface {
	WriteString(s string) (int, error)
}
