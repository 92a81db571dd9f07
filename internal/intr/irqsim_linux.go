//go:build linux

package intr

import (
	"fmt"
	"sync"

	"github.com/pawelgaczynski/giouring"
	"golang.org/x/sys/unix"
)

// LinuxEventfdController is the Linux-hosted IRQSource/hal.InterruptController:
// each line is backed by its own eventfd, and a single io_uring ring
// multiplexes POLLIN readiness across every line's eventfd rather than
// costing one OS thread per line — the same one-ring-many-sources shape
// _examples/other_examples' aio.Loop uses for socket readiness, with
// POLLIN on an eventfd standing in for "a line fired".
type LinuxEventfdController struct {
	mu      sync.Mutex
	ring    *giouring.Ring
	fds     map[int]int // irq -> eventfd
	pending []int
	ready   chan struct{}
	closed  bool
}

// NewLinuxEventfdController creates a controller with its own io_uring
// ring of ringEntries submission slots.
func NewLinuxEventfdController(ringEntries uint32) (*LinuxEventfdController, error) {
	ring, err := giouring.CreateRing(ringEntries)
	if err != nil {
		return nil, fmt.Errorf("intr: create ring: %w", err)
	}
	return &LinuxEventfdController{
		ring:  ring,
		fds:   make(map[int]int),
		ready: make(chan struct{}, 1),
	}, nil
}

func (c *LinuxEventfdController) Init() error { return nil }

// AddLine creates line's eventfd and submits its initial poll request.
// Must be called before the line is ever raised or polled.
func (c *LinuxEventfdController) AddLine(irq int) error {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return fmt.Errorf("intr: eventfd for irq %d: %w", irq, err)
	}
	c.mu.Lock()
	c.fds[irq] = fd
	c.mu.Unlock()
	return c.submitPoll(irq, fd)
}

func (c *LinuxEventfdController) submitPoll(irq, fd int) error {
	sqe := c.ring.GetSQE()
	if sqe == nil {
		if _, err := c.ring.Submit(); err != nil {
			return fmt.Errorf("intr: submit to free an sqe: %w", err)
		}
		sqe = c.ring.GetSQE()
		if sqe == nil {
			return fmt.Errorf("intr: no sqe available for irq %d", irq)
		}
	}
	sqe.PrepPollAdd(uint64(fd), unix.POLLIN)
	sqe.UserData = uint64(irq) + 1 // 0 is "no user data" in giouring's CQE convention
	_, err := c.ring.Submit()
	return err
}

// Raise fires line irq's eventfd, making it observable to Wait/GetRaisedIRQ.
// Safe to call concurrently with Wait.
func (c *LinuxEventfdController) Raise(line int) error {
	c.mu.Lock()
	fd, ok := c.fds[line]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("intr: raise unknown line %d", line)
	}
	var val [8]byte
	val[0] = 1
	_, err := unix.Write(fd, val[:])
	return err
}

// Wait blocks on the ring until at least one line completes its poll,
// drains the eventfd counter, re-arms the poll, and returns the line
// number. Lines are also queued internally so GetRaisedIRQ can serve
// several without re-blocking.
func (c *LinuxEventfdController) Wait() (int, error) {
	c.mu.Lock()
	if len(c.pending) > 0 {
		irq := c.pending[0]
		c.mu.Unlock()
		return irq, nil
	}
	if c.closed {
		c.mu.Unlock()
		return -1, fmt.Errorf("intr: controller closed")
	}
	c.mu.Unlock()

	var cqes [32]*giouring.CompletionQueueEvent
	if _, err := c.ring.SubmitAndWait(1); err != nil {
		return -1, fmt.Errorf("intr: submit_and_wait: %w", err)
	}
	n := c.ring.PeekBatchCQE(cqes[:])
	defer c.ring.CQAdvance(n)

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cqe := range cqes[:n] {
		if cqe.UserData == 0 {
			continue
		}
		irq := int(cqe.UserData - 1)
		fd := c.fds[irq]
		var buf [8]byte
		_, _ = unix.Read(fd, buf[:]) // drain the counter; EAGAIN is fine, it just means another waiter drained it
		if err := c.submitPoll(irq, fd); err != nil {
			intrLog.Error("failed to re-arm poll", "irq", irq, "error", err)
		}
		c.pending = append(c.pending, irq)
	}
	// Peek rather than pop: GetRaisedIRQ is the sole consumer of pending,
	// so Wait leaves its result queued for HandleIRQ to retrieve through
	// the normal hal.InterruptController path.
	if len(c.pending) == 0 {
		return -1, nil
	}
	return c.pending[0], nil
}

// GetRaisedIRQ implements hal.InterruptController by popping whatever
// Wait has already queued, never blocking itself (§4.6 step 1's "return"
// case corresponds to nothing queued).
func (c *LinuxEventfdController) GetRaisedIRQ() (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return -1, nil
	}
	irq := c.pending[0]
	c.pending = c.pending[1:]
	return irq, nil
}

func (c *LinuxEventfdController) Mask(irq int) error {
	// The eventfd poll is always armed; masking is enforced in software
	// by the Dispatcher, which does not service a line while its
	// mask_count is above zero.
	return nil
}

func (c *LinuxEventfdController) Unmask(irq int) error { return nil }

func (c *LinuxEventfdController) Close() error {
	c.mu.Lock()
	c.closed = true
	fds := make([]int, 0, len(c.fds))
	for _, fd := range c.fds {
		fds = append(fds, fd)
	}
	c.mu.Unlock()

	for _, fd := range fds {
		_ = unix.Close(fd)
	}
	c.ring.QueueExit()
	return nil
}
