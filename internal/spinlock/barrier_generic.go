//go:build !(amd64 && cgo)

package spinlock

import "sync/atomic"

// fenceWord is touched by StoreFence/FullFence so the compiler cannot
// prove the fence call has no effect and reorder around it.
var fenceWord int32

// StoreFence issues a store fence. Without cgo (or on the ARMv6 tinygo
// target, where the real instruction is DMB ISHST) an atomic
// read-modify-write gives the same ordering guarantee the Go memory
// model promises for atomic operations, which is all the kernel
// actually relies on here.
func StoreFence() {
	atomic.AddInt32(&fenceWord, 1)
}

// FullFence issues a full memory fence (DMB SY on the real target).
func FullFence() {
	atomic.AddInt32(&fenceWord, 1)
}
