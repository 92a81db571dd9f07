//go:build amd64 && cgo

package spinlock

/*
// Store fence: ensures all prior stores are globally visible before any
// subsequent store. Used when the host development machine is amd64, to
// mirror what the real target's DMB ISHST would do.
static inline void sfence_impl(void) {
    __asm__ __volatile__("sfence" ::: "memory");
}

// Full fence: ensures all prior memory operations complete before any
// subsequent one, the amd64 stand-in for the target's DMB SY.
static inline void mfence_impl(void) {
    __asm__ __volatile__("mfence" ::: "memory");
}
*/
import "C"

// StoreFence issues a store fence.
func StoreFence() {
	C.sfence_impl()
}

// FullFence issues a full memory fence.
func FullFence() {
	C.mfence_impl()
}
