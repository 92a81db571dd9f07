package ipc

import (
	"fmt"

	"github.com/bytedance/gopkg/lang/mcache"

	"github.com/gomuos/muos/internal/errors"
	"github.com/gomuos/muos/internal/hal"
	"github.com/gomuos/muos/internal/kmath"
)

// stagingBufSize bounds a single ReadAt/WriteAt round trip during a
// vectored copy; chosen well above a typical small IPC payload so most
// transfers complete in one round trip, mirroring the teacher's
// size-bucketed queue.BufferPool philosophy of avoiding hot-path
// reallocation without pooling arbitrarily large buffers. mcache's own
// size-class pooling is what actually backs the pool now; this only
// picks which class each copy borrows from.
const stagingBufSize = 4096

// cursor walks a vectored descriptor list fragment by fragment,
// advancing independently of whatever cursor is on the other side of a
// copy (§4.4: "the transfer iterates both sequences in parallel,
// advancing independently").
type cursor struct {
	vec []IOVec
	idx int
	off int
}

// next returns up to max contiguous bytes starting at the cursor's
// current position without advancing it, or ok=false if exhausted.
func (c *cursor) next(max int) (addr uintptr, n int, ok bool) {
	for c.idx < len(c.vec) {
		frag := c.vec[c.idx]
		remaining := frag.Len - c.off
		if remaining <= 0 {
			c.idx++
			c.off = 0
			continue
		}
		if remaining > max {
			remaining = max
		}
		return frag.Addr + uintptr(c.off), remaining, true
	}
	return 0, 0, false
}

// advance moves the cursor forward n bytes within the fragment most
// recently returned by next.
func (c *cursor) advance(n int) {
	c.off += n
	if c.idx < len(c.vec) && c.off >= c.vec[c.idx].Len {
		c.idx++
		c.off = 0
	}
}

// VectoredCopy transfers bytes from srcSpace (read via srcVec) into
// dstSpace (written via dstVec), exactly as described in §4.4: the
// transferred length is min(total_src_len, total_dst_len), laid out as
// a prefix of the concatenation of source fragments over the
// concatenation of destination fragments, regardless of how the two
// sides are fragmented. Returns the number of bytes actually
// transferred and a CodeFault error if either side's address space
// rejects the access.
func VectoredCopy(srcSpace hal.AddressSpace, srcVec []IOVec, dstSpace hal.AddressSpace, dstVec []IOVec) (int, error) {
	total := kmath.Min(vecLen(srcVec), vecLen(dstVec))
	if total == 0 {
		return 0, nil
	}

	staging := mcache.Malloc(stagingBufSize)
	defer mcache.Free(staging)

	var src, dst cursor
	src.vec, dst.vec = srcVec, dstVec

	copied := 0
	for copied < total {
		chunkMax := kmath.Min(total-copied, len(staging))

		srcAddr, srcN, ok := src.next(chunkMax)
		if !ok {
			break
		}
		dstAddr, dstN, ok := dst.next(srcN)
		if !ok {
			break
		}
		n := kmath.Min(srcN, dstN)

		if _, err := srcSpace.ReadAt(srcAddr, staging[:n]); err != nil {
			return copied, errors.NewError("vectored_copy.read", errors.CodeFault, fmt.Sprintf("read %d bytes at 0x%x: %v", n, srcAddr, err))
		}
		if _, err := dstSpace.WriteAt(dstAddr, staging[:n]); err != nil {
			return copied, errors.NewError("vectored_copy.write", errors.CodeFault, fmt.Sprintf("write %d bytes at 0x%x: %v", n, dstAddr, err))
		}

		src.advance(n)
		dst.advance(n)
		copied += n
	}
	return copied, nil
}
