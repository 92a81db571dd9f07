package syscall

import (
	"github.com/gomuos/muos/internal/hal"
	"github.com/gomuos/muos/internal/ipc"
)

// readAtOffset copies up to dstVec's total length from srcVec (in
// srcSpace), skipping the first offset bytes of its flattened
// concatenation, into dstVec (in dstSpace). It is msgread/msgreadv's
// building block:
// unlike a normal receive, a message stays addressable by its sender's
// original descriptor for as long as it remains pending, and a reader
// may ask for any sub-range of it rather than just a single
// front-to-back transfer (§6 msgread(msgid, offset, buf, len)).
func readAtOffset(srcSpace hal.AddressSpace, srcVec []ipc.IOVec, offset int, dstSpace hal.AddressSpace, dstVec []ipc.IOVec) (int, error) {
	if offset < 0 {
		return 0, nil
	}

	skipped := 0
	start := 0
	for start < len(srcVec) {
		frag := srcVec[start]
		if skipped+frag.Len > offset {
			break
		}
		skipped += frag.Len
		start++
	}
	if start >= len(srcVec) {
		return 0, nil
	}

	remainder := make([]ipc.IOVec, 0, len(srcVec)-start)
	firstSkip := offset - skipped
	remainder = append(remainder, ipc.IOVec{Addr: srcVec[start].Addr + uintptr(firstSkip), Len: srcVec[start].Len - firstSkip})
	remainder = append(remainder, srcVec[start+1:]...)

	return ipc.VectoredCopy(srcSpace, remainder, dstSpace, dstVec)
}
