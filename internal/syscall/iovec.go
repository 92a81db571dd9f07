package syscall

import (
	"encoding/binary"

	"github.com/gomuos/muos/internal/constants"
	kernelerrors "github.com/gomuos/muos/internal/errors"
	"github.com/gomuos/muos/internal/hal"
	"github.com/gomuos/muos/internal/ipc"
)

// userIOVecSize is the on-the-wire size of one {addr, len} descriptor in
// a *v syscall's vector argument, matching ipc.IOVec field-for-field.
const userIOVecSize = 8

// readUserVec decodes an array of n {uint32 addr, uint32 len} pairs
// starting at addr in space into ipc.IOVec descriptors, the
// register-to-argument marshalling msgsendv/msgreceivev/msgreplyv/
// msgreadv need before they can hand a vector off to the ipc layer.
func readUserVec(space hal.AddressSpace, addr uintptr, n int32) ([]ipc.IOVec, error) {
	if n < 0 {
		return nil, kernelerrors.NewError("read_user_vec", kernelerrors.CodeInvalid, "negative vector length")
	}
	if int(n) > constants.MaxVectorFragments {
		return nil, kernelerrors.NewError("read_user_vec", kernelerrors.CodeInvalid, "vector length exceeds limit")
	}
	raw := make([]byte, int(n)*userIOVecSize)
	if len(raw) > 0 {
		if _, err := space.ReadAt(addr, raw); err != nil {
			return nil, kernelerrors.NewError("read_user_vec", kernelerrors.CodeFault, err.Error())
		}
	}
	out := make([]ipc.IOVec, n)
	for i := range out {
		off := i * userIOVecSize
		out[i] = ipc.IOVec{
			Addr: uintptr(binary.LittleEndian.Uint32(raw[off : off+4])),
			Len:  int(binary.LittleEndian.Uint32(raw[off+4 : off+8])),
		}
	}
	return out, nil
}

func writeInt32(space hal.AddressSpace, addr uintptr, v int32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(v))
	_, err := space.WriteAt(addr, buf[:])
	return err
}

func writePulse(space hal.AddressSpace, addr uintptr, p ipc.Pulse) error {
	var buf [8]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(p.Type))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(p.Value))
	_, err := space.WriteAt(addr, buf[:])
	return err
}

func vecTotalLen(vec []ipc.IOVec) int {
	total := 0
	for _, v := range vec {
		total += v.Len
	}
	return total
}
