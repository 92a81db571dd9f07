package main

import (
	"encoding/binary"

	"github.com/gomuos/muos/internal/hal"
	"github.com/gomuos/muos/internal/ipc"
)

// userIOVecSize mirrors internal/syscall's own on-the-wire {addr, len}
// encoding (internal/syscall/iovec.go): this package sits outside that
// one, so a demo process marshals its own *v syscall arguments exactly
// the way a real user-space caller would.
const userIOVecSize = 8

func writeBytes(space hal.AddressSpace, addr uintptr, data []byte) error {
	_, err := space.WriteAt(addr, data)
	return err
}

func readBytes(space hal.AddressSpace, addr uintptr, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := space.ReadAt(addr, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func readInt32(space hal.AddressSpace, addr uintptr) (int32, error) {
	buf, err := readBytes(space, addr, 4)
	if err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(buf)), nil
}

// writeVec encodes vecs as the {uint32 addr, uint32 len} array a *v
// syscall's vector argument points at, writing it at addr.
func writeVec(space hal.AddressSpace, addr uintptr, vecs []ipc.IOVec) error {
	buf := make([]byte, len(vecs)*userIOVecSize)
	for i, v := range vecs {
		off := i * userIOVecSize
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(v.Addr))
		binary.LittleEndian.PutUint32(buf[off+4:off+8], uint32(v.Len))
	}
	return writeBytes(space, addr, buf)
}
