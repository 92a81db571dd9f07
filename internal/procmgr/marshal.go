package procmgr

import "encoding/binary"

// marshalHeader writes type t and a caller-assembled payload into a
// fixed 24-byte ProcMgrHeader buffer, mirroring the teacher's field-by-
// field binary.LittleEndian marshalling in internal/uapi/marshal.go
// rather than an unsafe struct cast (this ABI is small enough that the
// explicit version costs nothing and survives a future field reorder).
func marshalHeader(t MsgType, payload []byte) []byte {
	buf := make([]byte, 8+payloadSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(t))
	copy(buf[8:], payload)
	return buf
}

func unmarshalType(data []byte) MsgType {
	return MsgType(binary.LittleEndian.Uint32(data[0:4]))
}

func payloadOf(data []byte) []byte {
	if len(data) < 8 {
		return nil
	}
	return data[8:]
}

func marshalSignalRequest(r SignalRequest) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(r.PID))
	return marshalHeader(MsgSignal, buf)
}

func unmarshalSignalRequest(data []byte) SignalRequest {
	p := payloadOf(data)
	return SignalRequest{PID: int32(binary.LittleEndian.Uint32(p[0:4]))}
}

func marshalInterruptAttachRequest(r InterruptAttachRequest) []byte {
	buf := make([]byte, 12)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(r.ConnID))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(r.IRQ))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(r.Param))
	return marshalHeader(MsgInterruptAttach, buf)
}

func unmarshalInterruptAttachRequest(data []byte) InterruptAttachRequest {
	p := payloadOf(data)
	return InterruptAttachRequest{
		ConnID: int32(binary.LittleEndian.Uint32(p[0:4])),
		IRQ:    int32(binary.LittleEndian.Uint32(p[4:8])),
		Param:  int32(binary.LittleEndian.Uint32(p[8:12])),
	}
}

func marshalInterruptAttachReply(r InterruptAttachReply) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf[0:8], r.HandlerID)
	return buf
}

func unmarshalInterruptAttachReply(data []byte) InterruptAttachReply {
	return InterruptAttachReply{HandlerID: binary.LittleEndian.Uint64(data[0:8])}
}

func marshalHandlerIDRequest(t MsgType, handlerID uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf[0:8], handlerID)
	return marshalHeader(t, buf)
}

func unmarshalHandlerID(data []byte) uint64 {
	p := payloadOf(data)
	return binary.LittleEndian.Uint64(p[0:8])
}

func marshalMapPhysRequest(r MapPhysRequest) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], r.PhysAddr)
	binary.LittleEndian.PutUint64(buf[8:16], r.Len)
	return marshalHeader(MsgMapPhys, buf)
}

func unmarshalMapPhysRequest(data []byte) MapPhysRequest {
	p := payloadOf(data)
	return MapPhysRequest{
		PhysAddr: binary.LittleEndian.Uint64(p[0:8]),
		Len:      binary.LittleEndian.Uint64(p[8:16]),
	}
}

func marshalMapPhysReply(r MapPhysReply) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf[0:8], r.VirtAddr)
	return buf
}

func marshalGetPIDReply(r GetPIDReply) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(r.PID))
	return buf
}

func unmarshalGetPIDReply(data []byte) GetPIDReply {
	return GetPIDReply{PID: int32(binary.LittleEndian.Uint32(data[0:4]))}
}
