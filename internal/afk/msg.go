package afk

import "afk/internal/ring"

// Control words are 64-bit: a 16-bit message type in bits [63:48] and
// type-specific fields below. Sizes and offsets in buffer-describing
// messages are expressed in block units (64 bytes).

// CtrlType identifies a control word.
type CtrlType uint16

const (
	CtrlInit        CtrlType = 0x80
	CtrlInitAck     CtrlType = 0xa0
	CtrlGetBuf      CtrlType = 0x89
	CtrlGetBufAck   CtrlType = 0xa1
	CtrlInitTX      CtrlType = 0x8a
	CtrlInitRX      CtrlType = 0x8b
	CtrlInitRXTXAck CtrlType = 0x8c
	CtrlStart       CtrlType = 0xa3
	CtrlStartAck    CtrlType = 0x86
	CtrlSend        CtrlType = 0xa2
	CtrlRecv        CtrlType = 0x85
	CtrlShutdown    CtrlType = 0xc0
	CtrlShutdownAck CtrlType = 0xc1
)

// CtrlOf extracts the message type from a control word.
func CtrlOf(m uint64) CtrlType { return CtrlType(m >> 48) }

// CtrlWord builds a bare control word of the given type.
func CtrlWord(t CtrlType) uint64 { return uint64(t) << 48 }

// PackGetBuf builds a GETBUF request: size in bytes (rounded down to
// block units on the wire) in bits [31:16], tag in [15:0].
func PackGetBuf(size uint32, tag uint16) uint64 {
	return CtrlWord(CtrlGetBuf) |
		uint64(size>>ring.BlockShift)<<16 |
		uint64(tag)
}

// UnpackGetBuf decodes a GETBUF request.
func UnpackGetBuf(m uint64) (size uint32, tag uint16) {
	return uint32(m>>16&0xffff) << ring.BlockShift, uint16(m & 0xffff)
}

// PackGetBufAck builds the reply carrying the allocated buffer's device
// address in bits [47:0].
func PackGetBufAck(devAddr uint64) uint64 {
	return CtrlWord(CtrlGetBufAck) | devAddr&(1<<48-1)
}

// UnpackGetBufAck decodes the device address from a GETBUF reply.
func UnpackGetBufAck(m uint64) uint64 { return m & (1<<48 - 1) }

// PackInitRB builds an INIT_TX or INIT_RX word describing a ring within
// the staging buffer: offset in [47:32], total size in [31:16] (both in
// block units), tag in [15:0].
func PackInitRB(t CtrlType, offset, size uint32, tag uint16) uint64 {
	return CtrlWord(t) |
		uint64(offset>>ring.BlockShift)<<32 |
		uint64(size>>ring.BlockShift)<<16 |
		uint64(tag)
}

// UnpackInitRB decodes a ring description.
func UnpackInitRB(m uint64) (offset, size uint32, tag uint16) {
	offset = uint32(m>>32&0xffff) << ring.BlockShift
	size = uint32(m>>16&0xffff) << ring.BlockShift
	tag = uint16(m & 0xffff)
	return
}

// PackSend builds a SEND word carrying the new write pointer in
// bits [31:0].
func PackSend(wptr uint32) uint64 {
	return CtrlWord(CtrlSend) | uint64(wptr)
}

// PackRecv builds a RECV word carrying the peer's write pointer.
func PackRecv(wptr uint32) uint64 {
	return CtrlWord(CtrlRecv) | uint64(wptr)
}

// UnpackWptr decodes the write pointer from a SEND or RECV word.
func UnpackWptr(m uint64) uint32 { return uint32(m) }
