package epic

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Cmd is the command descriptor carried in a COMMAND frame: the device
// addresses and lengths of the request (tx) and response (rx) buffers,
// plus the return code echoed in the reply.
type Cmd struct {
	Retcode uint32
	RXBuf   uint64
	TXBuf   uint64
	RXLen   uint32
	TXLen   uint32
}

// CmdSize is the wire size of a Cmd descriptor.
const CmdSize = 28

// Marshal encodes the descriptor little-endian.
func (c *Cmd) Marshal() []byte {
	buf := make([]byte, CmdSize)
	binary.LittleEndian.PutUint32(buf[0:4], c.Retcode)
	binary.LittleEndian.PutUint64(buf[4:12], c.RXBuf)
	binary.LittleEndian.PutUint64(buf[12:20], c.TXBuf)
	binary.LittleEndian.PutUint32(buf[20:24], c.RXLen)
	binary.LittleEndian.PutUint32(buf[24:28], c.TXLen)
	return buf
}

// ParseCmd decodes a command descriptor from the start of data.
func ParseCmd(data []byte) (Cmd, error) {
	if len(data) < CmdSize {
		return Cmd{}, fmt.Errorf("%w: command descriptor needs %d bytes, have %d", ErrTruncated, CmdSize, len(data))
	}
	return Cmd{
		Retcode: binary.LittleEndian.Uint32(data[0:4]),
		RXBuf:   binary.LittleEndian.Uint64(data[4:12]),
		TXBuf:   binary.LittleEndian.Uint64(data[12:20]),
		RXLen:   binary.LittleEndian.Uint32(data[20:24]),
		TXLen:   binary.LittleEndian.Uint32(data[24:28]),
	}, nil
}

// APCallSize is the fixed preamble of a device-initiated standard
// service call: two unknown words, call type, argument length, magic,
// then 48 reserved bytes. The responder echoes the whole preamble in
// front of its reply payload.
const APCallSize = 68

// PutAPCall writes a call preamble with the given type and argument
// length at the start of buf.
func PutAPCall(buf []byte, callType, argLen uint32) {
	binary.LittleEndian.PutUint32(buf[8:12], callType)
	binary.LittleEndian.PutUint32(buf[12:16], argLen)
}

// ParseAPCall extracts the call type and argument length from a
// standard service call payload, validating that the declared arguments
// fit inside it.
func ParseAPCall(payload []byte) (callType, argLen uint32, err error) {
	if len(payload) < APCallSize {
		return 0, 0, fmt.Errorf("%w: ap call preamble needs %d bytes, have %d", ErrTruncated, APCallSize, len(payload))
	}
	callType = binary.LittleEndian.Uint32(payload[8:12])
	argLen = binary.LittleEndian.Uint32(payload[12:16])
	if uint64(APCallSize)+uint64(argLen) > uint64(len(payload)) {
		return 0, 0, fmt.Errorf("%w: ap call arguments %#x exceed payload %#x", ErrTruncated, argLen, len(payload))
	}
	return callType, argLen, nil
}

// CallHeaderSize is the typed request/response header layered on top of
// command exchanges by the service call convention: padding, group,
// command, data length, magic and 48 reserved bytes.
const CallHeaderSize = 64

// callMagic is "xcpi" little-endian.
const callMagic = 0x69706378

// ErrCallHeader reports a reply whose echoed call header does not match
// the request.
var ErrCallHeader = errors.New("service call header mismatch")

// PutCallHeader writes a service call header at the start of buf.
func PutCallHeader(buf []byte, group uint16, command, dataLen uint32) {
	binary.LittleEndian.PutUint16(buf[2:4], group)
	binary.LittleEndian.PutUint32(buf[4:8], command)
	binary.LittleEndian.PutUint32(buf[8:12], dataLen)
	binary.LittleEndian.PutUint32(buf[12:16], callMagic)
}

// CheckCallHeader validates the echoed header against the request's
// group and command and returns the reply data length.
func CheckCallHeader(buf []byte, group uint16, command uint32) (uint32, error) {
	if len(buf) < CallHeaderSize {
		return 0, fmt.Errorf("%w: reply shorter than call header", ErrTruncated)
	}
	if binary.LittleEndian.Uint32(buf[12:16]) != callMagic {
		return 0, fmt.Errorf("%w: bad magic %#08x", ErrCallHeader, binary.LittleEndian.Uint32(buf[12:16]))
	}
	if g := binary.LittleEndian.Uint16(buf[2:4]); g != group {
		return 0, fmt.Errorf("%w: group %#x, want %#x", ErrCallHeader, g, group)
	}
	if c := binary.LittleEndian.Uint32(buf[4:8]); c != command {
		return 0, fmt.Errorf("%w: command %#x, want %#x", ErrCallHeader, c, command)
	}
	return binary.LittleEndian.Uint32(buf[8:12]), nil
}
