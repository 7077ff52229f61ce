// Package epic implements the EPIC message envelope carried inside ring
// queue entries: an outer header followed by a sub-header and the
// payload, all little-endian with fixed layouts.
package epic

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Queue entry types carried in the ring entry header.
const (
	TypeNotify    = 0x0
	TypeCommand   = 0x3
	TypeReply     = 0x4
	TypeNotifyAck = 0x8
)

// Sub-header categories.
const (
	CatReport  = 0x00
	CatNotify  = 0x10
	CatReply   = 0x20
	CatCommand = 0x30
)

// Well-known sub-header subtypes.
const (
	SubtypeAnnounce   = 0x30
	SubtypeTeardown   = 0x32
	SubtypeStdService = 0xc0
)

const (
	// HeaderSize is the outer header: version, sequence, padding,
	// timestamp.
	HeaderSize = 16
	// SubHeaderSize is the sub-header: payload length, version,
	// category, subtype, timestamp, tag, inline length.
	SubHeaderSize = 24
	// EnvelopeOverhead is the combined fixed cost per frame.
	EnvelopeOverhead = HeaderSize + SubHeaderSize

	headerVersion    = 2
	subHeaderVersion = 4
)

// ErrTruncated reports a frame too short for the headers it claims.
var ErrTruncated = errors.New("truncated epic frame")

// Header is the decoded outer header.
type Header struct {
	Version   uint8
	Seq       uint16
	Timestamp uint64
}

// SubHeader is the decoded sub-header.
type SubHeader struct {
	Length    uint32
	Version   uint8
	Category  uint8
	Subtype   uint16
	Timestamp uint64
	Tag       uint16
	InlineLen uint16
}

// Encode builds a complete envelope: outer header with the given
// sequence number, sub-header with category/subtype/tag, then the
// payload. Reply-category frames carry an inline length of the payload
// minus the leading 32-bit return code, mirroring the firmware.
func Encode(seq uint16, category uint8, subtype, tag uint16, payload []byte) []byte {
	buf := make([]byte, EnvelopeOverhead+len(payload))

	buf[0] = headerVersion
	binary.LittleEndian.PutUint16(buf[1:3], seq)
	// buf[3], buf[4:8]: padding; buf[8:16]: timestamp, always zero here.

	sub := buf[HeaderSize:]
	binary.LittleEndian.PutUint32(sub[0:4], uint32(len(payload)))
	sub[4] = subHeaderVersion
	sub[5] = category
	binary.LittleEndian.PutUint16(sub[6:8], subtype)
	// sub[8:16]: timestamp, zero.
	binary.LittleEndian.PutUint16(sub[16:18], tag)
	// sub[18:20]: unknown, zero.
	if category == CatReply && len(payload) >= 4 {
		binary.LittleEndian.PutUint16(sub[20:22], uint16(len(payload)-4))
	}
	// sub[22:24]: padding.

	copy(buf[EnvelopeOverhead:], payload)
	return buf
}

// Parse splits a frame into its headers and payload. The payload slice
// aliases data. The sub-header length field is reported as decoded but
// the payload extent is bounded by the actual frame size, matching the
// receive path of the original protocol.
func Parse(data []byte) (Header, SubHeader, []byte, error) {
	if len(data) < EnvelopeOverhead {
		return Header{}, SubHeader{}, nil, fmt.Errorf("%w: %d bytes", ErrTruncated, len(data))
	}
	hdr := Header{
		Version:   data[0],
		Seq:       binary.LittleEndian.Uint16(data[1:3]),
		Timestamp: binary.LittleEndian.Uint64(data[8:16]),
	}
	s := data[HeaderSize:]
	sub := SubHeader{
		Length:    binary.LittleEndian.Uint32(s[0:4]),
		Version:   s[4],
		Category:  s[5],
		Subtype:   binary.LittleEndian.Uint16(s[6:8]),
		Timestamp: binary.LittleEndian.Uint64(s[8:16]),
		Tag:       binary.LittleEndian.Uint16(s[16:18]),
		InlineLen: binary.LittleEndian.Uint16(s[20:22]),
	}
	return hdr, sub, data[EnvelopeOverhead:], nil
}
