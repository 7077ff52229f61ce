// Package ring implements the shared-memory ring buffer layout used to
// exchange framed queue entries with the coprocessor.
//
// A ring occupies a contiguous region of a DMA-coherent staging buffer.
// The first three blocks form the header: block 0 holds the body size,
// block 1 the read pointer, block 2 the write pointer. The body follows
// the header. Block size is negotiated per ring and is always a positive
// multiple of the base alignment unit (0x40 bytes).
//
// The region is shared with a peer that updates its side of the pointer
// pair concurrently, so pointer loads and stores go through sync/atomic:
// the write pointer is published only after the entry bytes it covers,
// and the peer's pointer is loaded before any entry bytes are read.
// Accessors assume a little-endian host, like the hardware this wire
// format comes from.
package ring

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"
)

const (
	// BlockShift is the base alignment shift: pointers and sizes on the
	// wire are expressed in units of 1<<BlockShift bytes.
	BlockShift = 6
	// BlockUnit is the base alignment unit for entries and block sizes.
	BlockUnit = 1 << BlockShift

	// EntryHeaderSize is the fixed size of a queue entry header:
	// magic, size, channel and type, each 32-bit little-endian.
	EntryHeaderSize = 16

	// MagicIOP frames host-origin entries, MagicAOP device-origin ones.
	// Some firmware uses MagicIOP in both directions; decode accepts both.
	MagicIOP = 0x20504f49 // "IOP "
	MagicAOP = 0x20504f41 // "AOP "
)

var (
	// ErrLayout reports a ring region whose header does not describe a
	// usable ring (body size, block count or block alignment violated).
	ErrLayout = errors.New("invalid ring layout")

	// ErrNoSpace reports that a frame cannot be placed without
	// overwriting entries the peer has not consumed yet.
	ErrNoSpace = errors.New("insufficient ring space")

	// ErrCorruptEntry reports a queue entry with a bad magic or a span
	// that escapes the ring body.
	ErrCorruptEntry = errors.New("corrupt queue entry")
)

// Ring is one directional ring buffer inside a shared staging region.
// Exactly one side pushes and the other side pops; the pusher owns the
// write pointer, the popper owns the read pointer.
type Ring struct {
	hdr   []byte
	body  []byte
	bufsz uint32
	blksz uint32

	// Magic is written into entry headers on Push. Defaults to MagicIOP;
	// the device side of a simulated pair overrides it with MagicAOP.
	Magic uint32
}

// Attach interprets region as a ring negotiated by the peer: the body
// size is read from header block 0 and the block size derived from the
// difference between total and body size. total is the declared
// header+body size from the INIT_TX/INIT_RX control message.
func Attach(region []byte, total uint32) (*Ring, error) {
	if uint32(len(region)) < total {
		return nil, fmt.Errorf("%w: region %#x smaller than declared size %#x", ErrLayout, len(region), total)
	}
	if total < 4 {
		return nil, fmt.Errorf("%w: declared size %#x too small", ErrLayout, total)
	}
	bufsz := binary.LittleEndian.Uint32(region[0:4])
	if total <= bufsz {
		return nil, fmt.Errorf("%w: total size %#x must exceed body size %#x", ErrLayout, total, bufsz)
	}
	hdrsz := total - bufsz
	if hdrsz%3 != 0 {
		return nil, fmt.Errorf("%w: header size %#x not divisible by 3 blocks", ErrLayout, hdrsz)
	}
	blksz := hdrsz / 3
	if blksz < BlockUnit || blksz%BlockUnit != 0 {
		return nil, fmt.Errorf("%w: block size %#x must be a positive multiple of %#x", ErrLayout, blksz, BlockUnit)
	}
	return &Ring{
		hdr:   region[:hdrsz],
		body:  region[hdrsz:total],
		bufsz: bufsz,
		blksz: blksz,
		Magic: MagicIOP,
	}, nil
}

// Format initializes region as a fresh ring with the given block size:
// body size written to block 0, both pointers zeroed. This is the
// device-side half of negotiation; the host only ever attaches.
func Format(region []byte, blksz uint32) (*Ring, error) {
	if blksz < BlockUnit || blksz%BlockUnit != 0 {
		return nil, fmt.Errorf("%w: block size %#x must be a positive multiple of %#x", ErrLayout, blksz, BlockUnit)
	}
	hdrsz := 3 * blksz
	if uint32(len(region)) <= hdrsz {
		return nil, fmt.Errorf("%w: region %#x leaves no body after %#x header", ErrLayout, len(region), hdrsz)
	}
	bufsz := uint32(len(region)) - hdrsz
	for i := range region[:hdrsz] {
		region[i] = 0
	}
	binary.LittleEndian.PutUint32(region[0:4], bufsz)
	return &Ring{
		hdr:   region[:hdrsz],
		body:  region[hdrsz:],
		bufsz: bufsz,
		blksz: blksz,
		Magic: MagicIOP,
	}, nil
}

// BodySize returns the ring body size in bytes.
func (r *Ring) BodySize() uint32 { return r.bufsz }

// BlockSize returns the negotiated block size in bytes.
func (r *Ring) BlockSize() uint32 { return r.blksz }

// ptr32 returns an atomically accessible view of the 32-bit word at the
// given header offset. Header blocks are BlockUnit-aligned, so the word
// is naturally aligned as long as the region itself is.
func (r *Ring) ptr32(off uint32) *uint32 {
	return (*uint32)(unsafe.Pointer(&r.hdr[off]))
}

// ReadPtr loads the read pointer with acquire ordering.
func (r *Ring) ReadPtr() uint32 { return atomic.LoadUint32(r.ptr32(r.blksz * 1)) }

// WritePtr loads the write pointer with acquire ordering.
func (r *Ring) WritePtr() uint32 { return atomic.LoadUint32(r.ptr32(r.blksz * 2)) }

// SetReadPtr publishes a new read pointer with release ordering.
func (r *Ring) SetReadPtr(v uint32) { atomic.StoreUint32(r.ptr32(r.blksz*1), v) }

// SetWritePtr publishes a new write pointer with release ordering.
func (r *Ring) SetWritePtr(v uint32) { atomic.StoreUint32(r.ptr32(r.blksz*2), v) }

func (r *Ring) putEntryHeader(off, size, channel, typ uint32) {
	binary.LittleEndian.PutUint32(r.body[off+0:], r.Magic)
	binary.LittleEndian.PutUint32(r.body[off+4:], size)
	binary.LittleEndian.PutUint32(r.body[off+8:], channel)
	binary.LittleEndian.PutUint32(r.body[off+12:], typ)
}

func (r *Ring) entryHeader(off uint32) (magic, size, channel, typ uint32) {
	magic = binary.LittleEndian.Uint32(r.body[off+0:])
	size = binary.LittleEndian.Uint32(r.body[off+4:])
	channel = binary.LittleEndian.Uint32(r.body[off+8:])
	typ = binary.LittleEndian.Uint32(r.body[off+12:])
	return
}

func align(v, unit uint32) uint32 { return (v + unit - 1) &^ (unit - 1) }

// Push places one queue entry carrying payload into the ring and
// publishes the advanced write pointer. It returns the new write
// pointer so the caller can signal the peer.
//
// Placement distinguishes three layouts: straight placement behind the
// read pointer, straight placement before the end of the body, or a
// wrap: a sentinel copy of the header at the old write pointer plus the
// full entry at offset zero. The peer recognizes the sentinel because
// its declared span escapes the body. ErrNoSpace leaves the write
// pointer untouched.
func (r *Ring) Push(channel, typ uint32, payload []byte) (uint32, error) {
	rptr := r.ReadPtr()
	wptr := r.WritePtr()
	if rptr > r.bufsz {
		// The peer owns this field; never trust it blindly.
		return wptr, fmt.Errorf("%w: peer read pointer %#x out of bounds", ErrCorruptEntry, rptr)
	}
	size := uint32(len(payload))
	total := EntryHeaderSize + size

	var entry uint32
	wrap := false
	if wptr < rptr {
		// Region [wptr, rptr) is ours; no wraparound possible.
		if wptr+total > rptr {
			return wptr, fmt.Errorf("%w: need %#x, have %#x", ErrNoSpace, total, rptr-wptr)
		}
		entry = wptr
	} else {
		if wptr+EntryHeaderSize > r.bufsz {
			return wptr, fmt.Errorf("%w: no room for entry header at %#x", ErrNoSpace, wptr)
		}
		if wptr+total > r.bufsz {
			// Sentinel at wptr, real entry at offset zero. Both the
			// header at zero and the payload behind it must stay clear
			// of the unconsumed region ending at rptr.
			if EntryHeaderSize > rptr || EntryHeaderSize+size > rptr {
				return wptr, fmt.Errorf("%w: wrap needs %#x before read pointer %#x", ErrNoSpace, EntryHeaderSize+size, rptr)
			}
			entry = wptr
			wrap = true
		} else {
			entry = wptr
		}
	}

	r.putEntryHeader(entry, size, channel, typ)
	data := entry + EntryHeaderSize
	if wrap {
		r.putEntryHeader(0, size, channel, typ)
		data = EntryHeaderSize
	}
	copy(r.body[data:], payload)

	next := align(data+size, BlockUnit)
	if next >= r.bufsz {
		next = 0
	}
	// Entry bytes must be visible before the pointer that covers them.
	r.SetWritePtr(next)
	return next, nil
}

// Entry is one decoded queue entry. Payload aliases the shared region;
// it is only guaranteed stable until the peer reuses the space.
type Entry struct {
	Channel uint32
	Type    uint32
	Payload []byte
}

// Pop decodes the entry at the read pointer and advances past it. The
// second return is false when the ring is empty. A decode failure
// aborts this receive pass; the read pointer is left where it was so
// the next signal retries.
//
// The read pointer is published before the entry is handed to the
// caller, which means the peer may in principle start overwriting the
// payload while the caller still looks at it. This mirrors the
// producer's expectations about buffer lifetime and is an accepted
// ordering tradeoff, not an oversight.
func (r *Ring) Pop() (Entry, bool, error) {
	rptr := r.ReadPtr()
	wptr := r.WritePtr()
	if rptr == wptr {
		return Entry{}, false, nil
	}
	if uint64(rptr)+EntryHeaderSize > uint64(r.bufsz) {
		return Entry{}, false, fmt.Errorf("%w: read pointer %#x out of bounds", ErrCorruptEntry, rptr)
	}

	magic, size, channel, typ := r.entryHeader(rptr)
	if magic != MagicIOP && magic != MagicAOP {
		return Entry{}, false, fmt.Errorf("%w: bad magic %#08x at %#x", ErrCorruptEntry, magic, rptr)
	}

	// A span past the end of the body marks a wrap sentinel: the real
	// entry lives at offset zero.
	if uint64(rptr)+uint64(size)+EntryHeaderSize > uint64(r.bufsz) {
		rptr = 0
		magic, size, channel, typ = r.entryHeader(rptr)
		if magic != MagicIOP && magic != MagicAOP {
			return Entry{}, false, fmt.Errorf("%w: bad magic %#08x after wrap", ErrCorruptEntry, magic)
		}
		r.SetReadPtr(rptr)
		if uint64(size)+EntryHeaderSize > uint64(r.bufsz) {
			return Entry{}, false, fmt.Errorf("%w: entry spans %#x past body size %#x", ErrCorruptEntry, uint64(size)+EntryHeaderSize, r.bufsz)
		}
	}

	payload := r.body[rptr+EntryHeaderSize : rptr+EntryHeaderSize+size]
	next := align(rptr+EntryHeaderSize+size, BlockUnit)
	if next >= r.bufsz {
		next = 0
	}
	r.SetReadPtr(next)
	return Entry{Channel: channel, Type: typ, Payload: payload}, true, nil
}
