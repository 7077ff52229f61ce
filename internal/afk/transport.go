package afk

// Transport is the raw mailbox primitive the endpoint sends 64-bit
// control words through. Inbound words arrive via Endpoint.Deliver,
// called by whatever owns the mailbox interrupt path.
type Transport interface {
	// Send transmits one control word to the peer on the given
	// endpoint number.
	Send(endpoint uint8, message uint64) error
	// StartEndpoint asks the underlying transport to bring the
	// endpoint up before the INIT handshake.
	StartEndpoint(endpoint uint8) error
}

// Buffer is a DMA-coherent allocation: host-visible bytes plus the
// device address the coprocessor reaches them under.
type Buffer struct {
	Data    []byte
	DevAddr uint64

	free func()
}

// NewBuffer builds a Buffer around an allocation. free may be nil.
func NewBuffer(data []byte, devAddr uint64, free func()) *Buffer {
	return &Buffer{Data: data, DevAddr: devAddr, free: free}
}

// Free releases the allocation. Safe on nil.
func (b *Buffer) Free() {
	if b != nil && b.free != nil {
		b.free()
	}
}

// Allocator hands out DMA-coherent buffers for ring staging and
// per-command request/response exchanges.
type Allocator interface {
	AllocCoherent(size uint32) (*Buffer, error)
}
