// Package coproc simulates the device side of the mailbox transport: a
// coherent memory pool shared with the host and a coprocessor that
// negotiates ring buffers, answers commands, and originates announces,
// reports and calls. It exists for the simulator binary and the
// endpoint tests.
package coproc

import (
	"fmt"
	"sync"

	"afk/internal/afk"
)

// Memory is a fake coherent allocator. Device addresses are synthetic
// handles into a region map shared by host and device, standing in for
// the IOMMU-translated buffers of real hardware.
type Memory struct {
	mu      sync.Mutex
	next    uint64
	regions map[uint64][]byte

	allocs int
	frees  int
}

func NewMemory() *Memory {
	return &Memory{
		next:    0x1000_0000,
		regions: make(map[uint64][]byte),
	}
}

// AllocCoherent implements afk.Allocator.
func (m *Memory) AllocCoherent(size uint32) (*afk.Buffer, error) {
	if size == 0 {
		return nil, fmt.Errorf("zero-size allocation")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	dva := m.next
	m.next += uint64(size) + 0xfff
	m.next &^= 0xfff
	data := make([]byte, size)
	m.regions[dva] = data
	m.allocs++
	return afk.NewBuffer(data, dva, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.regions, dva)
		m.frees++
	}), nil
}

// At returns the region allocated at a device address, or nil.
func (m *Memory) At(dva uint64) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.regions[dva]
}

// Live returns the number of outstanding allocations. Tests use it to
// check that command buffers are freed exactly once.
func (m *Memory) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.allocs - m.frees
}
