// Package hw simulates the memory hardware the kernel runs on: physical
// memory, per-process translation tables and the MMU that walks them.
package hw

import (
	"errors"
	"fmt"
)

// ErrOutOfRange is returned when accessing a physical address beyond the
// capacity of the memory.
var ErrOutOfRange = errors.New("accessing physical address beyond capacity")

// PFN is a physical frame number.
type PFN uint64

// PhysMem is the physical memory of the machine, divided into frames of one
// page each. Frames that were never touched take no host memory.
type PhysMem struct {
	pageSize  uint64
	numFrames uint64
	data      map[PFN][]byte
}

// NewPhysMem creates a physical memory of numFrames frames.
func NewPhysMem(pageSize, numFrames uint64) *PhysMem {
	if pageSize == 0 {
		panic("page size must be positive")
	}

	return &PhysMem{
		pageSize:  pageSize,
		numFrames: numFrames,
		data:      make(map[PFN][]byte),
	}
}

// PageSize returns the size of a frame in bytes.
func (m *PhysMem) PageSize() uint64 {
	return m.pageSize
}

// NumFrames returns the number of frames.
func (m *PhysMem) NumFrames() uint64 {
	return m.numFrames
}

// Capacity returns the size of the memory in bytes.
func (m *PhysMem) Capacity() uint64 {
	return m.pageSize * m.numFrames
}

// Frame returns the content of frame pfn. The returned slice aliases the
// memory, so writes to it are writes to the frame.
func (m *PhysMem) Frame(pfn PFN) []byte {
	if uint64(pfn) >= m.numFrames {
		panic(fmt.Sprintf("frame %d beyond %d frames", pfn, m.numFrames))
	}

	return m.createOrGetFrame(pfn)
}

func (m *PhysMem) createOrGetFrame(pfn PFN) []byte {
	frame, ok := m.data[pfn]
	if !ok {
		frame = make([]byte, m.pageSize)
		m.data[pfn] = frame
	}

	return frame
}

func (m *PhysMem) parseAddress(addr uint64) (pfn PFN, offset uint64) {
	return PFN(addr / m.pageSize), addr % m.pageSize
}

// Read returns length bytes starting at the physical address.
func (m *PhysMem) Read(addr, length uint64) ([]byte, error) {
	if addr+length > m.Capacity() {
		return nil, ErrOutOfRange
	}

	res := make([]byte, length)
	done := uint64(0)

	for done < length {
		pfn, offset := m.parseAddress(addr + done)
		frame := m.createOrGetFrame(pfn)
		done += uint64(copy(res[done:], frame[offset:]))
	}

	return res, nil
}

// Write stores data starting at the physical address.
func (m *PhysMem) Write(addr uint64, data []byte) error {
	if addr+uint64(len(data)) > m.Capacity() {
		return ErrOutOfRange
	}

	done := 0
	for done < len(data) {
		pfn, offset := m.parseAddress(addr + uint64(done))
		frame := m.createOrGetFrame(pfn)
		done += copy(frame[offset:], data[done:])
	}

	return nil
}
