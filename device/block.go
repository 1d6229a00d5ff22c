// Package device provides the storage devices the kernel pages against: block
// devices addressed by sector and byte-addressed files.
package device

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"
)

// ErrOutOfRange is returned when accessing a sector beyond the end of a block
// device.
var ErrOutOfRange = errors.New("sector out of range")

// A BlockDevice reads and writes fixed-size sectors.
type BlockDevice interface {
	Name() string
	SectorSize() int

	// Size returns the number of sectors.
	Size() uint64

	Read(sector uint64, buf []byte) error
	Write(sector uint64, buf []byte) error
}

// A Yielder gives up the processor. The scheduler implements it, so devices
// can let other threads run while a transfer is in flight.
type Yielder interface {
	Yield()
}

type blockBase struct {
	name       string
	sectorSize int
	numSectors uint64

	yielder Yielder
	latency int

	reads  atomic.Uint64
	writes atomic.Uint64
}

func (b *blockBase) Name() string {
	return b.name
}

func (b *blockBase) SectorSize() int {
	return b.sectorSize
}

func (b *blockBase) Size() uint64 {
	return b.numSectors
}

// Reads returns the number of sectors read.
func (b *blockBase) Reads() uint64 {
	return b.reads.Load()
}

// Writes returns the number of sectors written.
func (b *blockBase) Writes() uint64 {
	return b.writes.Load()
}

func (b *blockBase) check(sector uint64, buf []byte) error {
	if len(buf) != b.sectorSize {
		panic(fmt.Sprintf("%s: buffer of %d bytes for sector size %d",
			b.name, len(buf), b.sectorSize))
	}

	if sector >= b.numSectors {
		return fmt.Errorf("%s: sector %d: %w", b.name, sector, ErrOutOfRange)
	}

	return nil
}

func (b *blockBase) wait() {
	if b.yielder == nil {
		return
	}

	for i := 0; i < b.latency; i++ {
		b.yielder.Yield()
	}
}

// A MemBlock is a block device kept in host memory.
type MemBlock struct {
	blockBase
	data []byte
}

// Read reads sector into buf, which must be one sector long.
func (b *MemBlock) Read(sector uint64, buf []byte) error {
	if err := b.check(sector, buf); err != nil {
		return err
	}

	b.wait()

	start := sector * uint64(b.sectorSize)
	copy(buf, b.data[start:start+uint64(b.sectorSize)])
	b.reads.Add(1)

	return nil
}

// Write writes buf, which must be one sector long, to sector.
func (b *MemBlock) Write(sector uint64, buf []byte) error {
	if err := b.check(sector, buf); err != nil {
		return err
	}

	b.wait()

	start := sector * uint64(b.sectorSize)
	copy(b.data[start:start+uint64(b.sectorSize)], buf)
	b.writes.Add(1)

	return nil
}

// A FileBlock is a block device backed by a file on the host.
type FileBlock struct {
	blockBase
	file *os.File
}

// Read reads sector into buf, which must be one sector long.
func (b *FileBlock) Read(sector uint64, buf []byte) error {
	if err := b.check(sector, buf); err != nil {
		return err
	}

	b.wait()

	_, err := b.file.ReadAt(buf, int64(sector)*int64(b.sectorSize))
	if err != nil {
		return fmt.Errorf("%s: reading sector %d: %w", b.name, sector, err)
	}

	b.reads.Add(1)

	return nil
}

// Write writes buf, which must be one sector long, to sector.
func (b *FileBlock) Write(sector uint64, buf []byte) error {
	if err := b.check(sector, buf); err != nil {
		return err
	}

	b.wait()

	_, err := b.file.WriteAt(buf, int64(sector)*int64(b.sectorSize))
	if err != nil {
		return fmt.Errorf("%s: writing sector %d: %w", b.name, sector, err)
	}

	b.writes.Add(1)

	return nil
}

// Close closes the host file.
func (b *FileBlock) Close() error {
	return b.file.Close()
}
