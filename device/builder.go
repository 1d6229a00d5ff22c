package device

import (
	"fmt"
	"os"
)

// A Builder can build block devices.
type Builder struct {
	sectorSize int
	numSectors uint64
	yielder    Yielder
	latency    int
}

// MakeBuilder creates a builder with default parameters.
func MakeBuilder() Builder {
	return Builder{
		sectorSize: 512,
		numSectors: 8 * 1024,
	}
}

// WithSectorSize sets the size of a sector in bytes.
func (b Builder) WithSectorSize(size int) Builder {
	b.sectorSize = size
	return b
}

// WithNumSectors sets the capacity of the device in sectors.
func (b Builder) WithNumSectors(n uint64) Builder {
	b.numSectors = n
	return b
}

// WithLatency makes every sector transfer yield the processor the given
// number of times.
func (b Builder) WithLatency(y Yielder, yields int) Builder {
	b.yielder = y
	b.latency = yields
	return b
}

func (b Builder) base(name string) blockBase {
	if b.sectorSize <= 0 {
		panic("sector size must be positive")
	}

	return blockBase{
		name:       name,
		sectorSize: b.sectorSize,
		numSectors: b.numSectors,
		yielder:    b.yielder,
		latency:    b.latency,
	}
}

// Build creates an in-memory block device.
func (b Builder) Build(name string) *MemBlock {
	return &MemBlock{
		blockBase: b.base(name),
		data:      make([]byte, b.numSectors*uint64(b.sectorSize)),
	}
}

// BuildFile creates a block device stored in the host file at path. The file
// is created if needed and sized to the capacity of the device.
func (b Builder) BuildFile(name, path string) (*FileBlock, error) {
	dev := &FileBlock{blockBase: b.base(name)}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening block device %s: %w", name, err)
	}

	err = f.Truncate(int64(b.numSectors) * int64(b.sectorSize))
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("sizing block device %s: %w", name, err)
	}

	dev.file = f

	return dev, nil
}
