package vm

import (
	"errors"
	"fmt"
	"log"
	"sort"

	"github.com/sarchlab/vmkernel/device"
)

// MapFile maps length bytes of file at vaddr. A length of zero maps the
// whole file. The mapping uses its own handle on the file, so the caller may
// close file afterwards. Pages of a writable mapping write their changes
// back to the file; pages of a read-only mapping may share frames with other
// processes mapping the same file.
func (m *Manager) MapFile(
	as *AddressSpace,
	file device.File,
	vaddr uint64,
	length int64,
	writable bool,
) (MapID, error) {
	if length <= 0 {
		length = file.Length()
	}

	if length <= 0 {
		return 0, fmt.Errorf("%w: empty file %s", ErrBadMapping, file.Name())
	}

	if vaddr == 0 || vaddr%m.pageSize != 0 {
		return 0, fmt.Errorf("%w: address %#x", ErrBadMapping, vaddr)
	}

	n := (uint64(length) + m.pageSize - 1) / m.pageSize
	end := vaddr + n*m.pageSize
	if end < vaddr || end > m.userTop-m.stackLimit {
		return 0, fmt.Errorf("%w: %#x-%#x reaches the stack",
			ErrBadMapping, vaddr, end)
	}

	as.lock.Acquire()
	defer as.lock.Release()

	first := vaddr / m.pageSize
	if as.anyInRangeLocked(first, n) {
		return 0, fmt.Errorf("%w: %#x-%#x overlaps", ErrBadMapping, vaddr, end)
	}

	f, err := file.Reopen()
	if err != nil {
		return 0, fmt.Errorf("reopening %s: %w", file.Name(), err)
	}

	valid := min(length, file.Length())

	as.nextMap++
	mp := &mapping{
		id:    as.nextMap,
		file:  f,
		start: first,
		pages: n,
	}

	for i := uint64(0); i < n; i++ {
		ofs := int64(i * m.pageSize)
		readBytes := max(min(valid-ofs, int64(m.pageSize)), 0)

		p, err := m.createPageLocked(as, vaddr+i*m.pageSize, writable,
			FileOrigin{
				File:      f,
				Offset:    ofs,
				ReadBytes: int(readBytes),
				WriteBack: writable,
			})
		if err != nil {
			log.Panicf("vm: mapping page %#x: %v", vaddr+i*m.pageSize, err)
		}

		p.mapID = mp.id
	}

	as.maps[mp.id] = mp

	return mp.id, nil
}

// Unmap removes a mapping created by MapFile. Modified pages are written
// back to the file. The mapping is removed even when some write-back fails;
// the failures are joined into the returned error.
func (m *Manager) Unmap(as *AddressSpace, id MapID) error {
	m.s.MustNotBeInInterrupt("unmap")

	mp, ok := as.maps[id]
	if !ok {
		return fmt.Errorf("%w: no mapping %d", ErrBadMapping, id)
	}

	var errs []error

	m.frames.Lock()
	for i := uint64(0); i < mp.pages; i++ {
		if _, err := m.destroyPageLocked(as, mp.start+i); err != nil {
			errs = append(errs, err)
		}
	}
	m.frames.Unlock()

	delete(as.maps, id)
	errs = append(errs, mp.file.Close())

	return errors.Join(errs...)
}

// UnmapAddr removes the mapping that starts at vaddr.
func (m *Manager) UnmapAddr(as *AddressSpace, vaddr uint64) error {
	for id, mp := range as.maps {
		if mp.start*m.pageSize == vaddr {
			return m.Unmap(as, id)
		}
	}

	return fmt.Errorf("%w: no mapping at %#x", ErrBadMapping, vaddr)
}

// MapInfo describes a file mapping.
type MapInfo struct {
	ID    MapID  `json:"id"`
	File  string `json:"file"`
	VAddr uint64 `json:"vaddr"`
	Pages uint64 `json:"pages"`
}

// Mappings lists the file mappings in address order.
func (as *AddressSpace) Mappings() []MapInfo {
	infos := make([]MapInfo, 0, len(as.maps))
	for _, mp := range as.maps {
		infos = append(infos, MapInfo{
			ID:    mp.id,
			File:  mp.file.Name(),
			VAddr: mp.start * as.m.pageSize,
			Pages: mp.pages,
		})
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].VAddr < infos[j].VAddr
	})

	return infos
}
