package vm

import (
	"github.com/google/btree"

	"github.com/sarchlab/vmkernel/device"
	"github.com/sarchlab/vmkernel/hw"
	"github.com/sarchlab/vmkernel/synch"
	"github.com/sarchlab/vmkernel/vm/frame"
)

type mapping struct {
	id    MapID
	file  device.File
	start uint64
	pages uint64
}

// An AddressSpace is the user memory of one process: its page descriptors,
// ordered by virtual page number, and its translation table.
//
// The page table lock nests inside the frame table lock.
type AddressSpace struct {
	id   uint64
	name string
	m    *Manager

	lock  *synch.Lock
	pages *btree.BTreeG[*Page]
	pd    *hw.PageDir

	maps    map[MapID]*mapping
	nextMap MapID

	esp        uint64
	killed     bool
	exitStatus int
	exitErr    error
	exited     bool
}

func newAddressSpace(m *Manager, id uint64, name string) *AddressSpace {
	pages := btree.NewG[*Page](8, func(a, b *Page) bool {
		return a.vpn < b.vpn
	})

	return &AddressSpace{
		id:    id,
		name:  name,
		m:     m,
		lock:  synch.NewLock(m.s, name+".pt"),
		pages: pages,
		pd:    hw.NewPageDir(m.pageSize),
		maps:  make(map[MapID]*mapping),
	}
}

// ID returns the identifier of the address space.
func (as *AddressSpace) ID() uint64 {
	return as.id
}

// Name returns the name of the process that owns the address space.
func (as *AddressSpace) Name() string {
	return as.name
}

// PageDir returns the translation table.
func (as *AddressSpace) PageDir() *hw.PageDir {
	return as.pd
}

// SetStackPointer records the user stack pointer used to recognize stack
// growth.
func (as *AddressSpace) SetStackPointer(esp uint64) {
	as.esp = esp
}

// StackPointer returns the recorded user stack pointer.
func (as *AddressSpace) StackPointer() uint64 {
	return as.esp
}

// Killed reports whether the process was terminated by a fatal fault.
func (as *AddressSpace) Killed() bool {
	return as.killed
}

// ExitStatus returns the exit status. It is -1 for killed processes.
func (as *AddressSpace) ExitStatus() int {
	return as.exitStatus
}

// ExitErr returns the write-back failures of the teardown, if any.
func (as *AddressSpace) ExitErr() error {
	return as.exitErr
}

// NumPages returns the number of page descriptors.
func (as *AddressSpace) NumPages() int {
	return as.pages.Len()
}

// Pages describes every page in address order. The kernel must be paused
// or the caller must run in kernel context.
func (as *AddressSpace) Pages() []PageInfo {
	var infos []PageInfo

	as.pages.Ascend(func(p *Page) bool {
		infos = append(infos, p.info(as.m.pageSize, as.pd.IsDirty(p.vpn)))
		return true
	})

	return infos
}

// Page describes the page that contains addr.
func (as *AddressSpace) Page(addr uint64) (PageInfo, bool) {
	p := as.findLocked(addr / as.m.pageSize)
	if p == nil {
		return PageInfo{}, false
	}

	return p.info(as.m.pageSize, as.pd.IsDirty(p.vpn)), true
}

func (as *AddressSpace) findLocked(vpn uint64) *Page {
	p, ok := as.pages.Get(&Page{vpn: vpn})
	if !ok {
		return nil
	}

	return p
}

// anyInRangeLocked reports whether a page exists in [first, first+n).
func (as *AddressSpace) anyInRangeLocked(first, n uint64) bool {
	found := false
	as.pages.AscendRange(&Page{vpn: first}, &Page{vpn: first + n},
		func(*Page) bool {
			found = true
			return false
		})

	return found
}

func (as *AddressSpace) pageID(p *Page) frame.PageID {
	return frame.PageID{Space: as.id, VPN: p.vpn}
}

// Read copies user memory at addr into buf, faulting pages in as needed. A
// fatal fault kills the process.
func (as *AddressSpace) Read(addr uint64, buf []byte) error {
	return as.access(addr, buf, false)
}

// Write copies data to user memory at addr, faulting pages in as needed. A
// fatal fault kills the process.
func (as *AddressSpace) Write(addr uint64, data []byte) error {
	return as.access(addr, data, true)
}

func (as *AddressSpace) access(addr uint64, buf []byte, write bool) error {
	mmu := as.m.mmu
	done := 0

	for {
		if as.killed {
			return ErrKilled
		}

		if mmu.Active() != as.pd {
			mmu.Activate(as.pd)
		}

		var (
			n int
			f *hw.Fault
		)

		if write {
			n, f = mmu.Store(addr+uint64(done), buf[done:])
		} else {
			n, f = mmu.Load(addr+uint64(done), buf[done:])
		}

		done += n
		if f == nil {
			return nil
		}

		err := as.m.ResolveFault(as, f.Addr, write, as.esp)
		if err != nil {
			as.m.kill(as, err)
			return err
		}
	}
}
