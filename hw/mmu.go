package hw

import "fmt"

// A Fault is raised by the MMU when a user access cannot be translated.
type Fault struct {
	Addr uint64

	// Write is set if the faulting access was a store.
	Write bool

	// Present is set if the page was mapped but the access violated its
	// protection.
	Present bool
}

func (f *Fault) Error() string {
	kind := "read"
	if f.Write {
		kind = "write"
	}

	cause := "not present"
	if f.Present {
		cause = "rights violation"
	}

	return fmt.Sprintf("page fault at %#x: %s error %s", f.Addr, cause, kind)
}

// An MMU translates user accesses through the active page directory.
type MMU struct {
	mem    *PhysMem
	active *PageDir
}

// NewMMU creates an MMU that accesses mem.
func NewMMU(mem *PhysMem) *MMU {
	return &MMU{mem: mem}
}

// Activate makes pd the current translation table. A nil pd disables user
// accesses.
func (m *MMU) Activate(pd *PageDir) {
	m.active = pd
}

// Active returns the current translation table.
func (m *MMU) Active() *PageDir {
	return m.active
}

// Load copies len(buf) bytes from virtual address addr into buf. It returns
// the number of bytes copied and the fault that stopped it, if any.
func (m *MMU) Load(addr uint64, buf []byte) (int, *Fault) {
	return m.access(addr, buf, false)
}

// Store copies data to virtual address addr. It returns the number of bytes
// copied and the fault that stopped it, if any.
func (m *MMU) Store(addr uint64, data []byte) (int, *Fault) {
	return m.access(addr, data, true)
}

func (m *MMU) access(addr uint64, buf []byte, write bool) (int, *Fault) {
	done := 0

	for done < len(buf) {
		va := addr + uint64(done)
		pte := m.translate(va, write)
		if pte == nil {
			return done, m.fault(va, write)
		}

		offset := va % m.mem.pageSize
		frame := m.mem.Frame(pte.PFN)

		var n int
		if write {
			n = copy(frame[offset:], buf[done:])
			pte.Dirty = true
		} else {
			n = copy(buf[done:], frame[offset:])
		}
		pte.Accessed = true

		done += n
	}

	return done, nil
}

func (m *MMU) translate(va uint64, write bool) *PTE {
	if m.active == nil {
		return nil
	}

	pte, ok := m.active.entries[va/m.active.pageSize]
	if !ok || !pte.Present {
		return nil
	}

	if write && !pte.Writable {
		return nil
	}

	return pte
}

func (m *MMU) fault(va uint64, write bool) *Fault {
	f := &Fault{Addr: va, Write: write}

	if m.active != nil {
		pte, ok := m.active.entries[va/m.active.pageSize]
		f.Present = ok && pte.Present
	}

	return f
}
