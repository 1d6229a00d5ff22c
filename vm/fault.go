package vm

import (
	"errors"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/vmkernel/vm/frame"
)

// ResolveFault makes the page that contains addr accessible, loading it into
// a frame if needed. esp is the user stack pointer at the time of the fault.
// A *FaultError means the access is illegal or cannot be satisfied and the
// faulting process must die.
func (m *Manager) ResolveFault(
	as *AddressSpace,
	addr uint64,
	write bool,
	esp uint64,
) error {
	m.s.MustNotBeInInterrupt("page fault")
	m.stats.faults.Add(1)

	ev := m.event(as, addr/m.pageSize)
	ev.VAddr = addr
	ev.Write = write
	m.invoke(HookPosFault, ev)

	m.frames.Lock()
	defer m.frames.Unlock()

	_, _, err := m.faultInLocked(as, addr, write, esp)

	return err
}

// faultInLocked returns the page that contains addr once it is resident with
// its translation installed and no io in progress. The frame table lock must
// be held; it is released during io.
func (m *Manager) faultInLocked(
	as *AddressSpace,
	addr uint64,
	write bool,
	esp uint64,
) (*Page, frame.Handle, error) {
	if addr >= m.userTop {
		return nil, 0, m.fatal(addr, write, ErrSegmentationFault)
	}

	vpn := addr / m.pageSize

	for {
		as.lock.Acquire()

		p := as.findLocked(vpn)
		if p == nil {
			if !m.isStackAccess(addr, esp) {
				as.lock.Release()
				return nil, 0, m.fatal(addr, write, ErrSegmentationFault)
			}

			p = m.growStackLocked(as, vpn)
		}

		if write && !p.writable {
			as.lock.Release()
			return nil, 0, m.fatal(addr, write, ErrReadOnly)
		}

		if r, ok := p.res.(resident); ok {
			if m.frames.BusyLocked(r.frame) {
				as.lock.Release()
				m.frames.WaitIOLocked(r.frame)

				continue
			}

			if !isPresent(as, vpn) {
				as.pd.SetPage(vpn, m.frames.PFN(r.frame), p.writable)
			}

			as.lock.Release()

			return p, r.frame, nil
		}

		as.lock.Release()

		if err := m.loadLocked(as, p); err != nil {
			return nil, 0, m.fatal(addr, write, err)
		}
	}
}

func isPresent(as *AddressSpace, vpn uint64) bool {
	pte, ok := as.pd.Lookup(vpn)
	return ok && pte.Present
}

// isStackAccess reports whether an access to addr with the stack pointer at
// esp should grow the stack. The stack spans at most stackLimit bytes below
// userTop, and an access may land up to stackSlack bytes below esp, which
// covers instructions that check the stack before moving the pointer.
func (m *Manager) isStackAccess(addr, esp uint64) bool {
	if addr >= m.userTop || addr < m.userTop-m.stackLimit {
		return false
	}

	return addr+m.stackSlack >= esp
}

func (m *Manager) growStackLocked(as *AddressSpace, vpn uint64) *Page {
	p := &Page{
		vpn:      vpn,
		writable: true,
		origin:   ZeroOrigin{},
		res:      unloaded{},
	}
	as.pages.ReplaceOrInsert(p)

	m.stats.stackGrowths.Add(1)
	m.invoke(HookPosStackGrowth, m.event(as, vpn))

	m.log.WithFields(logrus.Fields{
		"process": as.name,
		"vaddr":   fmt.Sprintf("%#x", vpn*m.pageSize),
	}).Debug("stack grown")

	return p
}

// loadLocked brings p into a frame. On success p is resident; the caller
// installs the translation.
func (m *Manager) loadLocked(as *AddressSpace, p *Page) error {
	id := as.pageID(p)

	key, shareable := p.shareKey()
	if shareable {
		if h, ok := m.frames.LookupSharedLocked(key); ok {
			m.frames.AttachLocked(h, id)
			as.lock.Acquire()
			p.res = resident{frame: h}
			as.lock.Release()

			m.stats.sharedHits.Add(1)
			ev := m.event(as, p.vpn)
			ev.Frame = int(h)
			m.invoke(HookPosSharedHit, ev)

			return nil
		}
	}

	prev := p.res
	h, err := m.frames.AcquireLocked(id, func(h frame.Handle) {
		as.lock.Acquire()
		p.res = resident{frame: h}
		as.lock.Release()
	})
	if err != nil {
		as.lock.Acquire()
		p.res = prev
		as.lock.Release()

		return err
	}

	m.frames.Unlock()
	err = m.populate(as, p, prev, m.frames.Data(h))
	m.frames.Lock()

	if err != nil {
		as.lock.Acquire()
		p.res = prev
		as.lock.Release()

		m.frames.ReleaseLocked(h, id)
		m.frames.FinishIOLocked(h)

		return err
	}

	if sw, ok := prev.(swapped); ok {
		m.swap.Release(sw.slot)

		as.lock.Acquire()
		p.anonymous = true
		as.lock.Release()
	}

	// Other address spaces may attach only once the content is in place.
	if shareable {
		m.frames.ShareLocked(h, key)
	}

	m.frames.FinishIOLocked(h)

	return nil
}

// populate fills kpage with the content of p. It runs without locks.
func (m *Manager) populate(
	as *AddressSpace,
	p *Page,
	from residency,
	kpage []byte,
) error {
	ev := m.event(as, p.vpn)

	if sw, ok := from.(swapped); ok {
		if err := m.swap.Read(sw.slot, kpage); err != nil {
			return err
		}

		m.stats.swapIns.Add(1)
		ev.Slot = int(sw.slot)
		m.invoke(HookPosSwapIn, ev)

		return nil
	}

	fo, ok := p.fileOrigin()
	if !ok {
		clear(kpage)

		m.stats.zeroFills.Add(1)
		m.invoke(HookPosZeroFill, ev)

		return nil
	}

	n, err := fo.File.ReadAt(kpage[:fo.ReadBytes], fo.Offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("reading %s at %d: %w", fo.File.Name(), fo.Offset, err)
	}
	clear(kpage[n:])

	m.stats.fileReads.Add(1)
	m.invoke(HookPosFileRead, ev)

	return nil
}
