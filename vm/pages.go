package vm

import (
	"errors"
	"fmt"
	"log"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/vmkernel/device"
	"github.com/sarchlab/vmkernel/vm/frame"
)

// CreatePage adds a page descriptor for the page at vaddr. The page is not
// loaded until it is first accessed.
func (m *Manager) CreatePage(
	as *AddressSpace,
	vaddr uint64,
	writable bool,
	origin Origin,
) error {
	if err := m.checkOrigin(origin); err != nil {
		return err
	}

	as.lock.Acquire()
	defer as.lock.Release()

	_, err := m.createPageLocked(as, vaddr, writable, origin)

	return err
}

func (m *Manager) checkOrigin(origin Origin) error {
	switch o := origin.(type) {
	case ZeroOrigin:
		return nil
	case FileOrigin:
		if o.File == nil || o.ReadBytes < 0 || uint64(o.ReadBytes) > m.pageSize {
			return fmt.Errorf("%w: bad file origin", ErrBadMapping)
		}

		return nil
	}

	return fmt.Errorf("%w: unknown origin %T", ErrBadMapping, origin)
}

func (m *Manager) createPageLocked(
	as *AddressSpace,
	vaddr uint64,
	writable bool,
	origin Origin,
) (*Page, error) {
	if vaddr%m.pageSize != 0 || vaddr >= m.userTop {
		return nil, fmt.Errorf("%w: page address %#x", ErrBadMapping, vaddr)
	}

	vpn := vaddr / m.pageSize
	if as.findLocked(vpn) != nil {
		return nil, fmt.Errorf("%w: page %#x already exists", ErrBadMapping, vaddr)
	}

	p := &Page{
		vpn:      vpn,
		writable: writable,
		origin:   origin,
		res:      unloaded{},
	}
	as.pages.ReplaceOrInsert(p)

	return p, nil
}

// DestroyPage removes the page at vaddr. Modified content of a writable file
// mapping is written back first; a swap slot is freed. The page is removed
// even if the write-back fails, and the error wraps ErrWriteBack.
func (m *Manager) DestroyPage(as *AddressSpace, vaddr uint64) error {
	m.s.MustNotBeInInterrupt("destroy page")

	m.frames.Lock()
	defer m.frames.Unlock()

	found, err := m.destroyPageLocked(as, vaddr/m.pageSize)
	if !found {
		return fmt.Errorf("%w: no page at %#x", ErrBadMapping, vaddr)
	}

	return err
}

// destroyPageLocked requires the frame table lock. found is false if no page
// exists at vpn. err reports a failed write-back.
func (m *Manager) destroyPageLocked(
	as *AddressSpace,
	vpn uint64,
) (found bool, err error) {
	for {
		as.lock.Acquire()

		p := as.findLocked(vpn)
		if p == nil {
			as.lock.Release()
			return false, nil
		}

		if r, ok := p.res.(resident); ok {
			if m.frames.BusyLocked(r.frame) {
				as.lock.Release()
				m.frames.WaitIOLocked(r.frame)

				continue
			}

			if p.pins > 0 {
				log.Panicf("vm: destroying pinned page %#x of %s",
					vpn*m.pageSize, as.name)
			}

			as.pd.ClearPage(vpn)
			if as.pd.IsDirty(vpn) {
				p.dirty = true
			}

			if p.dirty && p.writesBack() {
				err = m.flushLocked(as, p, r.frame)
			}

			m.frames.ReleaseLocked(r.frame, as.pageID(p))
		}

		if sw, ok := p.res.(swapped); ok {
			m.swap.Release(sw.slot)
		}

		as.pd.RemovePage(vpn)
		as.pages.Delete(p)
		as.lock.Release()

		return true, err
	}
}

// flushLocked writes a resident page back to its file. It is called with the
// frame table lock and the page table lock held, and drops both during io.
func (m *Manager) flushLocked(
	as *AddressSpace,
	p *Page,
	h frame.Handle,
) error {
	m.frames.BeginIOLocked(h)
	as.lock.Release()
	m.frames.Unlock()

	err := m.writeBack(p, m.frames.Data(h))

	m.frames.Lock()
	as.lock.Acquire()
	m.frames.FinishIOLocked(h)

	ev := m.event(as, p.vpn)
	ev.Frame = int(h)

	if err != nil {
		m.log.WithFields(logrus.Fields{
			"process": as.name,
		}).WithError(err).Warn("write-back failed")

		return fmt.Errorf("%w: %w", ErrWriteBack, err)
	}

	p.dirty = false
	m.stats.writeBacks.Add(1)
	m.invoke(HookPosWriteBack, ev)

	return nil
}

// LoadSegment installs the pages of a program segment. The first readBytes
// bytes come from file starting at offset ofs, the following zeroBytes bytes
// are zero. Writable segments are private: their modified pages go to swap.
func (m *Manager) LoadSegment(
	as *AddressSpace,
	file device.File,
	ofs int64,
	upage uint64,
	readBytes, zeroBytes uint64,
	writable bool,
) error {
	if (readBytes+zeroBytes)%m.pageSize != 0 ||
		upage%m.pageSize != 0 ||
		uint64(ofs)%m.pageSize != 0 {
		return fmt.Errorf("%w: misaligned segment at %#x", ErrBadMapping, upage)
	}

	as.lock.Acquire()
	defer as.lock.Release()

	first := upage / m.pageSize
	n := (readBytes + zeroBytes) / m.pageSize
	if upage+n*m.pageSize > m.userTop || as.anyInRangeLocked(first, n) {
		return fmt.Errorf("%w: segment at %#x overlaps", ErrBadMapping, upage)
	}

	for i := uint64(0); i < n; i++ {
		pageRead := min(readBytes, m.pageSize)

		var origin Origin = ZeroOrigin{}
		if pageRead > 0 {
			origin = FileOrigin{
				File:      file,
				Offset:    ofs,
				ReadBytes: int(pageRead),
			}
		}

		_, err := m.createPageLocked(as, upage, writable, origin)
		if err != nil {
			return err
		}

		readBytes -= pageRead
		ofs += int64(m.pageSize)
		upage += m.pageSize
	}

	return nil
}

// Pin faults in the page that contains addr and keeps it resident until
// Unpin. Kernel code pins user buffers it accesses while holding locks.
func (m *Manager) Pin(as *AddressSpace, addr uint64, write bool) error {
	m.s.MustNotBeInInterrupt("pin")

	m.frames.Lock()
	defer m.frames.Unlock()

	p, h, err := m.faultInLocked(as, addr, write, as.esp)
	if err != nil {
		return err
	}

	as.lock.Acquire()
	p.pins++
	as.lock.Release()

	m.frames.PinLocked(h)

	return nil
}

// Unpin undoes Pin.
func (m *Manager) Unpin(as *AddressSpace, addr uint64) {
	m.frames.Lock()
	defer m.frames.Unlock()

	as.lock.Acquire()
	defer as.lock.Release()

	p := as.findLocked(addr / m.pageSize)
	if p == nil || p.pins == 0 {
		log.Panicf("vm: unpinning page %#x of %s which is not pinned",
			addr, as.name)
	}

	p.pins--
	m.frames.UnpinLocked(p.res.(resident).frame)
}

// Exit tears down the address space of a terminated process: every page is
// destroyed, every file mapping closed. status is ignored for processes that
// were killed. Failed write-backs do not stop the teardown; they are joined
// into the returned error, which is also kept in the address space.
func (m *Manager) Exit(as *AddressSpace, status int) error {
	m.s.MustNotBeInInterrupt("exit")

	if as.exited {
		log.Panicf("vm: %s exits twice", as.name)
	}

	if !as.killed {
		as.exitStatus = status
	}

	m.frames.Lock()

	as.lock.Acquire()
	var vpns []uint64
	as.pages.Ascend(func(p *Page) bool {
		vpns = append(vpns, p.vpn)
		return true
	})
	as.lock.Release()

	var errs []error
	for _, vpn := range vpns {
		if _, err := m.destroyPageLocked(as, vpn); err != nil {
			errs = append(errs, err)
		}
	}

	m.frames.Unlock()

	for id, mp := range as.maps {
		mp.file.Close()
		delete(as.maps, id)
	}

	as.exited = true
	if m.mmu.Active() == as.pd {
		m.mmu.Activate(nil)
	}

	m.spacesMu.Lock()
	delete(m.spaces, as.id)
	m.spacesMu.Unlock()

	as.exitErr = errors.Join(errs...)

	entry := m.log.WithFields(logrus.Fields{
		"process": as.name,
		"status":  as.exitStatus,
	})
	if as.exitErr != nil {
		entry.WithError(as.exitErr).Warn("address space released with lost writes")
	} else {
		entry.Info("address space released")
	}

	return as.exitErr
}
