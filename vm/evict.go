package vm

import (
	"errors"
	"fmt"
	"log"

	"github.com/sirupsen/logrus"

	"github.com/sarchlab/vmkernel/vm/frame"
	"github.com/sarchlab/vmkernel/vm/swap"
)

type evictionKind int

const (
	// evictDrop discards the content; it can be rebuilt from the origin.
	evictDrop evictionKind = iota
	evictToFile
	evictToSwap
)

type eviction struct {
	m    *Manager
	as   *AddressSpace
	p    *Page
	kind evictionKind

	slot    swap.Slot
	hasSlot bool
}

// PrepareEviction unmaps a page and decides where its content goes. Dirty
// pages of writable file mappings go back to the file. Other dirty pages,
// and pages whose content no longer matches their origin, go to swap. The
// rest are dropped.
func (m *Manager) PrepareEviction(id frame.PageID) frame.Eviction {
	as := m.space(id.Space)

	as.lock.Acquire()
	defer as.lock.Release()

	p := as.findLocked(id.VPN)
	if p == nil {
		log.Panicf("vm: evicting unknown page %s", id)
	}

	if _, ok := p.res.(resident); !ok {
		log.Panicf("vm: evicting page %s which is not resident", id)
	}

	as.pd.ClearPage(p.vpn)
	if as.pd.IsDirty(p.vpn) {
		p.dirty = true
	}

	e := &eviction{m: m, as: as, p: p}

	switch {
	case p.writesBack():
		if p.dirty {
			e.kind = evictToFile
		}
	case p.dirty || p.anonymous:
		e.kind = evictToSwap
	}

	return e
}

// Write saves the content of the page.
func (e *eviction) Write(kpage []byte) error {
	switch e.kind {
	case evictToFile:
		return e.m.writeBack(e.p, kpage)
	case evictToSwap:
		slot, err := e.m.swap.Allocate()
		if errors.Is(err, swap.ErrNoSpace) {
			return fmt.Errorf("%w: %w", ErrNoSwap, err)
		}

		if err != nil {
			return err
		}

		e.slot = slot
		e.hasSlot = true

		return e.m.swap.Write(slot, kpage)
	}

	return nil
}

// Commit records where the content went, or keeps the page resident if the
// write failed.
func (e *eviction) Commit(err error) {
	m, as, p := e.m, e.as, e.p

	as.lock.Acquire()
	defer as.lock.Release()

	ev := m.event(as, p.vpn)
	if r, ok := p.res.(resident); ok {
		ev.Frame = int(r.frame)
	}

	if err != nil {
		if e.hasSlot {
			m.swap.Release(e.slot)
		}

		m.log.WithFields(logrus.Fields{
			"process": as.name,
			"vaddr":   fmt.Sprintf("%#x", ev.VAddr),
		}).WithError(err).Warn("page kept in memory")

		return
	}

	as.pd.RemovePage(p.vpn)

	switch e.kind {
	case evictToSwap:
		p.res = swapped{slot: e.slot}
		p.dirty = false
		m.stats.swapOuts.Add(1)
		ev.Slot = int(e.slot)
		m.invoke(HookPosSwapOut, ev)
	case evictToFile:
		p.res = unloaded{}
		p.dirty = false
		m.stats.writeBacks.Add(1)
		m.invoke(HookPosWriteBack, ev)
	default:
		p.res = unloaded{}
		m.stats.drops.Add(1)
		m.invoke(HookPosDrop, ev)
	}

	m.log.WithFields(logrus.Fields{
		"process": as.name,
		"vaddr":   fmt.Sprintf("%#x", ev.VAddr),
		"frame":   ev.Frame,
		"slot":    ev.Slot,
	}).Debug("page evicted")
}

// writeBack writes the file part of a page to its file.
func (m *Manager) writeBack(p *Page, kpage []byte) error {
	fo, _ := p.fileOrigin()
	if fo.ReadBytes == 0 {
		return nil
	}

	_, err := fo.File.WriteAt(kpage[:fo.ReadBytes], fo.Offset)
	if err != nil {
		return fmt.Errorf("writing back %s at %d: %w",
			fo.File.Name(), fo.Offset, err)
	}

	return nil
}
