package vm

import (
	"github.com/sarchlab/vmkernel/device"
	"github.com/sarchlab/vmkernel/vm/frame"
	"github.com/sarchlab/vmkernel/vm/swap"
)

// An Origin tells where the initial content of a page comes from.
type Origin interface {
	isOrigin()
}

// ZeroOrigin pages start filled with zeros.
type ZeroOrigin struct{}

func (ZeroOrigin) isOrigin() {}

// A FileOrigin page starts with ReadBytes bytes of File at Offset followed
// by zeros. With WriteBack set, modified content is written back to the
// file instead of going to swap.
type FileOrigin struct {
	File      device.File
	Offset    int64
	ReadBytes int
	WriteBack bool
}

func (FileOrigin) isOrigin() {}

type residency interface {
	isResidency()
}

// unloaded pages are rebuilt from their origin on the next fault.
type unloaded struct{}

type resident struct {
	frame frame.Handle
}

type swapped struct {
	slot swap.Slot
}

func (unloaded) isResidency() {}
func (resident) isResidency() {}
func (swapped) isResidency()  {}

// A MapID identifies a file mapping of an address space.
type MapID int

// Page describes one virtual page of an address space.
type Page struct {
	vpn      uint64
	writable bool
	origin   Origin
	res      residency

	// anonymous is set once the content can no longer be rebuilt from the
	// origin, so the page goes to swap even when clean.
	anonymous bool

	// dirty keeps the dirty bit across translation changes.
	dirty bool

	pins  int
	mapID MapID
}

func (p *Page) fileOrigin() (FileOrigin, bool) {
	fo, ok := p.origin.(FileOrigin)
	return fo, ok
}

// shareKey returns the key under which the frame of p can be shared. Only
// read-only file content is shared.
func (p *Page) shareKey() (frame.ShareKey, bool) {
	fo, ok := p.fileOrigin()
	if !ok || p.writable {
		return frame.ShareKey{}, false
	}

	return frame.ShareKey{Inode: fo.File.Inode(), Offset: fo.Offset}, true
}

func (p *Page) writesBack() bool {
	fo, ok := p.fileOrigin()
	return ok && fo.WriteBack
}

// State names for PageInfo.
const (
	StateResident = "resident"
	StateSwapped  = "swapped"
	StateUnloaded = "unloaded"
)

// PageInfo describes a page for inspection.
type PageInfo struct {
	VAddr    uint64 `json:"vaddr"`
	Writable bool   `json:"writable"`
	State    string `json:"state"`
	Frame    int    `json:"frame"`
	Slot     int    `json:"slot"`
	File     string `json:"file,omitempty"`
	Offset   int64  `json:"offset"`
	Dirty    bool   `json:"dirty"`
	Pins     int    `json:"pins"`
	Map      int    `json:"map"`
}

func (p *Page) info(pageSize uint64, ptDirty bool) PageInfo {
	info := PageInfo{
		VAddr:    p.vpn * pageSize,
		Writable: p.writable,
		Frame:    -1,
		Slot:     -1,
		Dirty:    p.dirty || ptDirty,
		Pins:     p.pins,
		Map:      int(p.mapID),
	}

	switch r := p.res.(type) {
	case resident:
		info.State = StateResident
		info.Frame = int(r.frame)
	case swapped:
		info.State = StateSwapped
		info.Slot = int(r.slot)
	default:
		info.State = StateUnloaded
	}

	if fo, ok := p.fileOrigin(); ok {
		info.File = fo.File.Name()
		info.Offset = fo.Offset
	}

	return info
}
