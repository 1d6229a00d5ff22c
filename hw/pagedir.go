package hw

import "sort"

// A PTE is a translation table entry.
type PTE struct {
	PFN      PFN
	Present  bool
	Writable bool
	Accessed bool
	Dirty    bool
}

// A PageDir maps the virtual pages of one address space to physical frames.
// It plays the role of the hardware page directory: the MMU sets the
// accessed and dirty bits, the kernel reads and clears them.
type PageDir struct {
	pageSize uint64
	entries  map[uint64]*PTE
}

// NewPageDir creates an empty translation table.
func NewPageDir(pageSize uint64) *PageDir {
	return &PageDir{
		pageSize: pageSize,
		entries:  make(map[uint64]*PTE),
	}
}

// PageSize returns the page size of the translation table.
func (d *PageDir) PageSize() uint64 {
	return d.pageSize
}

// SetPage maps the virtual page vpn to frame pfn. The accessed and dirty bits
// start clear.
func (d *PageDir) SetPage(vpn uint64, pfn PFN, writable bool) {
	d.entries[vpn] = &PTE{
		PFN:      pfn,
		Present:  true,
		Writable: writable,
	}
}

// ClearPage marks vpn not present, so that the next access faults. The
// accessed and dirty bits are kept.
func (d *PageDir) ClearPage(vpn uint64) {
	if pte, ok := d.entries[vpn]; ok {
		pte.Present = false
	}
}

// RemovePage forgets everything about vpn.
func (d *PageDir) RemovePage(vpn uint64) {
	delete(d.entries, vpn)
}

// Lookup returns a copy of the entry for vpn.
func (d *PageDir) Lookup(vpn uint64) (PTE, bool) {
	pte, ok := d.entries[vpn]
	if !ok {
		return PTE{}, false
	}

	return *pte, true
}

// IsAccessed reports whether vpn was accessed since the bit was last cleared.
func (d *PageDir) IsAccessed(vpn uint64) bool {
	pte, ok := d.entries[vpn]
	return ok && pte.Accessed
}

// SetAccessed sets or clears the accessed bit of vpn.
func (d *PageDir) SetAccessed(vpn uint64, accessed bool) {
	if pte, ok := d.entries[vpn]; ok {
		pte.Accessed = accessed
	}
}

// IsDirty reports whether vpn was written since the bit was last cleared.
func (d *PageDir) IsDirty(vpn uint64) bool {
	pte, ok := d.entries[vpn]
	return ok && pte.Dirty
}

// SetDirty sets or clears the dirty bit of vpn.
func (d *PageDir) SetDirty(vpn uint64, dirty bool) {
	if pte, ok := d.entries[vpn]; ok {
		pte.Dirty = dirty
	}
}

// Present returns the virtual pages that currently have a translation, in
// increasing order.
func (d *PageDir) Present() []uint64 {
	var vpns []uint64
	for vpn, pte := range d.entries {
		if pte.Present {
			vpns = append(vpns, vpn)
		}
	}

	sort.Slice(vpns, func(i, j int) bool { return vpns[i] < vpns[j] })

	return vpns
}
