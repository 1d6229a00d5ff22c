// Package swap manages the swap area: a block device carved into slots of
// one page each.
package swap

import (
	"errors"
	"fmt"
	"log"

	"github.com/sirupsen/logrus"
	"gvisor.dev/gvisor/pkg/bitmap"

	"github.com/sarchlab/vmkernel/device"
	"github.com/sarchlab/vmkernel/synch"
)

// ErrNoSpace is returned when every swap slot is in use.
var ErrNoSpace = errors.New("swap: no free slot")

// A Slot identifies one page-sized region of the swap device.
type Slot uint32

// A Store allocates swap slots and moves pages in and out of them. Only the
// slot bitmap is guarded by the store lock; transfers run unlocked because a
// slot is owned by exactly one page.
type Store struct {
	name string
	dev  device.BlockDevice
	log  *logrus.Entry

	pageSize       int
	sectorsPerSlot uint64
	numSlots       uint32

	lock *synch.Lock
	used bitmap.Bitmap
}

// Name returns the name of the store.
func (st *Store) Name() string {
	return st.name
}

// Capacity returns the number of slots.
func (st *Store) Capacity() int {
	return int(st.numSlots)
}

// Used returns the number of slots in use.
func (st *Store) Used() int {
	return int(st.used.GetNumOnes())
}

// Allocate reserves the first free slot.
func (st *Store) Allocate() (Slot, error) {
	st.lock.Acquire()
	defer st.lock.Release()

	bit, err := st.used.FirstZero(0)
	if err != nil || bit >= st.numSlots {
		return 0, ErrNoSpace
	}

	st.used.Add(bit)

	return Slot(bit), nil
}

// Release frees slot. Releasing a free slot is a fatal error.
func (st *Store) Release(slot Slot) {
	st.lock.Acquire()
	defer st.lock.Release()

	st.slotMustBeUsed(slot)
	st.used.Remove(uint32(slot))
}

// InUse reports whether slot is allocated.
func (st *Store) InUse(slot Slot) bool {
	if uint32(slot) >= st.numSlots {
		return false
	}

	bit, err := st.used.FirstOne(uint32(slot))

	return err == nil && bit == uint32(slot)
}

// Write stores one page in slot.
func (st *Store) Write(slot Slot, page []byte) error {
	st.slotMustBeUsed(slot)
	st.pageMustFit(page)

	ss := st.dev.SectorSize()
	base := uint64(slot) * st.sectorsPerSlot
	for i := uint64(0); i < st.sectorsPerSlot; i++ {
		chunk := page[i*uint64(ss) : (i+1)*uint64(ss)]
		if err := st.dev.Write(base+i, chunk); err != nil {
			return fmt.Errorf("swap out to slot %d: %w", slot, err)
		}
	}

	st.log.WithField("slot", slot).Debug("page written")

	return nil
}

// Read loads the page stored in slot into page. The slot stays allocated.
func (st *Store) Read(slot Slot, page []byte) error {
	st.slotMustBeUsed(slot)
	st.pageMustFit(page)

	ss := st.dev.SectorSize()
	base := uint64(slot) * st.sectorsPerSlot
	for i := uint64(0); i < st.sectorsPerSlot; i++ {
		chunk := page[i*uint64(ss) : (i+1)*uint64(ss)]
		if err := st.dev.Read(base+i, chunk); err != nil {
			return fmt.Errorf("swap in from slot %d: %w", slot, err)
		}
	}

	st.log.WithField("slot", slot).Debug("page read")

	return nil
}

func (st *Store) slotMustBeUsed(slot Slot) {
	if !st.InUse(slot) {
		log.Panicf("swap: slot %d is not in use", slot)
	}
}

func (st *Store) pageMustFit(page []byte) {
	if len(page) != st.pageSize {
		log.Panicf("swap: buffer of %d bytes, page size is %d",
			len(page), st.pageSize)
	}
}
