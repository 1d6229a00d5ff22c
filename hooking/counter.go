package hooking

import (
	"sort"
	"sync"
)

// A PosCounter is a hook that counts how many times each position fires.
type PosCounter struct {
	lock   sync.Mutex
	counts map[string]uint64
}

// NewPosCounter creates a PosCounter.
func NewPosCounter() *PosCounter {
	return &PosCounter{
		counts: make(map[string]uint64),
	}
}

// Func counts the position of ctx.
func (c *PosCounter) Func(ctx HookCtx) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.counts[ctx.Pos.Name]++
}

// Count returns the number of times the named position fired.
func (c *PosCounter) Count(pos *HookPos) uint64 {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.counts[pos.Name]
}

// Names returns the positions seen so far, sorted.
func (c *PosCounter) Names() []string {
	c.lock.Lock()
	defer c.lock.Unlock()

	names := make([]string, 0, len(c.counts))
	for name := range c.counts {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}
