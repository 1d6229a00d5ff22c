package frame

// Info describes one frame.
type Info struct {
	Handle Handle   `json:"handle"`
	PFN    uint64   `json:"pfn"`
	Pages  []PageID `json:"pages"`
	IO     bool     `json:"io"`
	Pins   int      `json:"pins"`
	Shared bool     `json:"shared"`
	Key    ShareKey `json:"key"`
}

// Stats summarizes the table.
type Stats struct {
	Frames    int    `json:"frames"`
	MaxFrames int    `json:"max_frames"`
	Used      int    `json:"used"`
	Busy      int    `json:"busy"`
	Pinned    int    `json:"pinned"`
	Shared    int    `json:"shared"`
	Evictions uint64 `json:"evictions"`
	Hand      int    `json:"hand"`
}

// Snapshot describes every frame. The caller must hold the table lock or the
// kernel must be paused.
func (t *Table) Snapshot() []Info {
	infos := make([]Info, 0, len(t.frames))
	for i, f := range t.frames {
		infos = append(infos, Info{
			Handle: Handle(i),
			PFN:    uint64(f.pfn),
			Pages:  append([]PageID(nil), f.pages...),
			IO:     f.io,
			Pins:   f.pins,
			Shared: f.shared,
			Key:    f.key,
		})
	}

	return infos
}

// Stats summarizes the table. The same conditions as Snapshot apply.
func (t *Table) Stats() Stats {
	st := Stats{
		Frames:    len(t.frames),
		MaxFrames: t.maxFrames,
		Shared:    len(t.shared),
		Evictions: t.evictions.Load(),
		Hand:      t.hand,
	}

	for _, f := range t.frames {
		if len(f.pages) > 0 {
			st.Used++
		}

		if f.io {
			st.Busy++
		}

		if f.pins > 0 {
			st.Pinned++
		}
	}

	return st
}
