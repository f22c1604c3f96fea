package config

import "sync/atomic"

// Holder publishes the current Settings to every component that reads
// limits, intervals, or thresholds. Reads are lock-free; writers replace
// the whole value.
type Holder struct {
	v atomic.Pointer[Settings]
}

func NewHolder(s Settings) *Holder {
	h := &Holder{}
	h.v.Store(&s)
	return h
}

func (h *Holder) Load() Settings {
	return *h.v.Load()
}

// Update applies fn to a copy of the current settings and publishes the
// result.
func (h *Holder) Update(fn func(*Settings)) Settings {
	for {
		old := h.v.Load()
		next := *old
		fn(&next)
		if h.v.CompareAndSwap(old, &next) {
			return next
		}
	}
}
