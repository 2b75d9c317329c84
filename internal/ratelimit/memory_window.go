package ratelimit

import (
	"context"
	"time"
)

// MemoryWindow is the process-local SendWindow. Timestamps are appended in
// clock order, so eviction only ever trims the front.
type MemoryWindow struct {
	sends []time.Time
}

func NewMemoryWindow() *MemoryWindow {
	return &MemoryWindow{}
}

func (w *MemoryWindow) Add(_ context.Context, at time.Time) error {
	w.sends = append(w.sends, at)
	return nil
}

func (w *MemoryWindow) Count(_ context.Context, now time.Time, window time.Duration) (int, error) {
	cutoff := now.Add(-window)
	keep := 0
	for keep < len(w.sends) && !w.sends[keep].After(cutoff) {
		keep++
	}
	if keep > 0 {
		w.sends = append(w.sends[:0], w.sends[keep:]...)
	}
	return len(w.sends), nil
}
