package worker

import (
	"sync"
	"time"

	"edgeguard/internal/failures"
)

type failureMark struct {
	at   time.Time
	kind failures.Kind
}

// failureWindow counts failures by kind over a sliding window
type failureWindow struct {
	mu     sync.Mutex
	window time.Duration
	marks  []failureMark
}

func newFailureWindow(window time.Duration) *failureWindow {
	return &failureWindow{window: window}
}

func (f *failureWindow) add(kind failures.Kind, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marks = append(f.marks, failureMark{at: at, kind: kind})
	f.pruneLocked(at)
}

func (f *failureWindow) counts(now time.Time) map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pruneLocked(now)

	out := make(map[string]int)
	for _, m := range f.marks {
		out[m.kind.String()]++
	}
	return out
}

func (f *failureWindow) pruneLocked(now time.Time) {
	cutoff := now.Add(-f.window)
	i := 0
	for i < len(f.marks) && f.marks[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		f.marks = append(f.marks[:0], f.marks[i:]...)
	}
}
