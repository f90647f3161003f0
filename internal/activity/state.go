// Package activity tracks keyboard and pointer activity observed on an input
// event stream.
package activity

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultWindow bounds the keystroke history used for the average rate.
const DefaultWindow = 60 * time.Second

// State is written by a single Reader and read by the sampler.
type State struct {
	window time.Duration

	mu            sync.Mutex
	lastKeyboard  time.Time
	lastPointer   time.Time
	totalKeys     uint64
	totalPointer  uint64
	keystrokes    []time.Time
	pressesInTick atomic.Int64
}

// Snapshot is a point-in-time copy of State.
type Snapshot struct {
	LastKeyboard       time.Time
	LastPointer        time.Time
	TotalKeyEvents     uint64
	TotalPointerEvents uint64
	// RecentKeystrokes counts presses within [now-window, now].
	RecentKeystrokes int
}

// NewState returns a State with no activity observed. Both last-event times
// start at the Unix epoch so idle time is large until input arrives.
func NewState(window time.Duration) *State {
	if window <= 0 {
		window = DefaultWindow
	}
	epoch := time.Unix(0, 0)
	return &State{
		window:       window,
		lastKeyboard: epoch,
		lastPointer:  epoch,
	}
}

// KeyPressed records a keyboard press.
func (s *State) KeyPressed(now time.Time) {
	s.mu.Lock()
	s.lastKeyboard = now
	s.totalKeys++
	if n := len(s.keystrokes); n > 0 && now.Before(s.keystrokes[n-1]) {
		// wall clock stepped back; keep the slice ascending
		now = s.keystrokes[n-1]
	}
	s.keystrokes = append(s.keystrokes, now)
	s.evictLocked(now)
	s.mu.Unlock()

	s.pressesInTick.Add(1)
}

// KeyOther records a keyboard release or any other keyboard event.
func (s *State) KeyOther(now time.Time) {
	s.mu.Lock()
	s.lastKeyboard = now
	s.mu.Unlock()
}

// Pointer records pointer motion or a button event.
func (s *State) Pointer(now time.Time) {
	s.mu.Lock()
	s.lastPointer = now
	s.totalPointer++
	s.mu.Unlock()
}

func (s *State) evictLocked(now time.Time) {
	cutoff := now.Add(-s.window)
	i := sort.Search(len(s.keystrokes), func(i int) bool {
		return !s.keystrokes[i].Before(cutoff)
	})
	if i > 0 {
		s.keystrokes = append(s.keystrokes[:0], s.keystrokes[i:]...)
	}
}

// DrainKeys returns the number of presses since the previous call and resets
// the count.
func (s *State) DrainKeys() int64 {
	return s.pressesInTick.Swap(0)
}

// Snapshot copies the current state. Keystrokes older than the window
// relative to now are not counted, even if no insert has evicted them yet.
func (s *State) Snapshot(now time.Time) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-s.window)
	i := sort.Search(len(s.keystrokes), func(i int) bool {
		return !s.keystrokes[i].Before(cutoff)
	})
	j := sort.Search(len(s.keystrokes), func(j int) bool {
		return s.keystrokes[j].After(now)
	})

	return Snapshot{
		LastKeyboard:       s.lastKeyboard,
		LastPointer:        s.lastPointer,
		TotalKeyEvents:     s.totalKeys,
		TotalPointerEvents: s.totalPointer,
		RecentKeystrokes:   j - i,
	}
}

// Keystrokes returns a copy of the retained keystroke timestamps.
func (s *State) Keystrokes() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Time, len(s.keystrokes))
	copy(out, s.keystrokes)
	return out
}

// Window returns the keystroke retention window.
func (s *State) Window() time.Duration {
	return s.window
}
