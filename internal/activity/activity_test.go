package activity_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/actlog/internal/activity"
	"codeberg.org/mutker/actlog/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func at(sec float64) time.Time {
	return base.Add(time.Duration(sec * float64(time.Second)))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		line string
		want activity.EventKind
	}{
		{" event3   KEYBOARD_KEY      +1.234s	*** (-1) pressed", activity.EventKeyPress},
		{" event3   KEYBOARD_KEY      +1.301s	*** (-1) released", activity.EventKeyOther},
		{" event5   POINTER_MOTION    +2.010s	  1.00/  0.50 ( +1.00/ +0.50)", activity.EventPointerMotion},
		{" event5   POINTER_BUTTON    +2.500s	BTN_LEFT (272) pressed, seat count: 1", activity.EventPointerButton},
		{"-event2   DEVICE_ADDED      Power Button   seat0 default group1", activity.EventUnknown},
		{"", activity.EventUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, activity.Classify(tt.line), tt.line)
	}
}

func TestNewStateStartsIdle(t *testing.T) {
	state := activity.NewState(0)
	snap := state.Snapshot(base)

	assert.Equal(t, time.Unix(0, 0), snap.LastKeyboard)
	assert.Equal(t, time.Unix(0, 0), snap.LastPointer)
	assert.Zero(t, snap.RecentKeystrokes)
	assert.Equal(t, activity.DefaultWindow, state.Window())
}

func TestKeystrokeWindowEviction(t *testing.T) {
	state := activity.NewState(60 * time.Second)

	presses := []float64{0, 10, 30, 59, 61, 90, 125}
	for _, sec := range presses {
		now := at(sec)
		state.KeyPressed(now)

		kept := state.Keystrokes()
		for i := 1; i < len(kept); i++ {
			assert.False(t, kept[i].Before(kept[i-1]), "keystrokes must stay ascending")
		}
		for _, ts := range kept {
			assert.False(t, ts.Before(now.Add(-60*time.Second)), "stale keystroke retained after insert")
		}

		want := 0
		for _, p := range presses {
			if p <= sec && p >= sec-60 {
				want++
			}
		}
		assert.Len(t, kept, want, "at %v", sec)
		assert.Equal(t, want, state.Snapshot(now).RecentKeystrokes)
	}
}

func TestSnapshotIgnoresStaleWithoutInsert(t *testing.T) {
	state := activity.NewState(60 * time.Second)
	state.KeyPressed(at(0))
	state.KeyPressed(at(1))

	assert.Equal(t, 2, state.Snapshot(at(30)).RecentKeystrokes)
	assert.Equal(t, 1, state.Snapshot(at(60.5)).RecentKeystrokes)
	assert.Equal(t, 0, state.Snapshot(at(120)).RecentKeystrokes)
	assert.Len(t, state.Keystrokes(), 2, "snapshot does not mutate")
}

func TestDrainKeys(t *testing.T) {
	state := activity.NewState(0)
	for i := 0; i < 5; i++ {
		state.KeyPressed(at(float64(i) / 10))
	}
	state.KeyOther(at(0.6))

	assert.Equal(t, int64(5), state.DrainKeys())
	assert.Equal(t, int64(0), state.DrainKeys())

	snap := state.Snapshot(at(1))
	assert.Equal(t, uint64(5), snap.TotalKeyEvents, "drain never resets the total")
	assert.Equal(t, at(0.6), snap.LastKeyboard)
}

func TestReaderConsume(t *testing.T) {
	clock := &fakeClock{now: at(5)}
	state := activity.NewState(0)
	reader := activity.NewReader(state, "libinput debug-events", clock.Now, logger.Nop())

	input := strings.Join([]string{
		" event3   KEYBOARD_KEY      +1.234s	*** (-1) pressed",
		" event3   KEYBOARD_KEY      +1.301s	*** (-1) released",
		"garbage",
		" event5   POINTER_MOTION    +2.010s	  1.00/  0.50",
		" event5   POINTER_BUTTON    +2.500s	BTN_LEFT (272) released, seat count: 0",
	}, "\n")

	require.NoError(t, reader.Consume(context.Background(), strings.NewReader(input)))

	snap := state.Snapshot(at(5))
	assert.Equal(t, uint64(1), snap.TotalKeyEvents)
	assert.Equal(t, uint64(2), snap.TotalPointerEvents)
	assert.Equal(t, at(5), snap.LastKeyboard)
	assert.Equal(t, at(5), snap.LastPointer)
	assert.Equal(t, 1, snap.RecentKeystrokes)
	assert.Equal(t, int64(1), state.DrainKeys())
}

func TestReaderSurvivesOversizeLine(t *testing.T) {
	state := activity.NewState(0)
	reader := activity.NewReader(state, "libinput debug-events", func() time.Time { return at(5) }, logger.Nop())

	input := strings.Repeat("x", 2<<20) + "\n" +
		" event3   KEYBOARD_KEY      +1.234s	*** (-1) pressed\n"

	require.NoError(t, reader.Consume(context.Background(), strings.NewReader(input)))
	assert.Equal(t, uint64(1), state.Snapshot(at(5)).TotalKeyEvents)
}

func TestReaderRunMissingSource(t *testing.T) {
	state := activity.NewState(0)
	reader := activity.NewReader(state, "actlog-no-such-libinput debug-events", nil, logger.Nop())

	done := make(chan struct{})
	go func() {
		reader.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("reader did not return after its source failed")
	}
	assert.Equal(t, uint64(0), state.Snapshot(base).TotalKeyEvents)
}

func TestConcurrentProducerAndSampler(t *testing.T) {
	state := activity.NewState(0)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 1000; i++ {
			state.KeyPressed(at(float64(i) / 1000))
			state.Pointer(at(float64(i) / 1000))
		}
	}()

	var drained int64
	for i := 0; i < 100; i++ {
		drained += state.DrainKeys()
		_ = state.Snapshot(at(1))
	}
	wg.Wait()
	drained += state.DrainKeys()

	assert.Equal(t, int64(1000), drained, "no press lost between drains")
	assert.Equal(t, uint64(1000), state.Snapshot(at(1)).TotalPointerEvents)
}
