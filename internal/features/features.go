// Package features derives per-tick activity metrics. Compute is pure; all
// cross-tick memory travels in State.
package features

import (
	"math"
	"time"

	"codeberg.org/mutker/actlog/internal/activity"
	"codeberg.org/mutker/actlog/internal/window"
)

// charsPerWord turns keystroke counts into a words-per-minute-like figure.
const charsPerWord = 5

// Config holds the thresholds used by Compute.
type Config struct {
	ActivityThreshold  time.Duration
	BurstIdleThreshold time.Duration
	Alpha              float64
}

func DefaultConfig() Config {
	return Config{
		ActivityThreshold:  3 * time.Second,
		BurstIdleThreshold: 5 * time.Second,
		Alpha:              0.3,
	}
}

// Input is everything observed for one tick.
type Input struct {
	Now      time.Time
	Activity activity.Snapshot
	// KeysPerTick is the drained press count since the previous tick.
	KeysPerTick int64
	// Window is nil when no window is focused.
	Window *window.Info
}

// State is carried from one tick to the next. The zero value is the state
// before the first tick.
type State struct {
	burstOpen   bool
	burstStart  time.Time
	streakOpen  bool
	streakStart time.Time

	smoothed float64
	switches uint64

	windowSeen bool
	lastWindow string
}

// Smoothed returns the current EMA of the typing rate.
func (s State) Smoothed() float64 { return s.smoothed }

// Switches returns the window switch count so far.
func (s State) Switches() uint64 { return s.switches }

// Metrics are the derived values recorded for one tick. Durations are in
// seconds rounded to 0.1.
type Metrics struct {
	KeyboardActive bool
	MouseActive    bool
	IdleSec        float64
	KeysPerTick    int64
	AvgRate        float64
	InstantRate    float64
	SmoothedRate   float64
	RateDelta      float64
	BurstSec       float64
	FocusStreakSec float64
	WindowSwitches uint64
}

// Compute derives the metrics for in and returns the state for the next
// tick. prev is not modified.
func Compute(in Input, prev State, cfg Config) (Metrics, State) {
	next := prev
	var m Metrics

	now := in.Now
	lastKey := in.Activity.LastKeyboard
	lastPtr := in.Activity.LastPointer

	m.KeyboardActive = now.Sub(lastKey) <= cfg.ActivityThreshold
	m.MouseActive = now.Sub(lastPtr) <= cfg.ActivityThreshold

	lastActivity := lastKey
	if lastPtr.After(lastActivity) {
		lastActivity = lastPtr
	}
	idle := now.Sub(lastActivity)
	if idle < 0 {
		idle = 0
	}
	m.IdleSec = Round1(idle.Seconds())

	m.KeysPerTick = in.KeysPerTick
	m.AvgRate = Round1(float64(in.Activity.RecentKeystrokes) / charsPerWord)
	m.InstantRate = Round1(float64(in.KeysPerTick) * 60 / charsPerWord)

	next.smoothed = cfg.Alpha*m.AvgRate + (1-cfg.Alpha)*prev.smoothed
	m.SmoothedRate = Round1(next.smoothed)
	m.RateDelta = Round1(next.smoothed - prev.smoothed)

	if idle < cfg.BurstIdleThreshold {
		if !prev.burstOpen {
			next.burstOpen = true
			next.burstStart = lastActivity
		}
		m.BurstSec = seconds(now.Sub(next.burstStart))
	} else {
		next.burstOpen = false
		next.burstStart = time.Time{}
	}

	if m.KeyboardActive || m.MouseActive {
		if !prev.streakOpen {
			next.streakOpen = true
			next.streakStart = lastActivity
		}
		m.FocusStreakSec = seconds(now.Sub(next.streakStart))
	} else {
		next.streakOpen = false
		next.streakStart = time.Time{}
	}

	if in.Window != nil {
		key := in.Window.Key()
		if prev.windowSeen && key != prev.lastWindow {
			next.switches++
		}
		next.windowSeen = true
		next.lastWindow = key
	}
	m.WindowSwitches = next.switches

	return m, next
}

func seconds(d time.Duration) float64 {
	if d < 0 {
		return 0
	}
	return Round1(d.Seconds())
}

// Round1 rounds to one decimal place. Negative zero becomes zero.
func Round1(v float64) float64 {
	r := math.Round(v*10) / 10
	if r == 0 {
		return 0
	}
	return r
}
