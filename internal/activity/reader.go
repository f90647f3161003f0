package activity

import (
	"context"
	"io"
	"strings"
	"time"

	"codeberg.org/mutker/actlog/internal/logger"
	"codeberg.org/mutker/actlog/internal/stream"
)

// EventKind classifies one line of libinput debug-events output.
type EventKind int

const (
	EventUnknown EventKind = iota
	EventKeyPress
	EventKeyOther
	EventPointerMotion
	EventPointerButton
)

const (
	markerKeyboard = "KEYBOARD_KEY"
	markerPressed  = "pressed"
	markerMotion   = "POINTER_MOTION"
	markerButton   = "BUTTON_"
)

func (k EventKind) String() string {
	switch k {
	case EventKeyPress:
		return "key_press"
	case EventKeyOther:
		return "key_other"
	case EventPointerMotion:
		return "pointer_motion"
	case EventPointerButton:
		return "pointer_button"
	default:
		return "unknown"
	}
}

// Classify inspects an event line. Matching is by substring, so device
// prefixes and timing columns are ignored.
func Classify(line string) EventKind {
	switch {
	case strings.Contains(line, markerKeyboard):
		if strings.Contains(line, markerPressed) {
			return EventKeyPress
		}
		return EventKeyOther
	case strings.Contains(line, markerMotion):
		return EventPointerMotion
	case strings.Contains(line, markerButton):
		return EventPointerButton
	default:
		return EventUnknown
	}
}

// Reader applies classified event lines to a State.
type Reader struct {
	state *State
	argv  []string
	clock func() time.Time
	log   logger.Logger
}

// NewReader returns a Reader updating state from the output of command.
// clock may be nil.
func NewReader(state *State, command string, clock func() time.Time, log logger.Logger) *Reader {
	if clock == nil {
		clock = time.Now
	}
	return &Reader{
		state: state,
		argv:  stream.Split(command),
		clock: clock,
		log:   log.With("activity"),
	}
}

// Handle applies one line observed at the reader's current clock time.
func (r *Reader) Handle(line string) {
	kind := Classify(line)
	if kind == EventUnknown {
		return
	}

	now := r.clock()
	switch kind {
	case EventKeyPress:
		r.state.KeyPressed(now)
	case EventKeyOther:
		r.state.KeyOther(now)
	case EventPointerMotion, EventPointerButton:
		r.state.Pointer(now)
	}
}

// Consume reads event lines from src until it is exhausted.
func (r *Reader) Consume(ctx context.Context, src io.Reader) error {
	return stream.Scan(ctx, src, r.Handle)
}

// Run starts the event source and reads from it until the source exits or
// ctx is cancelled. Failures leave State stale; they are logged, not returned.
func (r *Reader) Run(ctx context.Context) {
	if err := stream.Command(ctx, r.argv, r.Handle, r.log); err != nil {
		r.log.Warn().Err(err).Msg("Input event source unavailable, activity will read as idle")
	}
}
