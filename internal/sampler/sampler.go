// Package sampler runs the fixed-interval loop that assembles one row per
// tick from every collector and hands it to the writer and mirrors.
package sampler

import (
	"context"
	"time"

	"codeberg.org/mutker/actlog/internal/activity"
	"codeberg.org/mutker/actlog/internal/errors"
	"codeberg.org/mutker/actlog/internal/features"
	"codeberg.org/mutker/actlog/internal/gpu"
	"codeberg.org/mutker/actlog/internal/logger"
	"codeberg.org/mutker/actlog/internal/record"
	"codeberg.org/mutker/actlog/internal/system"
	"codeberg.org/mutker/actlog/internal/window"
)

// Writer persists rows. record.Writer implements it.
type Writer interface {
	Write(row *record.Row) error
	Flush() error
}

// Sink mirrors rows somewhere besides the log. Failures never stop the loop.
type Sink interface {
	Record(ctx context.Context, row *record.Row) error
	Close() error
}

// WindowProbe returns the focused window or nil.
type WindowProbe interface {
	Focused(ctx context.Context) *window.Info
}

// Counters samples host counters for a tick.
type Counters interface {
	Read(ctx context.Context, now time.Time, pid int32, hasPID bool) system.Reading
}

// Deps are the collaborators of a Sampler. Sinks may be empty.
type Deps struct {
	Activity *activity.State
	GPU      *gpu.Store
	Window   WindowProbe
	Counters Counters
	Writer   Writer
	Sinks    []Sink
	// Clock returns the tick time; nil uses time.Now.
	Clock func() time.Time
}

type Config struct {
	Interval time.Duration
	Features features.Config
	// GPUColumns sizes the zero GPU readings of rows taken before the GPU
	// columns are known.
	GPUColumns int
}

// Sampler owns the derived-metrics state and is driven from one goroutine.
type Sampler struct {
	deps  Deps
	cfg   Config
	clock func() time.Time
	log   logger.Logger

	state features.State
	ticks uint64
}

func New(deps Deps, cfg Config, log logger.Logger) *Sampler {
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Sampler{
		deps:  deps,
		cfg:   cfg,
		clock: clock,
		log:   log.With("sampler"),
	}
}

// Sample assembles the row for now. It advances the derived-metrics state
// and drains the per-tick key counter.
func (s *Sampler) Sample(ctx context.Context, now time.Time) *record.Row {
	info := s.deps.Window.Focused(ctx)
	pid, hasPID := info.ProcessID()
	reading := s.deps.Counters.Read(ctx, now, pid, hasPID)

	snap := s.deps.Activity.Snapshot(now)
	keys := s.deps.Activity.DrainKeys()
	sample := s.deps.GPU.Snapshot()

	metrics, next := features.Compute(features.Input{
		Now:         now,
		Activity:    snap,
		KeysPerTick: keys,
		Window:      info,
	}, s.state, s.cfg.Features)
	s.state = next

	return &record.Row{
		Timestamp:    now,
		CPUPercent:   reading.CPUPercent,
		RAMPercent:   reading.RAMPercent,
		DiskReadBps:  reading.DiskReadBps,
		DiskWriteBps: reading.DiskWriteBps,
		NetInBps:     reading.NetInBps,
		NetOutBps:    reading.NetOutBps,
		WindowID:     info.IDField(),
		AppID:        info.AppIDField(),
		PID:          info.PIDField(),
		ProcessCount: reading.ProcessCount,
		Metrics:      metrics,
		GPU:          sample,
		GPUWidth:     s.cfg.GPUColumns,
		Title:        info.TitleText(),
		ProcessTotal: reading.ProcessTotal,
	}
}

// Tick samples at the current clock time and hands the row on.
func (s *Sampler) Tick(ctx context.Context) *record.Row {
	return s.tickAt(ctx, s.clock())
}

func (s *Sampler) tickAt(ctx context.Context, now time.Time) *record.Row {
	row := s.Sample(ctx, now)
	s.ticks++

	if err := s.deps.Writer.Write(row); err != nil {
		s.log.Warn().Err(err).Uint64("tick", s.ticks).Msg("Row not written, retrying next tick")
	}

	for _, sink := range s.deps.Sinks {
		if err := sink.Record(ctx, row); err != nil {
			s.log.Debug().Err(err).Msg("Mirror rejected row")
		}
	}

	s.log.Debug().
		Str("app_id", row.AppID).
		Int64("keys", row.Metrics.KeysPerTick).
		Float64("idle_sec", row.Metrics.IdleSec).
		Msg("Tick")

	return row
}

// Run ticks every Interval until ctx is done, then flushes the writer.
// A tick that overruns the interval starts the next one immediately.
func (s *Sampler) Run(ctx context.Context) error {
	errFactory := errors.New()

	if s.cfg.Interval <= 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, s.cfg.Interval.String())
	}

	timer := time.NewTimer(0)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	s.log.Info().Dur("interval", s.cfg.Interval).Msg("Sampling started")

	for ctx.Err() == nil {
		start := s.clock()
		s.tickAt(ctx, start)

		wait := s.cfg.Interval - s.clock().Sub(start)
		if wait < 0 {
			wait = 0
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
		case <-timer.C:
		}
	}

	s.log.Info().Uint64("ticks", s.ticks).Msg("Sampling stopped, flushing")

	if err := s.deps.Writer.Flush(); err != nil {
		return errFactory.Wrap(errors.ErrShutdownFailed, err)
	}

	return nil
}

// Ticks returns the number of completed ticks.
func (s *Sampler) Ticks() uint64 {
	return s.ticks
}
