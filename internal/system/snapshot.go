package system

import (
	"context"
	"time"

	"codeberg.org/mutker/actlog/internal/logger"
)

// Reading is one tick's worth of host measurements.
type Reading struct {
	CPUPercent   float64
	RAMPercent   float64
	DiskReadBps  uint64
	DiskWriteBps uint64
	NetInBps     uint64
	NetOutBps    uint64
	// ProcessTotal counts every live process.
	ProcessTotal int
	// ProcessCount counts live processes sharing the focused process's
	// executable; 0 when there is no focused pid or it cannot be resolved.
	ProcessCount int
}

type counters struct {
	diskRead  uint64
	diskWrite uint64
	netIn     uint64
	netOut    uint64
}

// Snapshotter keeps the previous counter snapshot and computes rates
// against it. It is not safe for concurrent use.
type Snapshotter struct {
	host Host
	log  logger.Logger

	prev     counters
	prevTime time.Time
	cpu      float64
	ram      float64
}

// NewSnapshotter primes the counters at now so the first Read has a
// baseline.
func NewSnapshotter(ctx context.Context, h Host, now time.Time, log logger.Logger) *Snapshotter {
	s := &Snapshotter{host: h, log: log.With("system")}
	s.prev = s.readCounters(ctx, counters{})
	s.prevTime = now
	// first cpu.Percent call only establishes the baseline
	if v, err := h.CPUPercent(ctx); err == nil {
		s.cpu = v
	}
	return s
}

// Read samples the host at now. pid is the focused process when hasPID.
func (s *Snapshotter) Read(ctx context.Context, now time.Time, pid int32, hasPID bool) Reading {
	var r Reading

	if v, err := s.host.CPUPercent(ctx); err == nil {
		s.cpu = v
	} else {
		s.log.Debug().Err(err).Msg("CPU read failed")
	}
	if v, err := s.host.MemoryPercent(ctx); err == nil {
		s.ram = v
	} else {
		s.log.Debug().Err(err).Msg("Memory read failed")
	}
	r.CPUPercent = s.cpu
	r.RAMPercent = s.ram

	cur := s.readCounters(ctx, s.prev)
	elapsed := now.Sub(s.prevTime).Seconds()
	r.DiskReadBps = Rate(s.prev.diskRead, cur.diskRead, elapsed)
	r.DiskWriteBps = Rate(s.prev.diskWrite, cur.diskWrite, elapsed)
	r.NetInBps = Rate(s.prev.netIn, cur.netIn, elapsed)
	r.NetOutBps = Rate(s.prev.netOut, cur.netOut, elapsed)
	s.prev = cur
	s.prevTime = now

	r.ProcessTotal, r.ProcessCount = s.processes(ctx, pid, hasPID)

	return r
}

// readCounters reads cumulative counters. A failed read keeps the matching
// fields of last, so its rate is 0 for the tick.
func (s *Snapshotter) readCounters(ctx context.Context, last counters) counters {
	cur := last

	if disks, err := s.host.DiskCounters(ctx); err == nil {
		total := WholeDisks(disks)
		cur.diskRead, cur.diskWrite = total.ReadBytes, total.WriteBytes
	} else {
		s.log.Debug().Err(err).Msg("Disk counters read failed")
	}

	if recv, sent, err := s.host.NetCounters(ctx); err == nil {
		cur.netIn, cur.netOut = recv, sent
	} else {
		s.log.Debug().Err(err).Msg("Network counters read failed")
	}

	return cur
}

func (s *Snapshotter) processes(ctx context.Context, pid int32, hasPID bool) (int, int) {
	pids, err := s.host.Pids(ctx)
	if err != nil {
		s.log.Debug().Err(err).Msg("Process list read failed")
		return 0, 0
	}
	if !hasPID {
		return len(pids), 0
	}

	exe, err := s.host.Exe(ctx, pid)
	if err != nil || exe == "" {
		return len(pids), 0
	}

	count := 0
	for _, p := range pids {
		other, err := s.host.Exe(ctx, p)
		if err != nil {
			continue
		}
		if other == exe {
			count++
		}
	}
	return len(pids), count
}

// Rate returns whole bytes per second between two counter readings, 0 when
// the counter went backwards or no time elapsed.
func Rate(prev, cur uint64, elapsedSeconds float64) uint64 {
	if cur < prev || elapsedSeconds <= 0 {
		return 0
	}
	return uint64(float64(cur-prev) / elapsedSeconds)
}
