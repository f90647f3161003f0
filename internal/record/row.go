// Package record defines the per-tick row and persists rows to the CSV log.
package record

import (
	"strconv"
	"time"

	"codeberg.org/mutker/actlog/internal/features"
	"codeberg.org/mutker/actlog/internal/gpu"
)

// TimeLayout is the timestamp column format: ISO-8601 local time, second
// precision.
const TimeLayout = "2006-01-02T15:04:05"

// PlaceholderColumn stands in for the GPU tail when its columns were not
// discovered in time.
const PlaceholderColumn = "gpu_data_pending"

// Columns are the fixed leading columns of every row, in order.
var Columns = []string{
	"timestamp",
	"cpu_percent",
	"ram_percent",
	"disk_read_Bps",
	"disk_write_Bps",
	"net_in_Bps",
	"net_out_Bps",
	"window_id",
	"app_id",
	"pid",
	"process_count",
	"keyboard_active",
	"mouse_active",
	"avg_rate",
	"instant_rate",
	"keys_per_tick",
	"burst_sec",
	"idle_sec",
	"focus_streak_sec",
	"window_switch_count",
	"rate_delta",
}

// Row is one tick. It must not be modified once handed to a sink.
type Row struct {
	Timestamp time.Time

	CPUPercent   float64
	RAMPercent   float64
	DiskReadBps  uint64
	DiskWriteBps uint64
	NetInBps     uint64
	NetOutBps    uint64

	WindowID     string
	AppID        string
	PID          string
	ProcessCount int

	Metrics features.Metrics

	GPU gpu.Sample
	// GPUWidth is how many zero values stand in for the GPU readings while
	// the column set is still unknown.
	GPUWidth int

	// Not part of the CSV schema; carried for mirrors.
	Title        string
	ProcessTotal int
}

// Fixed renders the fixed columns.
func (r *Row) Fixed() []string {
	m := r.Metrics
	return []string{
		r.Timestamp.Format(TimeLayout),
		oneDecimal(features.Round1(r.CPUPercent)),
		oneDecimal(features.Round1(r.RAMPercent)),
		strconv.FormatUint(r.DiskReadBps, 10),
		strconv.FormatUint(r.DiskWriteBps, 10),
		strconv.FormatUint(r.NetInBps, 10),
		strconv.FormatUint(r.NetOutBps, 10),
		r.WindowID,
		r.AppID,
		r.PID,
		strconv.Itoa(r.ProcessCount),
		flag(m.KeyboardActive),
		flag(m.MouseActive),
		oneDecimal(m.AvgRate),
		oneDecimal(m.InstantRate),
		strconv.FormatInt(m.KeysPerTick, 10),
		oneDecimal(m.BurstSec),
		oneDecimal(m.IdleSec),
		oneDecimal(m.FocusStreakSec),
		strconv.FormatUint(m.WindowSwitches, 10),
		oneDecimal(m.RateDelta),
	}
}

// Project renders the GPU tail onto columns. Columns the row has no value
// for, including the placeholder, render as 0.
func (r *Row) Project(columns []string) []string {
	out := make([]string, len(columns))
	for i, name := range columns {
		v, ok := r.GPU.Latest[name]
		if !ok {
			out[i] = "0"
			continue
		}
		out[i] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	return out
}

// GPUValues returns the GPU readings in column order, or GPUWidth zeros
// before the columns are discovered.
func (r *Row) GPUValues() []float64 {
	return r.GPU.Values(r.GPUWidth)
}

// Record renders the full CSV record for a GPU tail.
func (r *Row) Record(tail []string) []string {
	return append(r.Fixed(), r.Project(tail)...)
}

func oneDecimal(v float64) string {
	return strconv.FormatFloat(v, 'f', 1, 64)
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
