// Package system samples host resource counters and turns cumulative
// counters into per-second rates.
package system

import (
	"context"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
)

// DiskIO holds cumulative byte counters for one block device.
type DiskIO struct {
	ReadBytes  uint64
	WriteBytes uint64
}

// Host is the set of OS reads the Snapshotter needs.
type Host interface {
	CPUPercent(ctx context.Context) (float64, error)
	MemoryPercent(ctx context.Context) (float64, error)
	DiskCounters(ctx context.Context) (map[string]DiskIO, error)
	NetCounters(ctx context.Context) (recv, sent uint64, err error)
	Pids(ctx context.Context) ([]int32, error)
	Exe(ctx context.Context, pid int32) (string, error)
}

type gopsutilHost struct{}

// NewHost returns a Host backed by gopsutil.
func NewHost() Host {
	return gopsutilHost{}
}

// CPUPercent reports utilization since the previous call.
func (gopsutilHost) CPUPercent(ctx context.Context) (float64, error) {
	percent, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, err
	}
	if len(percent) == 0 {
		return 0, nil
	}
	return percent[0], nil
}

func (gopsutilHost) MemoryPercent(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}

func (gopsutilHost) DiskCounters(ctx context.Context) (map[string]DiskIO, error) {
	stats, err := disk.IOCountersWithContext(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]DiskIO, len(stats))
	for name, s := range stats {
		out[name] = DiskIO{ReadBytes: s.ReadBytes, WriteBytes: s.WriteBytes}
	}
	return out, nil
}

func (gopsutilHost) NetCounters(ctx context.Context) (uint64, uint64, error) {
	stats, err := net.IOCountersWithContext(ctx, false)
	if err != nil {
		return 0, 0, err
	}
	if len(stats) == 0 {
		return 0, 0, nil
	}
	return stats[0].BytesRecv, stats[0].BytesSent, nil
}

func (gopsutilHost) Pids(ctx context.Context) ([]int32, error) {
	return process.PidsWithContext(ctx)
}

func (gopsutilHost) Exe(ctx context.Context, pid int32) (string, error) {
	p, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return "", err
	}
	return p.ExeWithContext(ctx)
}

// Describe returns a one-line host summary for the startup log.
func Describe(ctx context.Context) string {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return "unknown"
	}
	return strings.Join([]string{info.Hostname, info.Platform, info.KernelVersion}, " ")
}

// WholeDisks sums counters over whole disks. A device is treated as a
// partition, and skipped, when its parent device is also listed (sda1 under
// sda, nvme0n1p2 under nvme0n1).
func WholeDisks(counters map[string]DiskIO) DiskIO {
	var total DiskIO
	for name, c := range counters {
		if partitionOf(name, counters) {
			continue
		}
		total.ReadBytes += c.ReadBytes
		total.WriteBytes += c.WriteBytes
	}
	return total
}

func partitionOf(name string, counters map[string]DiskIO) bool {
	base := strings.TrimRight(name, "0123456789")
	if base == name || base == "" {
		return false
	}
	if _, ok := counters[base]; ok {
		return true
	}
	// nvme0n1p1, mmcblk0p1
	if strings.HasSuffix(base, "p") {
		if _, ok := counters[strings.TrimSuffix(base, "p")]; ok {
			return true
		}
	}
	return false
}
