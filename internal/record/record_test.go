package record_test

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"codeberg.org/mutker/actlog/internal/errors"
	"codeberg.org/mutker/actlog/internal/features"
	"codeberg.org/mutker/actlog/internal/gpu"
	"codeberg.org/mutker/actlog/internal/logger"
	"codeberg.org/mutker/actlog/internal/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newRow(sec int, sample gpu.Sample) *record.Row {
	return &record.Row{
		Timestamp:    base.Add(time.Duration(sec) * time.Second),
		CPUPercent:   12.345,
		RAMPercent:   40,
		DiskReadBps:  1024,
		NetOutBps:    7,
		WindowID:     "27",
		AppID:        "foot",
		PID:          "4242",
		ProcessCount: 2,
		Metrics: features.Metrics{
			KeyboardActive: true,
			IdleSec:        0.2,
			KeysPerTick:    5,
			AvgRate:        1,
			InstantRate:    60,
			BurstSec:       0.2,
			FocusStreakSec: 0.2,
			WindowSwitches: 1,
			RateDelta:      0.3,
		},
		GPU: sample,
	}
}

func known(values map[string]float64, headers ...string) gpu.Sample {
	return gpu.Sample{Headers: headers, Latest: values}
}

func readAll(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	require.NoError(t, err)
	return records
}

func newWriter(t *testing.T, path string, gpuEnabled bool, wait int) *record.Writer {
	t.Helper()
	w, err := record.NewWriter(record.WriterConfig{
		Path:       path,
		GPUEnabled: gpuEnabled,
		WaitTicks:  wait,
	}, logger.Nop())
	require.NoError(t, err)
	return w
}

func TestRowFixed(t *testing.T) {
	fixed := newRow(0, gpu.Sample{}).Fixed()
	require.Len(t, fixed, len(record.Columns))
	assert.Equal(t, []string{
		"2026-03-01T12:00:00", "12.3", "40.0", "1024", "0", "0", "7",
		"27", "foot", "4242", "2", "1", "0", "1.0", "60.0", "5",
		"0.2", "0.2", "0.2", "1", "0.3",
	}, fixed)
}

func TestRowProject(t *testing.T) {
	row := newRow(0, known(map[string]float64{"gpu_a": 1.5, "gpu_b": 300}, "gpu_a", "gpu_b"))
	assert.Equal(t, []string{"1.5", "300", "0"}, row.Project([]string{"gpu_a", "gpu_b", "gpu_c"}))
	assert.Equal(t, []string{"0"}, row.Project([]string{record.PlaceholderColumn}))
}

func TestWriterKnownHeaders(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.csv")
	w := newWriter(t, path, true, 3)

	sample := known(map[string]float64{"gpu_rc6_pct": 95.5}, "gpu_rc6_pct", "gpu_power_w")
	require.NoError(t, w.Write(newRow(0, sample)))
	require.NoError(t, w.Write(newRow(1, sample)))
	require.NoError(t, w.Close())

	records := readAll(t, path)
	require.Len(t, records, 3)
	assert.Equal(t, append(append([]string{}, record.Columns...), "gpu_rc6_pct", "gpu_power_w"), records[0])
	assert.Equal(t, []string{"95.5", "0"}, records[1][len(record.Columns):])
	assert.Equal(t, "2026-03-01T12:00:01", records[2][0])
}

func TestWriterBuffersUntilHeadersKnown(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.csv")
	w := newWriter(t, path, true, 3)

	require.NoError(t, w.Write(newRow(0, gpu.Sample{})))
	require.NoError(t, w.Write(newRow(1, gpu.Sample{})))
	assert.False(t, w.Locked())
	assert.Equal(t, 2, w.Pending())

	sample := known(map[string]float64{"gpu_a": 2, "gpu_b": 3}, "gpu_a", "gpu_b")
	require.NoError(t, w.Write(newRow(2, sample)))
	assert.True(t, w.Locked())
	assert.Zero(t, w.Pending())
	require.NoError(t, w.Close())

	records := readAll(t, path)
	require.Len(t, records, 4)
	assert.Equal(t, []string{"gpu_a", "gpu_b"}, records[0][len(record.Columns):])
	for i, want := range []string{"2026-03-01T12:00:00", "2026-03-01T12:00:01", "2026-03-01T12:00:02"} {
		assert.Equal(t, want, records[i+1][0], "rows keep tick order")
		assert.Len(t, records[i+1], len(record.Columns)+2)
	}
	assert.Equal(t, []string{"0", "0"}, records[1][len(record.Columns):])
	assert.Equal(t, []string{"2", "3"}, records[3][len(record.Columns):])
}

func TestWriterPlaceholderAfterWait(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.csv")
	w := newWriter(t, path, true, 2)

	for i := 0; i < 3; i++ {
		require.NoError(t, w.Write(newRow(i, gpu.Sample{})))
	}
	assert.True(t, w.Locked())

	// late discovery is projected onto the placeholder schema
	require.NoError(t, w.Write(newRow(3, known(map[string]float64{"gpu_a": 9}, "gpu_a"))))
	require.NoError(t, w.Close())

	records := readAll(t, path)
	require.Len(t, records, 5)
	assert.Equal(t, record.PlaceholderColumn, records[0][len(record.Columns)])
	for _, rec := range records[1:] {
		assert.Len(t, rec, len(record.Columns)+1)
		assert.Equal(t, "0", rec[len(record.Columns)])
	}
}

func TestWriterFlushLocksPlaceholder(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.csv")
	w := newWriter(t, path, true, 3)

	require.NoError(t, w.Write(newRow(0, gpu.Sample{})))
	require.NoError(t, w.Flush())
	assert.True(t, w.Locked())
	require.NoError(t, w.Close())

	records := readAll(t, path)
	require.Len(t, records, 2)
	assert.Equal(t, record.PlaceholderColumn, records[0][len(record.Columns)])
}

func TestWriterGPUDisabled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.csv")
	w := newWriter(t, path, false, 3)
	assert.True(t, w.Locked())

	require.NoError(t, w.Write(newRow(0, known(map[string]float64{"gpu_a": 1}, "gpu_a"))))
	require.NoError(t, w.Close())

	records := readAll(t, path)
	require.Len(t, records, 2)
	assert.Equal(t, record.Columns, records[0])
	assert.Len(t, records[1], len(record.Columns))
}

func TestWriterAdoptsExistingHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.csv")
	w := newWriter(t, path, true, 3)
	require.NoError(t, w.Write(newRow(0, known(map[string]float64{"gpu_a": 1, "gpu_b": 2}, "gpu_a", "gpu_b"))))
	require.NoError(t, w.Close())

	w = newWriter(t, path, true, 3)
	assert.True(t, w.Locked())
	require.NoError(t, w.Write(newRow(1, known(map[string]float64{"gpu_b": 4, "gpu_c": 5}, "gpu_b", "gpu_c"))))
	require.NoError(t, w.Close())

	records := readAll(t, path)
	require.Len(t, records, 3, "header is written once")
	assert.Equal(t, []string{"0", "4"}, records[2][len(record.Columns):])
}

func TestWriterRejectsForeignHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.csv")
	require.NoError(t, os.WriteFile(path, []byte("time,value\n1,2\n"), 0o644))

	_, err := record.NewWriter(record.WriterConfig{Path: path, GPUEnabled: true}, logger.Nop())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, record.ErrHeaderMismatch))
}

func TestWriterEmptyExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.csv")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	w := newWriter(t, path, false, 3)
	require.NoError(t, w.Write(newRow(0, gpu.Sample{})))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "timestamp,cpu_percent,"))
}

func TestWriterOpenFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "log.csv")
	_, err := record.NewWriter(record.WriterConfig{Path: path}, logger.Nop())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, record.ErrOpenFailed))
}

func TestWriterClosed(t *testing.T) {
	w := newWriter(t, filepath.Join(t.TempDir(), "log.csv"), false, 0)
	require.NoError(t, w.Close())
	assert.True(t, errors.HasCode(w.Write(newRow(0, gpu.Sample{})), record.ErrClosed))
	assert.NoError(t, w.Close())
}

func TestWriterRecreatesRemovedLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log.csv")
	w := newWriter(t, path, false, 0)
	require.NoError(t, w.Write(newRow(0, gpu.Sample{})))

	require.NoError(t, os.Remove(path))
	require.NoError(t, w.Write(newRow(1, gpu.Sample{})))
	assert.Zero(t, w.Pending())
	require.NoError(t, w.Close())

	records := readAll(t, path)
	require.Len(t, records, 2)
	assert.Equal(t, record.Columns, records[0])
	assert.Equal(t, "2026-03-01T12:00:01", records[1][0])
}

func TestWriterFollowsRenamedLog(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.csv")
	moved := filepath.Join(dir, "labeled.csv")
	w := newWriter(t, path, false, 0)
	require.NoError(t, w.Write(newRow(0, gpu.Sample{})))

	require.NoError(t, os.Rename(path, moved))
	require.NoError(t, w.Write(newRow(1, gpu.Sample{})))
	require.NoError(t, w.Close())

	old := readAll(t, moved)
	require.Len(t, old, 2)
	assert.Equal(t, "2026-03-01T12:00:00", old[1][0])

	fresh := readAll(t, path)
	require.Len(t, fresh, 2)
	assert.Equal(t, record.Columns, fresh[0])
	assert.Equal(t, "2026-03-01T12:00:01", fresh[1][0])
}

func TestWriterReopensReplacedLogWithoutSecondHeader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "log.csv")
	w := newWriter(t, path, false, 0)
	require.NoError(t, w.Write(newRow(0, gpu.Sample{})))

	header := strings.Join(record.Columns, ",") + "\n"
	require.NoError(t, os.Remove(path))
	require.NoError(t, os.WriteFile(path, []byte(header), 0o644))
	require.NoError(t, w.Write(newRow(1, gpu.Sample{})))
	require.NoError(t, w.Close())

	records := readAll(t, path)
	require.Len(t, records, 2)
	assert.Equal(t, "2026-03-01T12:00:01", records[1][0])
}
