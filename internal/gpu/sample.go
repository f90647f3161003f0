// Package gpu collects GPU telemetry from a CSV-emitting monitor process or
// from NVML, and publishes the latest values as a snapshot.
package gpu

import (
	"strings"
	"sync/atomic"
)

// Sample is an immutable view of the most recent GPU telemetry.
type Sample struct {
	// Headers holds normalized column names in source order; empty until the
	// first header line is observed.
	Headers []string
	// Latest maps header name to value. Keys are a subset of Headers.
	Latest map[string]float64
}

// Known reports whether the column set has been discovered.
func (s Sample) Known() bool {
	return len(s.Headers) > 0
}

// Values returns one value per header in order, 0 where a header has no
// value yet. Before headers are known it returns expected zeros so callers
// see a stable width during startup.
func (s Sample) Values(expected int) []float64 {
	if !s.Known() {
		return make([]float64, expected)
	}
	out := make([]float64, len(s.Headers))
	for i, name := range s.Headers {
		out[i] = s.Latest[name]
	}
	return out
}

// Value looks up a single column, 0 when absent.
func (s Sample) Value(name string) float64 {
	return s.Latest[name]
}

// Store holds the current Sample. One producer goroutine calls SetHeaders
// and SetLatest; any number of readers call Snapshot.
type Store struct {
	current atomic.Pointer[Sample]
}

func NewStore() *Store {
	s := &Store{}
	s.current.Store(&Sample{})
	return s
}

// Snapshot returns the current sample. The returned value must not be
// modified.
func (s *Store) Snapshot() Sample {
	return *s.current.Load()
}

// SetHeaders replaces the column set. Values from a previous column set are
// dropped.
func (s *Store) SetHeaders(headers []string) {
	h := make([]string, len(headers))
	copy(h, headers)
	s.current.Store(&Sample{Headers: h, Latest: map[string]float64{}})
}

// SetLatest swaps in a new value mapping for the current headers.
func (s *Store) SetLatest(latest map[string]float64) {
	prev := s.current.Load()
	s.current.Store(&Sample{Headers: prev.Headers, Latest: latest})
}

// NormalizeHeader maps a raw column label to its output column name.
func NormalizeHeader(raw string) string {
	name := strings.TrimSpace(raw)
	name = strings.ReplaceAll(name, " ", "_")
	name = strings.ReplaceAll(name, "%", "pct")
	return "gpu_" + name
}
