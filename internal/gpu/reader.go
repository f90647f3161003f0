package gpu

import (
	"context"
	"io"
	"math"
	"strconv"
	"strings"

	"codeberg.org/mutker/actlog/internal/logger"
	"codeberg.org/mutker/actlog/internal/stream"
)

// DefaultHeaderMarker identifies the intel_gpu_top -c header line.
const DefaultHeaderMarker = "Freq MHz req"

// Reader parses a header-then-rows CSV stream into a Store.
type Reader struct {
	store  *Store
	marker string
	argv   []string
	log    logger.Logger

	headers []string
}

// NewReader returns a Reader for command. A line containing marker is the
// header; with an empty marker the first non-empty line is.
func NewReader(store *Store, command, marker string, log logger.Logger) *Reader {
	return &Reader{
		store:  store,
		marker: marker,
		argv:   stream.Split(command),
		log:    log.With("gpu"),
	}
}

func (r *Reader) isHeader(line string) bool {
	if r.marker == "" {
		return r.headers == nil
	}
	return strings.Contains(line, r.marker)
}

// Handle applies one line. Malformed data lines are dropped whole.
func (r *Reader) Handle(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	parts := strings.Split(line, ",")

	if r.isHeader(line) {
		headers := make([]string, len(parts))
		for i, p := range parts {
			headers[i] = NormalizeHeader(p)
		}
		r.headers = headers
		r.store.SetHeaders(headers)
		r.log.Info().Int("columns", len(headers)).Msg("GPU columns discovered")
		return
	}

	if r.headers == nil {
		return
	}
	if len(parts) != len(r.headers) {
		r.log.Debug().Int("fields", len(parts)).Int("headers", len(r.headers)).Msg("Dropped GPU row with wrong field count")
		return
	}

	latest := make(map[string]float64, len(parts))
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			r.log.Debug().Str("field", p).Msg("Dropped GPU row with non-numeric field")
			return
		}
		latest[r.headers[i]] = v
	}
	r.store.SetLatest(latest)
}

// Consume reads lines from src until it is exhausted.
func (r *Reader) Consume(ctx context.Context, src io.Reader) error {
	return stream.Scan(ctx, src, r.Handle)
}

// Run starts the monitor command and reads it until it exits or ctx is
// cancelled. Failures leave the Store as it was.
func (r *Reader) Run(ctx context.Context) {
	if err := stream.Command(ctx, r.argv, r.Handle, r.log); err != nil {
		r.log.Warn().Err(err).Msg("GPU monitor unavailable, GPU columns will read as zero")
	}
}
