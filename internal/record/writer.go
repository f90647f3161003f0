package record

import (
	"bytes"
	"encoding/csv"
	"io"
	"os"
	"slices"

	"codeberg.org/mutker/actlog/internal/errors"
	"codeberg.org/mutker/actlog/internal/logger"
)

const (
	DefaultWaitTicks  = 3
	DefaultMaxPending = 600
)

// WriterConfig configures a Writer.
type WriterConfig struct {
	Path string
	// GPUEnabled false locks the schema at once with no GPU tail.
	GPUEnabled bool
	// WaitTicks is how many rows are held back waiting for GPU headers
	// before the placeholder schema is locked.
	WaitTicks int
	// MaxPending bounds rendered rows kept across failed writes.
	MaxPending int
	Fsync      bool
}

type logFile interface {
	io.Writer
	Stat() (os.FileInfo, error)
	Sync() error
	Close() error
}

// Writer appends rows to a CSV file. The GPU tail of the header is decided
// once, then every row is projected onto it. Writer is used from a single
// goroutine.
type Writer struct {
	cfg  WriterConfig
	file logFile
	log  logger.Logger

	// partial counts bytes of the head record already in the file after a
	// short write.
	partial int

	locked bool
	tail   []string

	needHeader  bool
	waiting     []*Row
	pending     [][]string
	lateWarned  bool
	droppedRows int
}

// NewWriter opens path for appending. An existing header is adopted; its
// fixed columns must match Columns.
func NewWriter(cfg WriterConfig, log logger.Logger) (*Writer, error) {
	errFactory := errors.New()

	if cfg.WaitTicks < 0 {
		cfg.WaitTicks = DefaultWaitTicks
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = DefaultMaxPending
	}

	w := &Writer{cfg: cfg, log: log.With("record")}

	header, err := readHeader(cfg.Path)
	if err != nil {
		return nil, errFactory.Wrap(ErrOpenFailed, err)
	}
	if header != nil {
		if len(header) < len(Columns) || !slices.Equal(header[:len(Columns)], Columns) {
			return nil, errFactory.WithData(ErrHeaderMismatch, cfg.Path)
		}
		w.locked = true
		w.tail = header[len(Columns):]
		w.log.Info().Str("path", cfg.Path).Int("gpu_columns", len(w.tail)).Msg("Appending to existing log")
	}

	file, err := openLog(cfg.Path)
	if err != nil {
		return nil, errFactory.Wrap(ErrOpenFailed, err)
	}
	w.file = file

	if !cfg.GPUEnabled && !w.locked {
		w.lock(nil)
	}

	return w, nil
}

func openLog(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
}

// reopenIfMoved reopens the path when the open file is no longer the one the
// path names, so rows never land in an unlinked or renamed file.
func (w *Writer) reopenIfMoved() error {
	onDisk, err := os.Stat(w.cfg.Path)
	switch {
	case err == nil:
		current, statErr := w.file.Stat()
		if statErr == nil && os.SameFile(onDisk, current) {
			return nil
		}
	case !os.IsNotExist(err):
		return err
	}

	file, err := openLog(w.cfg.Path)
	if err != nil {
		return err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return err
	}

	w.file.Close()
	w.file = file
	w.partial = 0
	w.needHeader = info.Size() == 0
	w.log.Warn().Str("path", w.cfg.Path).Bool("header", w.needHeader).Msg("Log file was moved or removed, reopened")

	return nil
}

func readHeader(path string) ([]string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err == io.EOF {
		return nil, nil
	}
	return header, err
}

// Locked reports whether the schema has been decided.
func (w *Writer) Locked() bool {
	return w.locked
}

// Header returns the full header, or nil while the schema is open.
func (w *Writer) Header() []string {
	if !w.locked {
		return nil
	}
	return append(slices.Clone(Columns), w.tail...)
}

func (w *Writer) lock(tail []string) {
	w.locked = true
	w.tail = slices.Clone(tail)
	w.needHeader = true
	w.log.Info().Strs("gpu_columns", w.tail).Msg("Output schema locked")

	for _, row := range w.waiting {
		w.enqueue(row.Record(w.tail))
	}
	w.waiting = nil
}

// Write accepts a row and writes everything that is ready. A returned error
// means rows stay pending and are retried on the next call.
func (w *Writer) Write(row *Row) error {
	if w.file == nil {
		return errors.New().New(ErrClosed)
	}

	if !w.locked {
		switch {
		case row.GPU.Known():
			w.lock(row.GPU.Headers)
		case len(w.waiting) >= w.cfg.WaitTicks:
			w.log.Warn().Int("ticks", len(w.waiting)).Msg("GPU columns not discovered in time, using placeholder column")
			w.lock([]string{PlaceholderColumn})
		default:
			w.waiting = append(w.waiting, row)
			return nil
		}
	}

	if !w.lateWarned && row.GPU.Known() && len(w.tail) == 1 && w.tail[0] == PlaceholderColumn {
		w.lateWarned = true
		w.log.Warn().Int("gpu_columns", len(row.GPU.Headers)).Msg("GPU columns discovered after schema lock, they are not recorded")
	}

	w.enqueue(row.Record(w.tail))

	return w.drain()
}

func (w *Writer) enqueue(rec []string) {
	if len(w.pending) >= w.cfg.MaxPending {
		drop := len(w.pending) - w.cfg.MaxPending + 1
		if w.partial > 0 && !w.needHeader {
			// the head record is half on disk and must be completed first
			drop = min(drop, len(w.pending)-1)
			w.pending = append(w.pending[:1], w.pending[1+drop:]...)
		} else {
			w.pending = w.pending[drop:]
		}
		w.droppedRows += drop
		w.log.Warn().Int("dropped", drop).Int("total_dropped", w.droppedRows).Msg("Pending rows over limit, oldest dropped")
	}
	w.pending = append(w.pending, rec)
}

// drain writes the header if due, then pending rows in order, stopping at
// the first failure.
func (w *Writer) drain() error {
	errFactory := errors.New()

	if err := w.reopenIfMoved(); err != nil {
		return errFactory.Wrap(ErrOpenFailed, err)
	}

	if w.needHeader {
		if err := w.writeRecord(w.Header()); err != nil {
			return errFactory.Wrap(ErrWriteFailed, err)
		}
		w.needHeader = false
	}

	written := 0
	for _, rec := range w.pending {
		if err := w.writeRecord(rec); err != nil {
			w.pending = w.pending[written:]
			return errFactory.Wrap(ErrWriteFailed, err)
		}
		written++
	}
	w.pending = w.pending[:0]

	if written > 0 && w.cfg.Fsync {
		if err := w.file.Sync(); err != nil {
			return errFactory.Wrap(ErrWriteFailed, err)
		}
	}

	return nil
}

func (w *Writer) writeRecord(rec []string) error {
	var buf bytes.Buffer
	cw := csv.NewWriter(&buf)
	if err := cw.Write(rec); err != nil {
		return err
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return err
	}
	n, err := w.file.Write(buf.Bytes()[w.partial:])
	if err != nil {
		w.partial += n
		return err
	}
	w.partial = 0
	return nil
}

// Pending returns the number of rows not yet on disk, held or failed.
func (w *Writer) Pending() int {
	return len(w.waiting) + len(w.pending)
}

// Flush locks the schema if it is still open and writes every held row.
func (w *Writer) Flush() error {
	if w.file == nil {
		return errors.New().New(ErrClosed)
	}
	if !w.locked && len(w.waiting) > 0 {
		w.lock([]string{PlaceholderColumn})
	}
	if !w.locked {
		return nil
	}
	return w.drain()
}

// Close flushes and closes the file.
func (w *Writer) Close() error {
	if w.file == nil {
		return nil
	}
	flushErr := w.Flush()
	closeErr := w.file.Close()
	w.file = nil
	if flushErr != nil {
		return flushErr
	}
	if closeErr != nil {
		return errors.New().Wrap(ErrWriteFailed, closeErr)
	}
	return nil
}
