// Package export indexes sampled rows into Elasticsearch off the sampler
// goroutine.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"codeberg.org/mutker/actlog/internal/errors"
	"codeberg.org/mutker/actlog/internal/logger"
	"codeberg.org/mutker/actlog/internal/record"
	"github.com/elastic/go-elasticsearch/v8"
)

const (
	ErrClientInit  = errors.ErrorCode("export_client_init_failed")
	ErrQueueFull   = errors.ErrorCode("export_queue_full")
	ErrClosed      = errors.ErrorCode("export_closed")
	ErrIndexFailed = errors.ErrorCode("export_index_failed")

	DefaultQueue   = 256
	DefaultTimeout = 3 * time.Second
	DefaultIndex   = "actlog-samples"
)

type Config struct {
	Addresses []string
	Index     string
	Username  string
	Password  string
	// Queue bounds rows waiting to be indexed.
	Queue int
	// Timeout bounds each index request and the drain on Close.
	Timeout time.Duration
	// Transport replaces the HTTP transport; nil uses the default.
	Transport http.RoundTripper
}

// Indexer queues rows and indexes them from a single worker goroutine.
// Record never blocks; rows are dropped when the queue is full.
type Indexer struct {
	client  *elasticsearch.Client
	index   string
	timeout time.Duration
	log     logger.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan *record.Row

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	dropped atomic.Int64
	indexed atomic.Int64
}

func New(cfg Config, log logger.Logger) (*Indexer, error) {
	errFactory := errors.New()

	if cfg.Queue <= 0 {
		cfg.Queue = DefaultQueue
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Index == "" {
		cfg.Index = DefaultIndex
	}

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: cfg.Transport,
	})
	if err != nil {
		return nil, errFactory.Wrap(ErrClientInit, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	ix := &Indexer{
		client:  client,
		index:   cfg.Index,
		timeout: cfg.Timeout,
		log:     log.With("elastic"),
		queue:   make(chan *record.Row, cfg.Queue),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go ix.run()

	ix.log.Info().Strs("addresses", cfg.Addresses).Str("index", cfg.Index).Msg("Elasticsearch mirror started")

	return ix, nil
}

// Record queues row for indexing.
func (ix *Indexer) Record(_ context.Context, row *record.Row) error {
	errFactory := errors.New()

	ix.mu.RLock()
	defer ix.mu.RUnlock()
	if ix.closed {
		return errFactory.New(ErrClosed)
	}

	select {
	case ix.queue <- row:
		return nil
	default:
		n := ix.dropped.Add(1)
		ix.log.Warn().Int64("dropped", n).Msg("Elasticsearch queue full, row dropped")
		return errFactory.New(ErrQueueFull)
	}
}

func (ix *Indexer) run() {
	defer close(ix.done)

	for row := range ix.queue {
		if err := ix.send(row); err != nil {
			ix.log.Debug().Err(err).Msg("Row not indexed")
			continue
		}
		ix.indexed.Add(1)
	}
}

func (ix *Indexer) send(row *record.Row) error {
	errFactory := errors.New()

	body, err := json.Marshal(Document(row))
	if err != nil {
		return errFactory.Wrap(ErrIndexFailed, err)
	}

	ctx, cancel := context.WithTimeout(ix.ctx, ix.timeout)
	defer cancel()

	res, err := ix.client.Index(
		ix.index,
		bytes.NewReader(body),
		ix.client.Index.WithContext(ctx),
	)
	if err != nil {
		return errFactory.Wrap(ErrIndexFailed, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return errFactory.WithData(ErrIndexFailed, res.String())
	}

	return nil
}

// Indexed returns how many rows were accepted by the cluster.
func (ix *Indexer) Indexed() int64 {
	return ix.indexed.Load()
}

// Dropped returns how many rows were dropped on a full queue.
func (ix *Indexer) Dropped() int64 {
	return ix.dropped.Load()
}

// Close stops intake and waits for queued rows, at most one request timeout
// before in-flight requests are cancelled.
func (ix *Indexer) Close() error {
	ix.mu.Lock()
	if ix.closed {
		ix.mu.Unlock()
		return nil
	}
	ix.closed = true
	close(ix.queue)
	ix.mu.Unlock()

	timer := time.NewTimer(ix.timeout)
	defer timer.Stop()

	select {
	case <-ix.done:
	case <-timer.C:
		ix.log.Warn().Int("queued", len(ix.queue)).Msg("Elasticsearch drain timed out, cancelling")
		ix.cancel()
		<-ix.done
	}
	ix.cancel()

	ix.log.Info().Int64("indexed", ix.indexed.Load()).Int64("dropped", ix.dropped.Load()).Msg("Elasticsearch mirror stopped")

	return nil
}

// Document is the indexed form of a row.
func Document(row *record.Row) map[string]any {
	m := row.Metrics
	gpu := row.GPU.Latest
	if gpu == nil {
		gpu = map[string]float64{}
	}
	return map[string]any{
		"@timestamp":          row.Timestamp.Format(time.RFC3339),
		"cpu_percent":         row.CPUPercent,
		"ram_percent":         row.RAMPercent,
		"disk_read_Bps":       row.DiskReadBps,
		"disk_write_Bps":      row.DiskWriteBps,
		"net_in_Bps":          row.NetInBps,
		"net_out_Bps":         row.NetOutBps,
		"window_id":           row.WindowID,
		"app_id":              row.AppID,
		"pid":                 row.PID,
		"title":               row.Title,
		"process_count":       row.ProcessCount,
		"process_total":       row.ProcessTotal,
		"keyboard_active":     m.KeyboardActive,
		"mouse_active":        m.MouseActive,
		"avg_rate":            m.AvgRate,
		"instant_rate":        m.InstantRate,
		"keys_per_tick":       m.KeysPerTick,
		"burst_sec":           m.BurstSec,
		"idle_sec":            m.IdleSec,
		"focus_streak_sec":    m.FocusStreakSec,
		"window_switch_count": m.WindowSwitches,
		"rate_delta":          m.RateDelta,
		"gpu":                 gpu,
		"gpu_values":          row.GPUValues(),
	}
}
