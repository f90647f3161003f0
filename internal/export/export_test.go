package export_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/actlog/internal/errors"
	"codeberg.org/mutker/actlog/internal/export"
	"codeberg.org/mutker/actlog/internal/features"
	"codeberg.org/mutker/actlog/internal/gpu"
	"codeberg.org/mutker/actlog/internal/logger"
	"codeberg.org/mutker/actlog/internal/record"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTransport struct {
	mu      sync.Mutex
	status  int
	paths   []string
	bodies  []map[string]any
	started chan struct{}
	release chan struct{}
}

func (f *fakeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}

	var doc map[string]any
	if req.Body != nil {
		data, _ := io.ReadAll(req.Body)
		_ = json.Unmarshal(data, &doc)
	}

	f.mu.Lock()
	f.paths = append(f.paths, req.URL.Path)
	f.bodies = append(f.bodies, doc)
	status := f.status
	f.mu.Unlock()

	if status == 0 {
		status = http.StatusCreated
	}
	header := http.Header{}
	header.Set("X-Elastic-Product", "Elasticsearch")
	header.Set("Content-Type", "application/json")
	return &http.Response{
		StatusCode: status,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(`{"result":"created"}`)),
		Request:    req,
	}, nil
}

func (f *fakeTransport) requests() ([]string, []map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.paths...), append([]map[string]any{}, f.bodies...)
}

func testRow() *record.Row {
	return &record.Row{
		Timestamp:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		CPUPercent:   12.5,
		AppID:        "foot",
		WindowID:     "27",
		PID:          "4242",
		Title:        "vim",
		ProcessTotal: 300,
		Metrics:      features.Metrics{KeysPerTick: 5, KeyboardActive: true},
		GPU:          gpu.Sample{Headers: []string{"gpu_rc6_pct"}, Latest: map[string]float64{"gpu_rc6_pct": 95.5}},
	}
}

func newIndexer(t *testing.T, transport http.RoundTripper, queue int) *export.Indexer {
	t.Helper()
	ix, err := export.New(export.Config{
		Addresses: []string{"http://es.test:9200"},
		Index:     "actlog-test",
		Queue:     queue,
		Timeout:   time.Second,
		Transport: transport,
	}, logger.Nop())
	require.NoError(t, err)
	return ix
}

func TestDocument(t *testing.T) {
	doc := export.Document(testRow())
	assert.Equal(t, "2026-03-01T12:00:00Z", doc["@timestamp"])
	assert.Equal(t, "vim", doc["title"])
	assert.Equal(t, 300, doc["process_total"])
	assert.Equal(t, int64(5), doc["keys_per_tick"])
	assert.Equal(t, map[string]float64{"gpu_rc6_pct": 95.5}, doc["gpu"])
	assert.Equal(t, []float64{95.5}, doc["gpu_values"])

	empty := export.Document(&record.Row{GPUWidth: 3})
	assert.Equal(t, map[string]float64{}, empty["gpu"])
	assert.Equal(t, []float64{0, 0, 0}, empty["gpu_values"])
}

func TestIndexerSendsRows(t *testing.T) {
	transport := &fakeTransport{}
	ix := newIndexer(t, transport, 8)

	require.NoError(t, ix.Record(context.Background(), testRow()))
	require.NoError(t, ix.Record(context.Background(), testRow()))
	require.NoError(t, ix.Close())

	paths, bodies := transport.requests()
	require.Len(t, paths, 2)
	assert.Equal(t, "/actlog-test/_doc", paths[0])
	assert.Equal(t, "foot", bodies[0]["app_id"])
	assert.Equal(t, 95.5, bodies[0]["gpu"].(map[string]any)["gpu_rc6_pct"])
	assert.Equal(t, int64(2), ix.Indexed())
}

func TestIndexerCountsRejectedRows(t *testing.T) {
	transport := &fakeTransport{status: http.StatusBadRequest}
	ix := newIndexer(t, transport, 8)

	require.NoError(t, ix.Record(context.Background(), testRow()))
	require.NoError(t, ix.Close())

	assert.Zero(t, ix.Indexed())
}

func TestIndexerDropsWhenFull(t *testing.T) {
	transport := &fakeTransport{
		started: make(chan struct{}, 4),
		release: make(chan struct{}),
	}
	ix := newIndexer(t, transport, 1)

	require.NoError(t, ix.Record(context.Background(), testRow()))
	<-transport.started // worker holds the first row

	require.NoError(t, ix.Record(context.Background(), testRow()))
	err := ix.Record(context.Background(), testRow())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, export.ErrQueueFull))
	assert.Equal(t, int64(1), ix.Dropped())

	close(transport.release)
	require.NoError(t, ix.Close())
	assert.Equal(t, int64(2), ix.Indexed())
}

func TestIndexerClosed(t *testing.T) {
	ix := newIndexer(t, &fakeTransport{}, 1)
	require.NoError(t, ix.Close())
	assert.True(t, errors.HasCode(ix.Record(context.Background(), testRow()), export.ErrClosed))
	assert.NoError(t, ix.Close())
}
