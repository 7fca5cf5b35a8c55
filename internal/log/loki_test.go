package log

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lokiRecorder struct {
	mu       sync.Mutex
	requests []lokiPushRequest
	status   int
}

func (r *lokiRecorder) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	var body lokiPushRequest
	_ = json.NewDecoder(req.Body).Decode(&body)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status != 0 {
		w.WriteHeader(r.status)
		return
	}
	r.requests = append(r.requests, body)
	w.WriteHeader(http.StatusNoContent)
}

func (r *lokiRecorder) lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, req := range r.requests {
		for _, s := range req.Streams {
			for _, v := range s.Values {
				out = append(out, v[1])
			}
		}
	}
	return out
}

func TestNewLokiWriter_Defaults(t *testing.T) {
	lw, err := NewLokiWriter(LokiConfig{Endpoint: "http://127.0.0.1:1/push", Labels: map[string]string{"env": "lab"}})
	require.NoError(t, err)
	defer lw.Close()

	assert.Equal(t, defaultLokiBatchSize, lw.batchSize)
	assert.Equal(t, defaultLokiFlushInterval, lw.interval)
	assert.Equal(t, "cilab", lw.labels["job"])
	assert.Equal(t, "lab", lw.labels["env"])
}

func TestNewLokiWriter_InvalidInterval(t *testing.T) {
	_, err := NewLokiWriter(LokiConfig{Endpoint: "http://127.0.0.1:1/push", FlushInterval: "often"})
	assert.Error(t, err)
}

func TestLokiWriter_FlushesFullBatch(t *testing.T) {
	rec := &lokiRecorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	lw, err := NewLokiWriter(LokiConfig{Endpoint: srv.URL, BatchSize: 2, FlushInterval: "1h"})
	require.NoError(t, err)
	defer lw.Close()

	_, err = lw.Write([]byte("first\n"))
	require.NoError(t, err)
	assert.Empty(t, rec.lines())

	_, err = lw.Write([]byte("second\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second"}, rec.lines())
}

func TestLokiWriter_PeriodicFlush(t *testing.T) {
	rec := &lokiRecorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	lw, err := NewLokiWriter(LokiConfig{Endpoint: srv.URL, BatchSize: 100, FlushInterval: "20ms"})
	require.NoError(t, err)
	defer lw.Close()

	_, err = lw.Write([]byte("tick"))
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return len(rec.lines()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestLokiWriter_CloseFlushesAndRejectsWrites(t *testing.T) {
	rec := &lokiRecorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	lw, err := NewLokiWriter(LokiConfig{Endpoint: srv.URL, BatchSize: 100, FlushInterval: "1h"})
	require.NoError(t, err)

	_, err = lw.Write([]byte("last words"))
	require.NoError(t, err)
	require.NoError(t, lw.Close())
	assert.Equal(t, []string{"last words"}, rec.lines())

	_, err = lw.Write([]byte("too late"))
	assert.ErrorIs(t, err, ErrLokiClosed)
	assert.NoError(t, lw.Close(), "second close is a no-op")
}

func TestLokiWriter_FailedPushKeepsBatch(t *testing.T) {
	rec := &lokiRecorder{status: http.StatusServiceUnavailable}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	lw, err := NewLokiWriter(LokiConfig{Endpoint: srv.URL, BatchSize: 1, FlushInterval: "1h"})
	require.NoError(t, err)

	_, err = lw.Write([]byte("kept"))
	require.NoError(t, err, "delivery errors are not surfaced to the caller")

	rec.mu.Lock()
	rec.status = 0
	rec.mu.Unlock()

	require.NoError(t, lw.Close())
	assert.Equal(t, []string{"kept"}, rec.lines())
}
