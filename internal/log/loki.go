package log

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultLokiBatchSize     = 100
	defaultLokiFlushInterval = 5 * time.Second
	lokiMaxAttempts          = 3
	lokiRetryDelay           = 100 * time.Millisecond
)

// ErrLokiClosed is returned by Write after Close.
var ErrLokiClosed = errors.New("loki writer is closed")

// LokiConfig contains configuration for the Loki writer.
type LokiConfig struct {
	Endpoint      string            // push endpoint, e.g. http://loki:3100/loki/api/v1/push
	Labels        map[string]string // stream labels; job defaults to "cilab"
	BatchSize     int
	FlushInterval string
}

// LokiWriter is an io.Writer that batches log lines and pushes them to
// Grafana Loki. A failed push keeps the batch for the next attempt; once a
// batch has grown to four times BatchSize the oldest lines are dropped.
type LokiWriter struct {
	endpoint   string
	labels     map[string]string
	batchSize  int
	interval   time.Duration
	httpClient *http.Client

	mu      sync.Mutex
	batch   [][2]string // {unix nanos, line}
	closed  bool
	dropped atomic.Uint64

	stop chan struct{}
	done chan struct{}
}

type lokiPushRequest struct {
	Streams []lokiStream `json:"streams"`
}

type lokiStream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

// NewLokiWriter creates a Loki writer and starts its background flusher.
func NewLokiWriter(cfg LokiConfig) (*LokiWriter, error) {
	interval := defaultLokiFlushInterval
	if cfg.FlushInterval != "" {
		d, err := time.ParseDuration(cfg.FlushInterval)
		if err != nil {
			return nil, fmt.Errorf("invalid flush interval: %w", err)
		}
		if d > 0 {
			interval = d
		}
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultLokiBatchSize
	}

	labels := make(map[string]string, len(cfg.Labels)+1)
	for k, v := range cfg.Labels {
		labels[k] = v
	}
	if _, ok := labels["job"]; !ok {
		labels["job"] = "cilab"
	}

	lw := &LokiWriter{
		endpoint:   cfg.Endpoint,
		labels:     labels,
		batchSize:  batchSize,
		interval:   interval,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		batch:      make([][2]string, 0, batchSize),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	go lw.flusher()
	return lw, nil
}

// Write implements io.Writer. It never blocks on the network when the batch
// is below BatchSize.
func (lw *LokiWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()

	if lw.closed {
		return 0, ErrLokiClosed
	}

	line := string(bytes.TrimRight(p, "\n"))
	lw.batch = append(lw.batch, [2]string{strconv.FormatInt(time.Now().UnixNano(), 10), line})

	if limit := lw.batchSize * 4; len(lw.batch) > limit {
		over := len(lw.batch) - limit
		lw.batch = append(lw.batch[:0], lw.batch[over:]...)
		lw.dropped.Add(uint64(over))
	}

	if len(lw.batch) >= lw.batchSize {
		// Delivery errors are not surfaced to the logger.
		_ = lw.flushLocked()
	}
	return len(p), nil
}

// Dropped returns how many lines were discarded while Loki was unreachable.
func (lw *LokiWriter) Dropped() uint64 {
	return lw.dropped.Load()
}

// Close stops the flusher and pushes the remaining lines.
func (lw *LokiWriter) Close() error {
	lw.mu.Lock()
	if lw.closed {
		lw.mu.Unlock()
		return nil
	}
	lw.closed = true
	err := lw.flushLocked()
	lw.mu.Unlock()

	close(lw.stop)
	<-lw.done
	return err
}

func (lw *LokiWriter) flusher() {
	defer close(lw.done)

	ticker := time.NewTicker(lw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			lw.mu.Lock()
			if !lw.closed {
				_ = lw.flushLocked()
			}
			lw.mu.Unlock()
		case <-lw.stop:
			return
		}
	}
}

// flushLocked pushes the batch. Must be called with lw.mu held.
func (lw *LokiWriter) flushLocked() error {
	if len(lw.batch) == 0 {
		return nil
	}

	body, err := json.Marshal(lokiPushRequest{
		Streams: []lokiStream{{Stream: lw.labels, Values: lw.batch}},
	})
	if err != nil {
		return fmt.Errorf("failed to marshal loki request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < lokiMaxAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(lokiRetryDelay << (attempt - 1))
		}
		if lastErr = lw.push(body); lastErr == nil {
			lw.batch = lw.batch[:0]
			return nil
		}
	}
	return fmt.Errorf("loki push failed after %d attempts: %w", lokiMaxAttempts, lastErr)
}

func (lw *LokiWriter) push(body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, lw.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := lw.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("loki push failed with status %d: %s", resp.StatusCode, msg)
	}
	return nil
}
