// Package events batches one outcome event per finished gateway request
// and posts them to an optional webhook. Emission never blocks the
// request path; when the buffer is full the oldest event is dropped.
package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/playlistgate/playlistgate/internal/config"
	"github.com/playlistgate/playlistgate/internal/observability"
)

// OutcomeEvent describes how one gateway request ended.
type OutcomeEvent struct {
	RequestID string `json:"request_id"`
	Endpoint  string `json:"endpoint"`
	Method    string `json:"method"`
	Status    int    `json:"status"`
	Admitted  bool   `json:"admitted"`
	Attempts  int    `json:"attempts"`
	ErrorKind string `json:"error_kind,omitempty"`
	LatencyMs int64  `json:"latency_ms"`
	Timestamp string `json:"timestamp"` // RFC 3339
}

// Emitter buffers OutcomeEvents in a ring and flushes them in batches by
// size or interval.
type Emitter struct {
	logger  *slog.Logger
	metrics *observability.Metrics

	url        string
	headers    map[string]config.RedactedString
	httpClient *http.Client

	batchSize     int
	flushInterval time.Duration
	bufferSize    int
	maxRetries    int
	retryBackoff  time.Duration

	ring     []OutcomeEvent
	ringMu   sync.Mutex
	ringHead int
	ringTail int
	ringLen  int

	flushCh   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewEmitter starts an emitter, or returns nil when events are disabled.
// A nil *Emitter is safe to Emit to and Close.
func NewEmitter(cfg config.EventsConfig, logger *slog.Logger, metrics *observability.Metrics) *Emitter {
	if !cfg.Enabled {
		return nil
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 10000
	}
	flushInterval := config.MustParseDuration(cfg.FlushInterval, 5*time.Second)
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}

	e := &Emitter{
		logger:        logger.With("component", "events"),
		metrics:       metrics,
		url:           cfg.URL,
		headers:       cfg.Headers,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		batchSize:     batchSize,
		flushInterval: flushInterval,
		bufferSize:    bufferSize,
		maxRetries:    max(cfg.MaxRetries, 0),
		retryBackoff:  config.MustParseDuration(cfg.RetryBackoff, 100*time.Millisecond),
		ring:          make([]OutcomeEvent, bufferSize),
		flushCh:       make(chan struct{}, 1),
		done:          make(chan struct{}),
	}

	e.wg.Add(1)
	go e.flushLoop()

	return e
}

// Emit enqueues ev. It never blocks.
func (e *Emitter) Emit(ev OutcomeEvent) {
	if e == nil {
		return
	}
	if ev.Timestamp == "" {
		ev.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	e.ringMu.Lock()
	e.ring[e.ringTail] = ev
	e.ringTail = (e.ringTail + 1) % e.bufferSize
	if e.ringLen == e.bufferSize {
		e.ringHead = (e.ringHead + 1) % e.bufferSize
		if e.metrics != nil {
			e.metrics.IncEventsDropped()
		}
	} else {
		e.ringLen++
	}
	shouldFlush := e.ringLen >= e.batchSize
	e.ringMu.Unlock()

	if shouldFlush {
		select {
		case e.flushCh <- struct{}{}:
		default:
		}
	}
}

// Close stops the flush loop and sends whatever is still buffered.
func (e *Emitter) Close() error {
	if e == nil {
		return nil
	}
	e.closeOnce.Do(func() {
		close(e.done)
		e.wg.Wait()
		e.flush()
	})
	return nil
}

func (e *Emitter) flushLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			e.flush()
		case <-e.flushCh:
			e.flush()
		}
	}
}

func (e *Emitter) flush() {
	for {
		batch := e.drain()
		if len(batch) == 0 {
			return
		}
		e.send(batch)
	}
}

func (e *Emitter) drain() []OutcomeEvent {
	e.ringMu.Lock()
	defer e.ringMu.Unlock()

	if e.ringLen == 0 {
		return nil
	}

	n := min(e.ringLen, e.batchSize)
	batch := make([]OutcomeEvent, n)
	for i := range n {
		batch[i] = e.ring[(e.ringHead+i)%e.bufferSize]
	}
	e.ringHead = (e.ringHead + n) % e.bufferSize
	e.ringLen -= n
	return batch
}

func (e *Emitter) send(batch []OutcomeEvent) {
	body, err := json.Marshal(struct {
		Events []OutcomeEvent `json:"events"`
	}{Events: batch})
	if err != nil {
		e.logger.Error("failed to marshal events batch", "error", err)
		return
	}

	backoff := e.retryBackoff
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(backoff)
			backoff *= 2
		}
		retry, err := e.post(body)
		if err == nil {
			return
		}
		e.logger.Warn("failed to send events batch", "error", err, "count", len(batch), "attempt", attempt+1)
		if !retry {
			break
		}
	}
	if e.metrics != nil {
		e.metrics.IncEventsSendFailures()
	}
}

// post sends one batch. retry reports whether the failure is transient.
func (e *Emitter) post(body []byte) (retry bool, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range e.headers {
		req.Header.Set(k, v.Value())
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return true, err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode >= 500:
		return true, fmt.Errorf("events receiver returned %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return false, fmt.Errorf("events receiver returned %d", resp.StatusCode)
	}
	return false, nil
}

func (e *Emitter) String() string {
	return fmt.Sprintf("Emitter(url=%s, batch=%d, flush=%s, buf=%d)",
		e.url, e.batchSize, e.flushInterval, e.bufferSize)
}
