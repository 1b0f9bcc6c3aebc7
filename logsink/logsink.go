// Package logsink provides append-only record sinks with an asynchronous
// bounded writer, so request handlers never block on log durability.
package logsink

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Sink persists one record. Appends are idempotent per record.
type Sink interface {
	Append(ctx context.Context, record any) error
	Close() error
}

const (
	defaultQueueSize    = 256
	defaultAppendWindow = 5 * time.Second
)

// Writer decouples producers from a Sink through a bounded queue drained by
// a single background goroutine. When the queue is full the oldest queued
// record is dropped and counted; enqueueing never blocks.
type Writer struct {
	sink Sink
	ch   chan any

	dropped atomic.Uint64

	mu     sync.RWMutex // guards closed against in-flight Enqueues
	closed bool

	done      chan struct{}
	closeOnce sync.Once
}

// NewWriter starts the drainer goroutine. queueSize <= 0 selects the default.
func NewWriter(sink Sink, queueSize int) *Writer {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	w := &Writer{
		sink: sink,
		ch:   make(chan any, queueSize),
		done: make(chan struct{}),
	}
	go w.drain()
	return w
}

// Enqueue queues a record for persistence and returns immediately. On a
// full queue the oldest queued record is discarded to make room. After
// Close the record is counted as dropped.
func (w *Writer) Enqueue(record any) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.dropped.Add(1)
		return
	}
	for {
		select {
		case w.ch <- record:
			return
		default:
		}
		select {
		case <-w.ch:
			w.dropped.Add(1)
		default:
		}
	}
}

// Dropped reports how many records were discarded due to queue overflow.
func (w *Writer) Dropped() uint64 { return w.dropped.Load() }

// Close stops accepting records, drains what is queued, and closes the
// sink. Safe to call more than once.
func (w *Writer) Close() error {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		w.mu.Unlock()
		close(w.ch)
		<-w.done
	})
	return w.sink.Close()
}

func (w *Writer) drain() {
	defer close(w.done)
	for record := range w.ch {
		ctx, cancel := context.WithTimeout(context.Background(), defaultAppendWindow)
		if err := w.sink.Append(ctx, record); err != nil {
			slog.Warn("logsink: append failed", "error", err)
		}
		cancel()
	}
}
