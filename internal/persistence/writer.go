package persistence

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type writeCmd struct {
	name string
	fn   func(context.Context) error
}

// WriterQueue serializes database writes off the main loop. When the queue
// is full the new write is dropped with a warning.
type WriterQueue struct {
	logger *slog.Logger
	queue  chan writeCmd
	wg     sync.WaitGroup
	done   chan struct{}

	mu      sync.RWMutex
	closed  bool
	started bool
}

func NewWriterQueue(logger *slog.Logger, capacity int) *WriterQueue {
	if capacity <= 0 {
		capacity = 256
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WriterQueue{
		logger: logger,
		queue:  make(chan writeCmd, capacity),
		done:   make(chan struct{}),
	}
}

// Enqueue schedules fn. Writes enqueued after Close are dropped.
func (w *WriterQueue) Enqueue(name string, fn func(context.Context) error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.logger.Warn("db writer closed, dropping write", "cmd", name)
		return
	}

	cmd := writeCmd{name: name, fn: fn}
	w.wg.Add(1)
	select {
	case w.queue <- cmd:
	default:
		w.wg.Done()
		w.logger.Warn("db write queue full, dropping write", "cmd", name)
	}
}

// Start runs queued writes until Close drains the queue or ctx is done.
// Cancelling ctx discards whatever is still queued.
func (w *WriterQueue) Start(ctx context.Context) {
	w.mu.Lock()
	w.started = true
	w.mu.Unlock()

	go func() {
		defer close(w.done)
		for {
			select {
			case <-ctx.Done():
				w.discard()
				return
			case cmd, ok := <-w.queue:
				if !ok {
					return
				}
				w.runWithRetry(ctx, cmd)
				w.wg.Done()
			}
		}
	}()
}

// Close stops accepting writes, runs the ones already queued and returns
// once the writer goroutine has exited. It is safe to call more than once.
func (w *WriterQueue) Close() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	started := w.started
	w.mu.Unlock()

	if !started {
		w.discard()
		return
	}
	<-w.done
}

// Wait blocks until every enqueued write has run or been discarded.
func (w *WriterQueue) Wait() {
	w.wg.Wait()
}

func (w *WriterQueue) discard() {
	for {
		select {
		case cmd, ok := <-w.queue:
			if !ok {
				return
			}
			w.logger.Debug("discarding db write on shutdown", "cmd", cmd.name)
			w.wg.Done()
		default:
			return
		}
	}
}

func (w *WriterQueue) runWithRetry(ctx context.Context, cmd writeCmd) {
	const maxAttempts = 3
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := cmd.fn(ctx); err != nil {
			w.logger.Error("db write failed", "cmd", cmd.name, "attempt", attempt, "error", err)
			if attempt == maxAttempts {
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(attempt) * 300 * time.Millisecond):
			}
			continue
		}
		return
	}
}
