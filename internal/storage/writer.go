package storage

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"swiss-sandbox/internal/sandbox"
)

// Store is the write side of the audit database.
type Store interface {
	LogExecution(ctx context.Context, exec *Execution) error
	LogSecurityEvent(ctx context.Context, event *SecurityEventRecord) error
}

type auditEntry struct {
	exec   *Execution
	events []SecurityEventRecord
}

// AuditWriter persists execution records in the background. Record never
// blocks; entries are dropped when the buffer is full.
type AuditWriter struct {
	store   Store
	ch      chan auditEntry
	wg      sync.WaitGroup
	done    chan struct{}
	once    sync.Once
	backoff time.Duration

	mu      sync.Mutex
	dropped uint64
	failed  uint64
}

func NewAuditWriter(store Store, bufferSize int) *AuditWriter {
	if bufferSize < 1 {
		bufferSize = 10000
	}
	return &AuditWriter{
		store:   store,
		ch:      make(chan auditEntry, bufferSize),
		done:    make(chan struct{}),
		backoff: 100 * time.Millisecond,
	}
}

func (w *AuditWriter) Start() {
	w.wg.Add(1)
	go w.processLoop()
}

// Record implements execution.Recorder.
func (w *AuditWriter) Record(rec *sandbox.ExecutionRecord) {
	exec, events := FromRecord(rec)
	select {
	case w.ch <- auditEntry{exec: exec, events: events}:
	default:
		w.mu.Lock()
		w.dropped++
		w.mu.Unlock()
		log.Warn().Str("exec_id", rec.ID).Msg("audit buffer full, dropping log entry")
	}
}

// Flush stops the writer after draining buffered entries, waiting at most
// timeout.
func (w *AuditWriter) Flush(timeout time.Duration) {
	w.once.Do(func() { close(w.done) })

	doneCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		log.Info().Msg("audit writer flushed")
	case <-time.After(timeout):
		log.Warn().Msg("audit writer flush timed out")
	}
}

// Dropped and Failed count entries lost to a full buffer and to exhausted
// retries.
func (w *AuditWriter) Dropped() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dropped
}

func (w *AuditWriter) Failed() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.failed
}

func (w *AuditWriter) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case entry := <-w.ch:
			w.write(entry)
		case <-w.done:
			// Drain remaining entries
			for {
				select {
				case entry := <-w.ch:
					w.write(entry)
				default:
					return
				}
			}
		}
	}
}

func (w *AuditWriter) write(entry auditEntry) {
	ok := w.withRetry(entry.exec.ID, func(ctx context.Context) error {
		return w.store.LogExecution(ctx, entry.exec)
	})
	if !ok {
		return
	}
	for i := range entry.events {
		ev := &entry.events[i]
		w.withRetry(entry.exec.ID, func(ctx context.Context) error {
			return w.store.LogSecurityEvent(ctx, ev)
		})
	}
}

func (w *AuditWriter) withRetry(execID string, fn func(context.Context) error) bool {
	const maxRetries = 3

	for attempt := 0; attempt <= maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := fn(ctx)
		cancel()

		if err == nil {
			return true
		}

		if attempt < maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * w.backoff
			log.Warn().
				Err(err).
				Str("exec_id", execID).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("audit write failed, retrying")
			time.Sleep(backoff)
		} else {
			log.Error().
				Err(err).
				Str("exec_id", execID).
				Msg("audit write failed permanently after retries")
		}
	}
	w.mu.Lock()
	w.failed++
	w.mu.Unlock()
	return false
}
