// Package audit persists the append-only action trail. Writes are
// best-effort and fully decoupled from the money path: callers enqueue and
// move on, a single background worker drains the queue, and entries are
// dropped (and counted) when the queue is full or the writer fails. A failed
// audit write never fails the operation that produced it.
package audit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"optiledger/backend/internal/domain"
	"optiledger/backend/internal/metrics"
)

type Writer interface {
	AppendAudit(ctx context.Context, entry domain.AuditEntry) error
}

type Recorder struct {
	writer  Writer
	logger  *zap.Logger
	queue   chan domain.AuditEntry
	done    chan struct{}
	closeMu sync.Mutex
	closed  bool
}

const writeTimeout = 5 * time.Second

func NewRecorder(writer Writer, logger *zap.Logger, queueSize int) *Recorder {
	if queueSize < 1 {
		queueSize = 256
	}
	r := &Recorder{
		writer: writer,
		logger: logger,
		queue:  make(chan domain.AuditEntry, queueSize),
		done:   make(chan struct{}),
	}
	go r.run()
	return r
}

// Record enqueues an entry without blocking. A full queue drops the entry.
func (r *Recorder) Record(entry domain.AuditEntry) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	r.closeMu.Lock()
	defer r.closeMu.Unlock()
	if r.closed {
		metrics.AuditDropped.Inc()
		return
	}
	select {
	case r.queue <- entry:
	default:
		metrics.AuditDropped.Inc()
		r.logger.Warn("audit entry dropped, queue full",
			zap.String("action", entry.Action),
			zap.String("entity_type", entry.EntityType),
			zap.String("entity_id", entry.EntityID))
	}
}

func (r *Recorder) run() {
	defer close(r.done)
	for entry := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := r.writer.AppendAudit(ctx, entry)
		cancel()
		if err != nil {
			metrics.AuditDropped.Inc()
			r.logger.Warn("audit write failed",
				zap.String("action", entry.Action),
				zap.String("entity_type", entry.EntityType),
				zap.String("entity_id", entry.EntityID),
				zap.Error(err))
			continue
		}
		metrics.AuditWritten.Inc()
	}
}

// Close stops accepting entries and waits for the worker to drain what was
// already queued, up to the context deadline.
func (r *Recorder) Close(ctx context.Context) error {
	r.closeMu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.closeMu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
