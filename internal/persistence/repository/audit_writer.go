package repository

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hilthontt/relay/internal/domain"
	"github.com/hilthontt/relay/internal/infrastructure/logging"
)

const (
	defaultAuditBuffer  = 1024
	defaultWriteTimeout = 5 * time.Second
)

// AuditWriter writes audit entries from a background goroutine. Record never
// blocks; entries are dropped when the buffer is full.
type AuditWriter struct {
	repo    domain.ConnectionAuditRepository
	logger  logging.Logger
	entries chan *domain.ConnectionAuditLog
	timeout time.Duration

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
	done      chan struct{}
	dropped   atomic.Int64
}

func NewAuditWriter(repo domain.ConnectionAuditRepository, logger logging.Logger, buffer int) *AuditWriter {
	if buffer <= 0 {
		buffer = defaultAuditBuffer
	}

	w := &AuditWriter{
		repo:    repo,
		logger:  logger,
		entries: make(chan *domain.ConnectionAuditLog, buffer),
		timeout: defaultWriteTimeout,
		done:    make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *AuditWriter) Record(entry *domain.ConnectionAuditLog) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if w.closed {
		return
	}

	select {
	case w.entries <- entry:
	default:
		w.dropped.Add(1)
		w.logger.Warn(logging.MongoDB, logging.AuditLog, "audit buffer full, entry dropped", map[logging.ExtraKey]any{
			logging.UserID: entry.UserID,
		})
	}
}

func (w *AuditWriter) run() {
	defer close(w.done)

	for entry := range w.entries {
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		if err := w.repo.Log(ctx, entry); err != nil {
			w.logger.Error(logging.MongoDB, logging.AuditLog, "failed to write audit entry", map[logging.ExtraKey]any{
				logging.UserID:       entry.UserID,
				logging.ErrorMessage: err.Error(),
			})
		}
		cancel()
	}
}

// Dropped counts entries lost to a full buffer.
func (w *AuditWriter) Dropped() int64 {
	return w.dropped.Load()
}

// Close flushes queued entries or gives up when ctx is done.
func (w *AuditWriter) Close(ctx context.Context) error {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		close(w.entries)
		w.mu.Unlock()
	})

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
