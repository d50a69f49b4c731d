package audit

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"termbridge/internal/logging"
)

const (
	defaultQueueSize = 1024
	maxBatch         = 128
)

type WriterOptions struct {
	QueueSize int
	Logger    *slog.Logger
	Now       func() time.Time
}

// Writer serializes every Emit through one goroutine so entries reach the
// store in emit order and never interleave.
type Writer struct {
	store  Store
	queue  chan Entry
	logger *slog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
	start  sync.Once
}

func NewWriter(store Store, opts WriterOptions) *Writer {
	size := opts.QueueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Writer{
		store:  store,
		queue:  make(chan Entry, size),
		logger: logging.Module(opts.Logger, "audit"),
		now:    now,
		done:   make(chan struct{}),
	}
}

// Emit stamps id and timestamp when missing and enqueues the entry. It blocks
// while the queue is full; entries emitted after Close are dropped.
func (w *Writer) Emit(e Entry) {
	if w == nil {
		return
	}
	if strings.TrimSpace(e.ID) == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = w.now().UTC()
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.logger.Warn("audit entry dropped after close", "type", e.Type, "session_id", e.SessionID)
		return
	}
	w.queue <- e
}

// Run drains the queue until Close. It is safe to call once.
func (w *Writer) Run(ctx context.Context) error {
	started := false
	w.start.Do(func() { started = true })
	if !started {
		<-w.done
		return nil
	}
	defer close(w.done)
	batch := make([]Entry, 0, maxBatch)
	for e := range w.queue {
		batch = append(batch[:0], e)
	drain:
		for len(batch) < maxBatch {
			select {
			case next, ok := <-w.queue:
				if !ok {
					break drain
				}
				batch = append(batch, next)
			default:
				break drain
			}
		}
		w.persist(batch)
	}
	return nil
}

func (w *Writer) persist(batch []Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := w.store.Append(ctx, batch)
	if err == nil {
		return
	}
	w.logger.Error("audit append failed, retrying once", "entries", len(batch), "err", err)
	if err := w.store.Append(ctx, batch); err != nil {
		w.logger.Error("audit entries lost", "entries", len(batch), "err", err)
	}
}

// Close stops accepting entries and waits until the queue is flushed or ctx ends.
func (w *Writer) Close(ctx context.Context) error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) List(ctx context.Context, q Query) ([]Entry, error) {
	return w.store.List(ctx, q)
}
