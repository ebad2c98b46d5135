package events

import (
	"context"
	"errors"
	"log"
	"time"

	"token-escrow/internal/domain"
	"token-escrow/internal/observability"
	"token-escrow/internal/storage"
)

// Recorder defaults.
const (
	DefaultRecorderBuffer   = 1024
	DefaultRecorderBatch    = 100
	DefaultRecorderInterval = time.Second
)

// Recorder writes events to a SettlementEventStore in batches.
// Emit only enqueues; Run performs the writes. Duplicate event IDs are
// treated as already recorded.
type Recorder struct {
	store    storage.SettlementEventStore
	logger   *log.Logger
	queue    chan *domain.SettlementEvent
	batch    int
	interval time.Duration
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithBatchSize sets the maximum events per write.
func WithBatchSize(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.batch = n
		}
	}
}

// WithFlushInterval sets how long events may wait before a partial batch is written.
func WithFlushInterval(d time.Duration) RecorderOption {
	return func(r *Recorder) {
		if d > 0 {
			r.interval = d
		}
	}
}

// WithBufferSize sets the queue capacity. Events past capacity are dropped and counted.
func WithBufferSize(n int) RecorderOption {
	return func(r *Recorder) {
		if n > 0 {
			r.queue = make(chan *domain.SettlementEvent, n)
		}
	}
}

// NewRecorder creates a Recorder. Call Run to start writing.
func NewRecorder(store storage.SettlementEventStore, logger *log.Logger, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:    store,
		logger:   logger,
		queue:    make(chan *domain.SettlementEvent, DefaultRecorderBuffer),
		batch:    DefaultRecorderBatch,
		interval: DefaultRecorderInterval,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = log.New(log.Writer(), "[recorder] ", log.LstdFlags)
	}
	return r
}

// Emit enqueues a copy of e without blocking.
func (r *Recorder) Emit(e *domain.SettlementEvent) {
	if e == nil {
		return
	}
	c := *e
	select {
	case r.queue <- &c:
	default:
		observability.RecordEventRecordError()
		r.logger.Printf("queue full, dropping event %s (%s %s)", c.EventID, c.Kind, c.Escrow)
	}
}

// Run writes queued events until ctx is canceled, then flushes what is left.
func (r *Recorder) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	pending := make([]*domain.SettlementEvent, 0, r.batch)
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case e := <-r.queue:
					pending = append(pending, e)
				default:
					// Writes after shutdown use a fresh context.
					r.flush(context.Background(), pending)
					return
				}
			}
		case e := <-r.queue:
			pending = append(pending, e)
			if len(pending) >= r.batch {
				r.flush(ctx, pending)
				pending = pending[:0]
			}
		case <-ticker.C:
			if len(pending) > 0 {
				r.flush(ctx, pending)
				pending = pending[:0]
			}
		}
	}
}

// flush writes a batch, falling back to single inserts when the batch holds a duplicate.
func (r *Recorder) flush(ctx context.Context, batch []*domain.SettlementEvent) {
	if len(batch) == 0 {
		return
	}

	err := r.store.InsertBulk(ctx, batch)
	if err == nil {
		return
	}
	if !errors.Is(err, storage.ErrDuplicateKey) {
		r.logger.Printf("bulk insert of %d events failed, retrying one by one: %v", len(batch), err)
	}

	for _, e := range batch {
		err := r.store.Insert(ctx, e)
		if err == nil || errors.Is(err, storage.ErrDuplicateKey) {
			continue
		}
		observability.RecordEventRecordError()
		r.logger.Printf("record event %s (%s %s): %v", e.EventID, e.Kind, e.Escrow, err)
	}
}
