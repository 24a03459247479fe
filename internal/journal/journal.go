package journal

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/makoto-isback/1kdream-sub001/internal/config"
	"github.com/makoto-isback/1kdream-sub001/internal/model"
	"github.com/makoto-isback/1kdream-sub001/internal/store"
)

// Feed is the read surface of the store the journal records from.
type Feed interface {
	Subscribe(slice model.Slice, cb func(json.RawMessage)) func()
	Info(slice model.Slice) store.SliceInfo
}

// entry is one journaled slice update.
type entry struct {
	ID       uuid.UUID
	Slice    model.Slice
	Source   model.Source
	Payload  []byte
	SyncedAt int64 // microseconds
}

// Metrics holds counters for the journal writer.
type Metrics struct {
	Inserts   int64
	Conflicts int64
	Errors    int64
	Flushes   int64
}

// Writer consumes slice updates and batch-inserts them into the
// sync_journal table.
type Writer struct {
	cfg    config.JournalConfig
	logger *slog.Logger

	// Input from store subscriptions
	queue *entryQueue

	// Database
	db *pgxpool.Pool

	// Batching
	batch       []entry
	batchMu     sync.Mutex
	flushTicker *time.Ticker

	// Lifecycle
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	unsubscribe []func()

	metrics Metrics
}

// NewWriter creates a journal writer.
func NewWriter(cfg config.JournalConfig, db *pgxpool.Pool, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		cfg:    cfg,
		db:     db,
		logger: logger,
		queue:  newEntryQueue(cfg.BufferSize),
		batch:  make([]entry, 0, cfg.BatchSize),
	}
}

// Attach subscribes the writer to every slice of the feed, authReady
// included. Each update is enqueued with the source the store recorded
// for it.
func (w *Writer) Attach(feed Feed) {
	for _, slice := range model.AllSlices {
		slice := slice
		unsub := feed.Subscribe(slice, func(value json.RawMessage) {
			info := feed.Info(slice)
			w.record(slice, info.Source, value)
		})
		w.unsubscribe = append(w.unsubscribe, unsub)
	}
}

// record enqueues one update for batching.
func (w *Writer) record(slice model.Slice, source model.Source, payload json.RawMessage) {
	// Copy the payload: the store may hand the same backing array to
	// several subscribers.
	buf := make([]byte, len(payload))
	copy(buf, payload)

	w.queue.push(entry{
		ID:       uuid.New(),
		Slice:    slice,
		Source:   source,
		Payload:  buf,
		SyncedAt: time.Now().UnixMicro(),
	})
}

// Start begins consuming updates and writing to the database.
func (w *Writer) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.flushTicker = time.NewTicker(w.cfg.FlushInterval)

	// Consumer goroutine
	w.wg.Add(1)
	go w.consumeLoop()

	// Flush ticker goroutine
	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("journal writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop gracefully shuts down the writer.
func (w *Writer) Stop(ctx context.Context) error {
	w.logger.Info("stopping journal writer")

	for _, unsub := range w.unsubscribe {
		unsub()
	}
	w.unsubscribe = nil
	w.queue.close()

	if w.cancel != nil {
		w.cancel()
	}

	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}

	// Wait for goroutines
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("journal writer stopped")
	case <-ctx.Done():
		w.logger.Warn("journal writer stop timed out")
	}

	// Drain whatever the consumer did not reach, then final flush. The
	// internal context is canceled by now, so the flush runs on the
	// caller's.
	for {
		e, ok := w.queue.tryPop()
		if !ok {
			break
		}
		w.append(ctx, e)
	}
	w.flush(ctx)

	return nil
}

// Stats returns current metrics.
func (w *Writer) Stats() Metrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.metrics
}

// consumeLoop moves entries from the queue into the batch.
func (w *Writer) consumeLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		default:
			e, ok := w.queue.tryPop()
			if !ok {
				select {
				case <-w.ctx.Done():
					return
				case <-time.After(10 * time.Millisecond):
					continue
				}
			}

			w.append(w.ctx, e)
		}
	}
}

// flushLoop periodically flushes the batch.
func (w *Writer) flushLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.flushTicker.C:
			w.flush(w.ctx)
		}
	}
}

// append adds an entry to the batch, flushing when full.
func (w *Writer) append(ctx context.Context, e entry) {
	w.batchMu.Lock()
	w.batch = append(w.batch, e)
	shouldFlush := len(w.batch) >= w.cfg.BatchSize
	w.batchMu.Unlock()

	if shouldFlush {
		w.flush(ctx)
	}
}

// flush writes the current batch to the database.
func (w *Writer) flush(ctx context.Context) {
	if w.db == nil {
		return
	}

	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := w.batch
	w.batch = make([]entry, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()

	conflicts, err := w.batchInsert(ctx, batch)
	if err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(batch))
		w.batchMu.Lock()
		w.metrics.Errors++
		w.batchMu.Unlock()
		return
	}

	w.batchMu.Lock()
	w.metrics.Inserts += int64(len(batch) - conflicts)
	w.metrics.Conflicts += int64(conflicts)
	w.metrics.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed journal entries",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (w *Writer) batchInsert(ctx context.Context, rows []entry) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO sync_journal (id, slice, source, payload, synced_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (id) DO NOTHING
		`, r.ID, string(r.Slice), string(r.Source), r.Payload, r.SyncedAt)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}
