package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/satriahrh/tabscribe/domain"
	"github.com/satriahrh/tabscribe/domain/entities"
	"github.com/satriahrh/tabscribe/internal/retry"
)

// Processor re-attempts a queued chunk
type Processor interface {
	Redispatch(ctx context.Context, chunk entities.AudioChunk) (entities.Segment, error)
}

// Listener is notified about queue outcomes
type Listener interface {
	OnDelivered(seg entities.Segment)
	OnDropped(chunk entities.AudioChunk, err error)
	OnQueueChanged(status domain.QueueStatus)
}

// Config tunes the offline queue
type Config struct {
	Capacity   int
	MaxRetries int
	BaseDelay  time.Duration
	Multiplier float64
	Interval   time.Duration
	// Online gates drains before every item; nil means always online
	Online func() bool
}

// OfflineQueue is a bounded FIFO of chunks awaiting transcription
type OfflineQueue struct {
	cfg       Config
	backoff   retry.Policy
	processor Processor
	listener  Listener
	clock     clock.Clock
	logger    *zap.Logger

	mu       sync.Mutex
	items    []entities.QueueItem
	counters map[string]int
	draining bool
	// gen changes on Clear so an in-flight drain does not resurrect items
	gen uint64

	trigger chan struct{}
}

// NewOfflineQueue creates a queue; call Run to start periodic draining
func NewOfflineQueue(cfg Config, processor Processor, listener Listener, clk clock.Clock, logger *zap.Logger) *OfflineQueue {
	if cfg.Capacity < 1 {
		cfg.Capacity = 100
	}
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 3
	}
	if clk == nil {
		clk = clock.New()
	}
	return &OfflineQueue{
		cfg: cfg,
		backoff: retry.Policy{
			BaseDelay:  cfg.BaseDelay,
			Multiplier: cfg.Multiplier,
			Clock:      clk,
		},
		processor: processor,
		listener:  listener,
		clock:     clk,
		logger:    logger,
		items:     make([]entities.QueueItem, 0, cfg.Capacity),
		counters:  make(map[string]int),
		trigger:   make(chan struct{}, 1),
	}
}

// Enqueue adds a chunk without blocking, evicting the oldest item when full
func (q *OfflineQueue) Enqueue(chunk entities.AudioChunk) {
	q.mu.Lock()
	evicted, overflow := q.push(entities.QueueItem{
		Chunk:      chunk,
		RetryCount: q.counters[chunk.ID()],
		EnqueuedAt: q.clock.Now(),
	})
	status := q.statusLocked()
	q.mu.Unlock()

	if overflow {
		q.logger.Warn("Offline queue full, dropped oldest chunk",
			zap.String("chunkID", evicted.Chunk.ID()),
			zap.Error(domain.ErrQueueOverflow))
	}
	q.logger.Debug("Chunk queued for later transcription",
		zap.String("chunkID", chunk.ID()),
		zap.Int("pending", status.Pending))

	q.notifyChanged(status)
}

func (q *OfflineQueue) push(item entities.QueueItem) (entities.QueueItem, bool) {
	var evicted entities.QueueItem
	overflow := false
	if len(q.items) >= q.cfg.Capacity {
		evicted = q.items[0]
		q.items = q.items[1:]
		delete(q.counters, evicted.Chunk.ID())
		overflow = true
	}
	q.items = append(q.items, item)
	return evicted, overflow
}

// Len returns the number of pending items
func (q *OfflineQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Items returns a copy of the pending items in FIFO order
func (q *OfflineQueue) Items() []entities.QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]entities.QueueItem, len(q.items))
	copy(out, q.items)
	return out
}

// RetryCount returns the attempts recorded for a chunk id
func (q *OfflineQueue) RetryCount(chunkID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.counters[chunkID]
}

// Status summarizes the queue for display
func (q *OfflineQueue) Status() domain.QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.statusLocked()
}

func (q *OfflineQueue) statusLocked() domain.QueueStatus {
	return domain.QueueStatus{
		Pending:       len(q.items),
		RetryAttempts: len(q.counters),
		Capacity:      q.cfg.Capacity,
	}
}

// Clear drops every pending item and retry counter
func (q *OfflineQueue) Clear() {
	q.mu.Lock()
	q.items = q.items[:0]
	q.counters = make(map[string]int)
	q.gen++
	status := q.statusLocked()
	q.mu.Unlock()

	q.notifyChanged(status)
}

// Trigger asks the run loop for an immediate drain pass
func (q *OfflineQueue) Trigger() {
	select {
	case q.trigger <- struct{}{}:
	default:
	}
}

// Run drains on every interval tick and on Trigger until ctx is done
func (q *OfflineQueue) Run(ctx context.Context) {
	interval := q.cfg.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := q.clock.Ticker(interval)
	defer ticker.Stop()

	q.logger.Info("Offline queue processor started", zap.Duration("interval", interval))

	for {
		select {
		case <-ctx.Done():
			q.logger.Info("Offline queue processor stopped")
			return
		case <-ticker.C:
			if q.cfg.Online != nil && !q.cfg.Online() {
				continue
			}
			q.Drain(ctx)
		case <-q.trigger:
			q.Drain(ctx)
		}
	}
}

// Drain runs one pass over a snapshot of the queue. Items enqueued while the
// pass runs wait for the next pass. Returns the number of delivered chunks.
func (q *OfflineQueue) Drain(ctx context.Context) int {
	q.mu.Lock()
	if q.draining || len(q.items) == 0 {
		q.mu.Unlock()
		return 0
	}
	q.draining = true
	snapshot := q.items
	gen := q.gen
	q.items = make([]entities.QueueItem, 0, q.cfg.Capacity)
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.draining = false
		q.mu.Unlock()
	}()

	q.logger.Info("Processing offline queue", zap.Int("items", len(snapshot)))

	delivered := 0
	for i, item := range snapshot {
		if ctx.Err() != nil || !q.online() {
			q.halt(gen, snapshot[i:])
			return delivered
		}
		switch q.process(ctx, gen, item) {
		case outcomeDelivered:
			delivered++
		case outcomeHalted:
			q.halt(gen, snapshot[i:])
			return delivered
		}
	}
	return delivered
}

type outcome int

const (
	outcomeDelivered outcome = iota
	outcomeRequeued
	outcomeDropped
	// outcomeHalted leaves the item untouched; the caller requeues it
	outcomeHalted
)

func (q *OfflineQueue) online() bool {
	return q.cfg.Online == nil || q.cfg.Online()
}

// halt puts the unprocessed rest of a pass back without spending retries
func (q *OfflineQueue) halt(gen uint64, rest []entities.QueueItem) {
	q.logger.Info("Offline queue pass interrupted", zap.Int("remaining", len(rest)))
	q.requeue(gen, rest)
}

func (q *OfflineQueue) process(ctx context.Context, gen uint64, item entities.QueueItem) outcome {
	id := item.Chunk.ID()

	q.mu.Lock()
	attempt := q.counters[id] + 1
	q.mu.Unlock()

	if err := q.backoff.Wait(ctx, q.backoff.Delay(attempt)); err != nil {
		return outcomeHalted
	}
	if !q.online() {
		return outcomeHalted
	}

	// Only the draining goroutine touches counters of queued chunks
	q.setCounter(gen, id, attempt)

	seg, err := q.processor.Redispatch(ctx, item.Chunk)
	if errors.Is(err, domain.ErrOffline) {
		q.setCounter(gen, id, attempt-1)
		return outcomeHalted
	}
	if err == nil {
		q.mu.Lock()
		delete(q.counters, id)
		status := q.statusLocked()
		q.mu.Unlock()

		q.logger.Info("Queued chunk transcribed",
			zap.String("chunkID", id),
			zap.Int("attempt", attempt))
		if q.listener != nil {
			q.listener.OnDelivered(seg)
		}
		q.notifyChanged(status)
		return outcomeDelivered
	}

	if attempt < q.cfg.MaxRetries {
		q.logger.Warn("Queued chunk failed, will retry",
			zap.String("chunkID", id),
			zap.Int("attempt", attempt),
			zap.Error(err))
		item.RetryCount = attempt
		q.requeue(gen, []entities.QueueItem{item})
		return outcomeRequeued
	}

	q.mu.Lock()
	delete(q.counters, id)
	status := q.statusLocked()
	q.mu.Unlock()

	dropErr := fmt.Errorf("%w: %s after %d attempts: %v", domain.ErrRetryExhausted, id, attempt, err)
	q.logger.Error("Dropping chunk after max retries",
		zap.String("chunkID", id),
		zap.Int("attempts", attempt),
		zap.Error(err))
	if q.listener != nil {
		q.listener.OnDropped(item.Chunk, dropErr)
	}
	q.notifyChanged(status)
	return outcomeDropped
}

// setCounter records n attempts for id unless the queue was cleared since gen
func (q *OfflineQueue) setCounter(gen uint64, id string, n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if gen != q.gen {
		return
	}
	if n <= 0 {
		delete(q.counters, id)
		return
	}
	q.counters[id] = n
}

func (q *OfflineQueue) requeue(gen uint64, items []entities.QueueItem) {
	q.mu.Lock()
	if gen != q.gen {
		q.mu.Unlock()
		return
	}
	for _, item := range items {
		q.push(item)
	}
	status := q.statusLocked()
	q.mu.Unlock()

	q.notifyChanged(status)
}

func (q *OfflineQueue) notifyChanged(status domain.QueueStatus) {
	if q.listener != nil {
		q.listener.OnQueueChanged(status)
	}
}
