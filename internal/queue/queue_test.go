package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/tabscribe/domain"
	"github.com/satriahrh/tabscribe/domain/entities"
)

type fakeProcessor struct {
	mu     sync.Mutex
	calls  map[string]int
	fail   func(chunk entities.AudioChunk) error
	onCall func(chunk entities.AudioChunk)
	clock  clock.Clock
	times  []time.Time
}

func newFakeProcessor() *fakeProcessor {
	return &fakeProcessor{calls: make(map[string]int)}
}

func (f *fakeProcessor) Redispatch(ctx context.Context, chunk entities.AudioChunk) (entities.Segment, error) {
	f.mu.Lock()
	f.calls[chunk.ID()]++
	if f.clock != nil {
		f.times = append(f.times, f.clock.Now())
	}
	fail, onCall := f.fail, f.onCall
	f.mu.Unlock()

	if onCall != nil {
		onCall(chunk)
	}
	if fail != nil {
		if err := fail(chunk); err != nil {
			return entities.Segment{}, err
		}
	}
	return entities.NewSegment(chunk, entities.ProviderProxyWhisper, "text", time.Now()), nil
}

func (f *fakeProcessor) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

type fakeListener struct {
	mu        sync.Mutex
	delivered []entities.Segment
	dropped   []error
	statuses  []domain.QueueStatus
	deliverCh chan entities.Segment
}

func (l *fakeListener) OnDelivered(seg entities.Segment) {
	l.mu.Lock()
	l.delivered = append(l.delivered, seg)
	l.mu.Unlock()
	if l.deliverCh != nil {
		l.deliverCh <- seg
	}
}

func (l *fakeListener) OnDropped(chunk entities.AudioChunk, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dropped = append(l.dropped, err)
}

func (l *fakeListener) OnQueueChanged(status domain.QueueStatus) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses = append(l.statuses, status)
}

func chunk(seq int) entities.AudioChunk {
	return entities.AudioChunk{SessionID: "s", Sequence: seq, Data: []byte{1, 2, 3}}
}

func newTestQueue(t *testing.T, cfg Config, p Processor, l Listener) *OfflineQueue {
	return NewOfflineQueue(cfg, p, l, clock.New(), zaptest.NewLogger(t))
}

func TestEnqueueEvictsOldest(t *testing.T) {
	l := &fakeListener{}
	q := newTestQueue(t, Config{Capacity: 3, MaxRetries: 3}, newFakeProcessor(), l)

	for i := 0; i < 5; i++ {
		q.Enqueue(chunk(i))
		if q.Len() > 3 {
			t.Fatalf("Queue exceeded capacity: %d", q.Len())
		}
	}

	items := q.Items()
	want := []int{2, 3, 4}
	if len(items) != len(want) {
		t.Fatalf("Expected %d items, got %d", len(want), len(items))
	}
	for i, item := range items {
		if item.Chunk.Sequence != want[i] {
			t.Errorf("Expected sequence %d at %d, got %d", want[i], i, item.Chunk.Sequence)
		}
	}

	last := l.statuses[len(l.statuses)-1]
	if last.Pending != 3 || last.Capacity != 3 {
		t.Errorf("Unexpected last status %+v", last)
	}
}

func TestDrainDeliversAndClearsCounters(t *testing.T) {
	p := newFakeProcessor()
	l := &fakeListener{}
	q := newTestQueue(t, Config{Capacity: 10, MaxRetries: 3}, p, l)

	q.Enqueue(chunk(0))
	q.Enqueue(chunk(1))

	if n := q.Drain(context.Background()); n != 2 {
		t.Errorf("Expected 2 delivered chunks, got %d", n)
	}
	if q.Len() != 0 {
		t.Errorf("Expected empty queue, got %d", q.Len())
	}
	if len(l.delivered) != 2 || l.delivered[0].Sequence != 0 || l.delivered[1].Sequence != 1 {
		t.Errorf("Expected delivery in snapshot order, got %+v", l.delivered)
	}
	if q.RetryCount("s-chunk-0") != 0 || q.Status().RetryAttempts != 0 {
		t.Error("Expected retry counters to be removed after success")
	}
}

func TestPermanentFailureRetriedAtMostMaxRetries(t *testing.T) {
	p := newFakeProcessor()
	p.fail = func(entities.AudioChunk) error { return errors.New("provider down") }
	l := &fakeListener{}
	q := newTestQueue(t, Config{Capacity: 10, MaxRetries: 3}, p, l)

	q.Enqueue(chunk(7))

	for pass := 0; pass < 6; pass++ {
		q.Drain(context.Background())
	}

	if got := p.count("s-chunk-7"); got != 3 {
		t.Errorf("Expected exactly 3 attempts, got %d", got)
	}
	if len(l.dropped) != 1 {
		t.Fatalf("Expected one terminal drop, got %d", len(l.dropped))
	}
	if !errors.Is(l.dropped[0], domain.ErrRetryExhausted) {
		t.Errorf("Expected ErrRetryExhausted, got %v", l.dropped[0])
	}
	if q.Len() != 0 {
		t.Errorf("Dropped chunk must not be re-queued, queue has %d", q.Len())
	}
}

func TestFailureRequeuesUnderMax(t *testing.T) {
	p := newFakeProcessor()
	p.fail = func(entities.AudioChunk) error { return errors.New("timeout") }
	q := newTestQueue(t, Config{Capacity: 10, MaxRetries: 3}, p, &fakeListener{})

	q.Enqueue(chunk(1))
	q.Drain(context.Background())

	if q.Len() != 1 {
		t.Fatalf("Expected chunk to be re-queued, got %d items", q.Len())
	}
	if got := q.RetryCount("s-chunk-1"); got != 1 {
		t.Errorf("Expected retry counter 1, got %d", got)
	}
	if got := q.Items()[0].RetryCount; got != 1 {
		t.Errorf("Expected item retry count 1, got %d", got)
	}
}

func TestItemsEnqueuedDuringDrainWaitForNextPass(t *testing.T) {
	p := newFakeProcessor()
	var q *OfflineQueue
	p.onCall = func(c entities.AudioChunk) {
		if c.Sequence == 0 {
			q.Enqueue(chunk(100))
		}
	}
	q = newTestQueue(t, Config{Capacity: 10, MaxRetries: 3}, p, &fakeListener{})

	q.Enqueue(chunk(0))
	q.Drain(context.Background())

	if p.count("s-chunk-100") != 0 {
		t.Error("Chunk enqueued mid-drain must not be processed in the same pass")
	}
	if q.Len() != 1 {
		t.Errorf("Expected the new chunk to wait in the queue, got %d items", q.Len())
	}

	q.Drain(context.Background())
	if p.count("s-chunk-100") != 1 {
		t.Error("Chunk should be processed on the next pass")
	}
}

func TestBackoffDelayPerAttempt(t *testing.T) {
	mock := clock.NewMock()
	p := newFakeProcessor()
	p.clock = mock
	p.fail = func(entities.AudioChunk) error { return errors.New("down") }
	q := NewOfflineQueue(Config{Capacity: 10, MaxRetries: 3, BaseDelay: time.Second, Multiplier: 2},
		p, &fakeListener{}, mock, zaptest.NewLogger(t))

	q.Enqueue(chunk(0))

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for i, delay := range want {
		start := mock.Now()
		done := make(chan struct{})
		go func() {
			q.Drain(context.Background())
			close(done)
		}()

	spin:
		for {
			select {
			case <-done:
				break spin
			default:
				mock.Add(50 * time.Millisecond)
			}
		}

		p.mu.Lock()
		called := p.times[i]
		p.mu.Unlock()
		if waited := called.Sub(start); waited < delay {
			t.Errorf("Attempt %d: expected at least %v backoff, got %v", i+1, delay, waited)
		}
	}
}

func TestClearDropsItemsAndCounters(t *testing.T) {
	p := newFakeProcessor()
	p.fail = func(entities.AudioChunk) error { return errors.New("down") }
	q := newTestQueue(t, Config{Capacity: 10, MaxRetries: 3}, p, &fakeListener{})

	q.Enqueue(chunk(0))
	q.Enqueue(chunk(1))
	q.Drain(context.Background())
	q.Clear()

	status := q.Status()
	if status.Pending != 0 || status.RetryAttempts != 0 {
		t.Errorf("Expected cleared queue, got %+v", status)
	}
}

func TestRunDrainsOnTrigger(t *testing.T) {
	l := &fakeListener{deliverCh: make(chan entities.Segment, 1)}
	q := newTestQueue(t, Config{Capacity: 10, MaxRetries: 3, Interval: time.Hour}, newFakeProcessor(), l)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	q.Enqueue(chunk(3))
	q.Trigger()

	select {
	case seg := <-l.deliverCh:
		if seg.Sequence != 3 {
			t.Errorf("Expected chunk 3, got %d", seg.Sequence)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Trigger did not start a drain pass")
	}
}

func TestRunSkipsTicksWhileOffline(t *testing.T) {
	var online atomic.Bool
	mock := clock.NewMock()
	p := newFakeProcessor()
	l := &fakeListener{deliverCh: make(chan entities.Segment, 1)}
	q := NewOfflineQueue(Config{Capacity: 10, MaxRetries: 3, Interval: 5 * time.Second, Online: online.Load},
		p, l, mock, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)
	time.Sleep(50 * time.Millisecond)

	q.Enqueue(chunk(1))
	mock.Add(5 * time.Second)
	time.Sleep(50 * time.Millisecond)
	if p.count(entities.ChunkID("s", 1)) != 0 {
		t.Fatal("Periodic drain must not run while offline")
	}

	online.Store(true)
	mock.Add(5 * time.Second)

	select {
	case seg := <-l.deliverCh:
		if seg.Sequence != 1 {
			t.Errorf("Expected chunk 1, got %d", seg.Sequence)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Tick did not drain once online")
	}
}

func TestSameSequenceFromTwoSessionsCountedSeparately(t *testing.T) {
	p := newFakeProcessor()
	p.fail = func(entities.AudioChunk) error { return errors.New("provider down") }
	l := &fakeListener{}
	q := newTestQueue(t, Config{Capacity: 10, MaxRetries: 3}, p, l)

	a := entities.AudioChunk{SessionID: "session-a", Sequence: 0, Data: []byte{1}}
	b := entities.AudioChunk{SessionID: "session-b", Sequence: 0, Data: []byte{1}}
	q.Enqueue(a)
	q.Enqueue(b)

	q.Drain(context.Background())
	q.Drain(context.Background())

	if len(l.dropped) != 0 {
		t.Fatalf("Expected no drops after 2 passes, got %d", len(l.dropped))
	}
	if q.Len() != 2 {
		t.Errorf("Expected both chunks pending, got %d", q.Len())
	}
	for _, c := range []entities.AudioChunk{a, b} {
		if got := q.RetryCount(c.ID()); got != 2 {
			t.Errorf("Expected 2 attempts for %s, got %d", c.ID(), got)
		}
	}

	q.Drain(context.Background())
	if len(l.dropped) != 2 {
		t.Errorf("Expected both chunks dropped after 3 passes, got %d", len(l.dropped))
	}
	if p.count(a.ID()) != 3 || p.count(b.ID()) != 3 {
		t.Errorf("Expected 3 attempts each, got %d and %d", p.count(a.ID()), p.count(b.ID()))
	}
}

func TestDrainStopsWhenConnectivityDrops(t *testing.T) {
	var online atomic.Bool
	online.Store(true)
	p := newFakeProcessor()
	p.onCall = func(entities.AudioChunk) { online.Store(false) }
	p.fail = func(entities.AudioChunk) error { return errors.New("timeout") }
	q := newTestQueue(t, Config{Capacity: 10, MaxRetries: 3, Online: online.Load}, p, &fakeListener{})

	for i := 0; i < 4; i++ {
		q.Enqueue(chunk(i))
	}
	q.Drain(context.Background())

	total := 0
	for i := 0; i < 4; i++ {
		total += p.count(entities.ChunkID("s", i))
	}
	if total != 1 {
		t.Errorf("Expected a single provider call before going offline, got %d", total)
	}
	if q.Len() != 4 {
		t.Fatalf("Expected every chunk to stay queued, got %d", q.Len())
	}
	for i, item := range q.Items() {
		if item.Chunk.Sequence != i {
			t.Errorf("Expected FIFO order kept, got sequence %d at %d", item.Chunk.Sequence, i)
		}
	}
	for i := 1; i < 4; i++ {
		if got := q.RetryCount(entities.ChunkID("s", i)); got != 0 {
			t.Errorf("Chunk %d must not spend a retry while offline, got %d", i, got)
		}
	}
}

func TestOfflineFailureDoesNotSpendRetry(t *testing.T) {
	p := newFakeProcessor()
	p.fail = func(entities.AudioChunk) error { return fmt.Errorf("%w: link down", domain.ErrOffline) }
	l := &fakeListener{}
	q := newTestQueue(t, Config{Capacity: 10, MaxRetries: 3}, p, l)

	q.Enqueue(chunk(0))
	q.Enqueue(chunk(1))
	for pass := 0; pass < 5; pass++ {
		q.Drain(context.Background())
	}

	if len(l.dropped) != 0 {
		t.Errorf("Offline failures must never drop a chunk, got %d drops", len(l.dropped))
	}
	if q.Len() != 2 {
		t.Errorf("Expected both chunks queued, got %d", q.Len())
	}
	if got := q.RetryCount("s-chunk-0"); got != 0 {
		t.Errorf("Expected retry counter 0, got %d", got)
	}
	if p.count("s-chunk-1") != 0 {
		t.Error("Pass must end at the first offline failure")
	}
}

func TestCancelDuringBackoffKeepsRetry(t *testing.T) {
	mock := clock.NewMock()
	p := newFakeProcessor()
	q := NewOfflineQueue(Config{Capacity: 10, MaxRetries: 3, BaseDelay: time.Second, Multiplier: 2},
		p, &fakeListener{}, mock, zaptest.NewLogger(t))
	q.Enqueue(chunk(0))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		q.Drain(ctx)
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Drain did not return after cancel")
	}

	if p.count("s-chunk-0") != 0 {
		t.Error("Expected no attempt before the backoff elapsed")
	}
	if got := q.RetryCount("s-chunk-0"); got != 0 {
		t.Errorf("Expected cancelled wait to keep the retry, got counter %d", got)
	}
	if q.Len() != 1 {
		t.Errorf("Expected chunk back in the queue, got %d", q.Len())
	}
}
