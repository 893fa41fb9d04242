package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/satriahrh/tabscribe/domain"
	"github.com/satriahrh/tabscribe/domain/entities"
	"github.com/satriahrh/tabscribe/domain/repositories"
	"github.com/satriahrh/tabscribe/internal/retry"
)

// Connectivity reports whether providers are reachable at all
type Connectivity interface {
	Online() bool
}

// Queue defers chunks that could not be transcribed now
type Queue interface {
	Enqueue(chunk entities.AudioChunk)
}

// Config tunes per-provider retries
type Config struct {
	MaxRetries int
	BaseDelay  time.Duration
	Multiplier float64
	// Timeout bounds a single provider call
	Timeout time.Duration
}

// Dispatcher runs chunks through the provider chain in priority order
type Dispatcher struct {
	cfg    Config
	online Connectivity
	clock  clock.Clock
	logger *zap.Logger

	mu        sync.RWMutex
	providers []repositories.Transcriber
	queue     Queue
}

// NewDispatcher creates a dispatcher; providers are kept in priority order
func NewDispatcher(cfg Config, providers []repositories.Transcriber, online Connectivity, clk clock.Clock, logger *zap.Logger) *Dispatcher {
	if cfg.MaxRetries < 1 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 2
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if clk == nil {
		clk = clock.New()
	}

	d := &Dispatcher{cfg: cfg, online: online, clock: clk, logger: logger}
	for _, p := range providers {
		d.SetProvider(p)
	}
	return d
}

// SetQueue attaches the offline queue. The queue drains through Redispatch,
// so it is wired after both exist.
func (d *Dispatcher) SetQueue(q Queue) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queue = q
}

// SetProvider adds t, replacing any transcriber for the same provider
func (d *Dispatcher) SetProvider(t repositories.Transcriber) {
	d.mu.Lock()
	defer d.mu.Unlock()

	next := make([]repositories.Transcriber, 0, len(d.providers)+1)
	for _, p := range d.providers {
		if p.Provider() != t.Provider() {
			next = append(next, p)
		}
	}
	next = append(next, t)
	sort.SliceStable(next, func(i, j int) bool {
		return rank(next[i].Provider()) < rank(next[j].Provider())
	})
	d.providers = next
}

// RemoveProvider drops the transcriber for p
func (d *Dispatcher) RemoveProvider(p entities.Provider) {
	d.mu.Lock()
	defer d.mu.Unlock()

	next := d.providers[:0:0]
	for _, t := range d.providers {
		if t.Provider() != p {
			next = append(next, t)
		}
	}
	d.providers = next
}

// Providers lists the configured chain in order
func (d *Dispatcher) Providers() []entities.Provider {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]entities.Provider, len(d.providers))
	for i, p := range d.providers {
		out[i] = p.Provider()
	}
	return out
}

type prober interface {
	Probe(ctx context.Context) error
}

// Probe succeeds when any provider with a reachability check answers.
// A chain without such providers counts as reachable.
func (d *Dispatcher) Probe(ctx context.Context) error {
	d.mu.RLock()
	chain := append([]repositories.Transcriber(nil), d.providers...)
	d.mu.RUnlock()

	var errs []error
	for _, p := range chain {
		pr, ok := p.(prober)
		if !ok {
			continue
		}
		if err := pr.Probe(ctx); err != nil {
			errs = append(errs, domain.NewProviderError(p.Provider(), err))
			continue
		}
		return nil
	}
	return errors.Join(errs...)
}

// Ready reports which real providers are configured
func (d *Dispatcher) Ready() map[string]bool {
	ready := map[string]bool{
		string(entities.ProviderPrimaryCloud):    false,
		string(entities.ProviderProxyWhisper):    false,
		string(entities.ProviderInBrowserSpeech): false,
	}
	for _, p := range d.Providers() {
		ready[string(p)] = true
	}
	return ready
}

// Dispatch transcribes a live chunk. It always returns a segment: a queued
// placeholder when offline, a fallback-analysis segment when every provider
// failed. In both cases the chunk is handed to the offline queue.
func (d *Dispatcher) Dispatch(ctx context.Context, chunk entities.AudioChunk) (entities.Segment, error) {
	if len(chunk.Data) == 0 {
		return entities.Segment{}, fmt.Errorf("chunk %s has no audio", chunk.ID())
	}

	if d.offline() {
		return d.queued(chunk), nil
	}

	seg, err := d.transcribe(ctx, chunk)
	if err == nil {
		return seg, nil
	}
	if errors.Is(err, domain.ErrOffline) {
		return d.queued(chunk), nil
	}

	d.logger.Warn("All transcription providers failed, using fallback",
		zap.String("chunkID", chunk.ID()),
		zap.Error(err))
	d.enqueue(chunk)
	return d.fallback(chunk), nil
}

// Redispatch runs the provider chain for a queued chunk, without placeholders.
// It fails with domain.ErrOffline once connectivity is lost.
func (d *Dispatcher) Redispatch(ctx context.Context, chunk entities.AudioChunk) (entities.Segment, error) {
	return d.transcribe(ctx, chunk)
}

func (d *Dispatcher) transcribe(ctx context.Context, chunk entities.AudioChunk) (entities.Segment, error) {
	d.mu.RLock()
	chain := append([]repositories.Transcriber(nil), d.providers...)
	d.mu.RUnlock()

	var errs []error
	for _, p := range chain {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if d.offline() {
			errs = append(errs, domain.ErrOffline)
			return entities.Segment{}, fmt.Errorf("%w: %w", domain.ErrOffline, errors.Join(errs...))
		}

		result, err := d.attempt(ctx, p, chunk)
		if err == nil {
			seg := entities.NewSegment(chunk, p.Provider(), result.Text, d.clock.Now())
			seg.Language = result.Language
			d.logger.Info("Chunk transcribed",
				zap.String("chunkID", chunk.ID()),
				zap.String("provider", string(p.Provider())),
				zap.Int("chars", len(result.Text)))
			return seg, nil
		}
		errs = append(errs, domain.NewProviderError(p.Provider(), err))
	}

	if len(errs) == 0 {
		errs = append(errs, domain.ErrProviderUnavailable)
	}
	if d.offline() {
		return entities.Segment{}, fmt.Errorf("%w: %w", domain.ErrOffline, errors.Join(errs...))
	}
	return entities.Segment{}, fmt.Errorf("%w: %w", domain.ErrProviderExhausted, errors.Join(errs...))
}

// attempt calls one provider up to MaxRetries times with exponential backoff
func (d *Dispatcher) attempt(ctx context.Context, p repositories.Transcriber, chunk entities.AudioChunk) (repositories.Transcription, error) {
	policy := retry.Policy{
		MaxAttempts: d.cfg.MaxRetries,
		BaseDelay:   d.cfg.BaseDelay,
		Multiplier:  d.cfg.Multiplier,
		Clock:       d.clock,
		ShouldRetry: func(err error) bool {
			return !errors.Is(err, domain.ErrProviderUnavailable) && !errors.Is(err, domain.ErrOffline)
		},
		OnRetry: func(attempt int, delay time.Duration, err error) {
			d.logger.Warn("Transcription attempt failed, retrying",
				zap.String("chunkID", chunk.ID()),
				zap.String("provider", string(p.Provider())),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
				zap.Error(err))
		},
	}

	var result repositories.Transcription
	err := policy.Do(ctx, func(ctx context.Context, attempt int) error {
		if attempt > 1 && d.offline() {
			return domain.ErrOffline
		}
		callCtx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()

		r, err := p.Transcribe(callCtx, chunk)
		if err != nil {
			return err
		}
		if strings.TrimSpace(r.Text) == "" {
			return errors.New("empty transcription")
		}
		r.Text = strings.TrimSpace(r.Text)
		result = r
		return nil
	})
	return result, err
}

func (d *Dispatcher) offline() bool {
	return d.online != nil && !d.online.Online()
}

func (d *Dispatcher) queued(chunk entities.AudioChunk) entities.Segment {
	d.enqueue(chunk)
	d.logger.Info("Offline, chunk queued",
		zap.String("chunkID", chunk.ID()),
		zap.Int("bytes", chunk.Size()))
	return entities.NewSegment(chunk, entities.ProviderQueuedPlaceholder,
		fmt.Sprintf("[Queued for offline processing - %d bytes]", chunk.Size()), d.clock.Now())
}

func (d *Dispatcher) fallback(chunk entities.AudioChunk) entities.Segment {
	source := chunk.Source
	if source == "" {
		source = "unknown"
	}
	text := fmt.Sprintf("[Audio chunk %d - %d bytes from %s]", chunk.Sequence, chunk.Size(), source)
	return entities.NewSegment(chunk, entities.ProviderFallbackAnalysis, text, d.clock.Now())
}

func (d *Dispatcher) enqueue(chunk entities.AudioChunk) {
	d.mu.RLock()
	q := d.queue
	d.mu.RUnlock()

	if q == nil {
		d.logger.Warn("No offline queue attached, chunk dropped", zap.String("chunkID", chunk.ID()))
		return
	}
	q.Enqueue(chunk)
}

func rank(p entities.Provider) int {
	switch p {
	case entities.ProviderPrimaryCloud:
		return 0
	case entities.ProviderProxyWhisper:
		return 1
	case entities.ProviderInBrowserSpeech:
		return 2
	}
	return 3
}
