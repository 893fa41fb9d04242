package capture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/tabscribe/domain"
	"github.com/satriahrh/tabscribe/domain/entities"
)

// Target is what the caller wants to record
type Target struct {
	TabID  int
	Title  string
	Format Format
}

// Method is one way of obtaining an audio stream
type Method interface {
	Name() string
	Open(ctx context.Context, target Target) (Stream, entities.Source, error)
}

// Resolver tries capture methods in a fixed order and returns the first stream
type Resolver struct {
	methods []Method
	timeout time.Duration
	logger  *zap.Logger
}

// NewResolver creates a resolver; timeout bounds each method attempt
func NewResolver(methods []Method, timeout time.Duration, logger *zap.Logger) *Resolver {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Resolver{methods: methods, timeout: timeout, logger: logger}
}

// Resolve returns the first usable stream. Intermediate failures are only
// logged; the error wraps domain.ErrCaptureUnavailable.
func (r *Resolver) Resolve(ctx context.Context, target Target) (Stream, entities.Source, error) {
	var errs []error
	for _, m := range r.methods {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		stream, source, err := r.try(ctx, m, target)
		if err == nil {
			source.Method = m.Name()
			r.logger.Info("Audio capture resolved",
				zap.String("method", m.Name()),
				zap.Int("tabID", target.TabID),
				zap.Int("sampleRate", stream.Format().SampleRate),
				zap.Int("channels", stream.Format().Channels))
			return stream, source, nil
		}

		r.logger.Debug("Capture method failed",
			zap.String("method", m.Name()),
			zap.Int("tabID", target.TabID),
			zap.Error(err))
		errs = append(errs, fmt.Errorf("%s: %w", m.Name(), err))
	}

	if len(errs) == 0 {
		errs = append(errs, errors.New("no capture methods configured"))
	}
	return nil, entities.Source{}, fmt.Errorf("%w: %w", domain.ErrCaptureUnavailable, errors.Join(errs...))
}

func (r *Resolver) try(ctx context.Context, m Method, target Target) (Stream, entities.Source, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	stream, source, err := m.Open(ctx, target)
	if err != nil {
		return nil, source, err
	}
	if stream == nil {
		return nil, source, errors.New("no stream returned")
	}
	return stream, source, nil
}

// StreamIDMethod obtains a tab-scoped stream id and opens a constrained stream from it
type StreamIDMethod struct {
	Registry *Registry
}

func (m StreamIDMethod) Name() string { return "stream_id" }

func (m StreamIDMethod) Open(ctx context.Context, target Target) (Stream, entities.Source, error) {
	id, err := m.Registry.IssueStreamID(target.TabID)
	if err != nil {
		return nil, entities.Source{}, err
	}
	stream, title, err := m.Registry.Open(ctx, OpenRequest{
		Kind:     entities.SourceKindTab,
		TabID:    target.TabID,
		StreamID: id,
		Format:   target.Format,
	})
	return stream, tabSource(target, title), err
}

// TabMethod requests a direct whole-tab capture
type TabMethod struct {
	Registry *Registry
}

func (m TabMethod) Name() string { return "tab" }

func (m TabMethod) Open(ctx context.Context, target Target) (Stream, entities.Source, error) {
	stream, title, err := m.Registry.Open(ctx, OpenRequest{
		Kind:   entities.SourceKindTab,
		TabID:  target.TabID,
		Format: target.Format,
	})
	return stream, tabSource(target, title), err
}

// DisplayMethod requests a display-media share with audio
type DisplayMethod struct {
	Registry *Registry
}

func (m DisplayMethod) Name() string { return "display" }

func (m DisplayMethod) Open(ctx context.Context, target Target) (Stream, entities.Source, error) {
	stream, title, err := m.Registry.Open(ctx, OpenRequest{
		Kind:   entities.SourceKindDisplay,
		Format: target.Format,
	})
	return stream, entities.Source{Kind: entities.SourceKindDisplay, Title: title}, err
}

func tabSource(target Target, title string) entities.Source {
	if title == "" {
		title = target.Title
	}
	return entities.Source{Kind: entities.SourceKindTab, TabID: target.TabID, Title: title}
}
