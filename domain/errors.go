package domain

import (
	"errors"
	"fmt"

	"github.com/satriahrh/tabscribe/domain/entities"
)

var (
	// ErrCaptureUnavailable means no audio source could be obtained for a start attempt
	ErrCaptureUnavailable = errors.New("capture unavailable")
	// ErrCaptureError means a live stream died mid-session
	ErrCaptureError = errors.New("capture error")
	// ErrProviderUnavailable means a provider is not configured or not reachable; it is skipped without retries
	ErrProviderUnavailable = errors.New("provider unavailable")
	// ErrProviderExhausted means every provider in the chain failed for a chunk
	ErrProviderExhausted = errors.New("all transcription providers failed")
	// ErrOffline means connectivity was lost before or during a transcription attempt
	ErrOffline = errors.New("offline")
	// ErrQueueOverflow is reported when the offline queue evicts its oldest item
	ErrQueueOverflow = errors.New("offline queue overflow")
	// ErrRetryExhausted means a chunk failed every queue pass and was dropped
	ErrRetryExhausted = errors.New("retry attempts exhausted")
	// ErrSessionActive is returned when starting while another session runs
	ErrSessionActive = errors.New("a recording session is already active")
	// ErrNoSession is returned by control operations without an active session
	ErrNoSession = errors.New("no active recording session")
	// ErrInvalidState is returned when an operation does not fit the current state
	ErrInvalidState = errors.New("invalid state for operation")
)

// ProviderError wraps a failure from a single transcription provider call
type ProviderError struct {
	Provider entities.Provider
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// NewProviderError wraps err for provider p
func NewProviderError(p entities.Provider, err error) *ProviderError {
	return &ProviderError{Provider: p, Err: err}
}
