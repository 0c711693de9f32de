package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound              = errors.New("not found")
	ErrUnauthorized          = errors.New("unauthorized")
	ErrInvalidRequest        = errors.New("invalid request")
	ErrQuotaExceeded         = errors.New("quota exceeded")
	ErrProviderFailure       = errors.New("provider failure")
	ErrAllProvidersExhausted = errors.New("all providers exhausted")
	ErrTimeout               = errors.New("generation timed out")
	ErrPersistence           = errors.New("persistence failure")
	ErrCanceled              = errors.New("generation canceled")
)

// ProviderError is one candidate's failure. It is recovered by the fallback
// chain and only reaches callers inside an ExhaustedError.
type ProviderError struct {
	Provider string
	Code     string
	Message  string
	Err      error
}

func (e *ProviderError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Provider, msg, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Provider, msg)
}

func (e *ProviderError) Unwrap() error { return e.Err }

func (e *ProviderError) Is(target error) bool { return target == ErrProviderFailure }

// ExhaustedError reports that every candidate, the text-to-image fallback
// included, failed. Last is the final failure observed.
type ExhaustedError struct {
	Attempts []ProviderAttempt
	Last     error
}

func (e *ExhaustedError) Error() string {
	if e.Last == nil {
		return ErrAllProvidersExhausted.Error()
	}
	return fmt.Sprintf("%s after %d attempts: %v", ErrAllProvidersExhausted, len(e.Attempts), e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

func (e *ExhaustedError) Is(target error) bool { return target == ErrAllProvidersExhausted }

// PersistenceError wraps a storage failure: queueing submitted jobs, or an
// upload or record write after a successful generation.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }
