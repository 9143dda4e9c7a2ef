package models

import (
	"errors"
	"fmt"
)

var (
	ErrAdmissionDenied     = errors.New("too many requests")
	ErrCacheItemTooLarge   = errors.New("cache item exceeds per-item memory ceiling")
	ErrAwaitTimeout        = errors.New("timed out waiting for result")
	ErrBackendBatchFailure = errors.New("backend batch processing failed")
	ErrMissingResult       = errors.New("backend returned no result for item")
	ErrQueueFull           = errors.New("batch queue is full")
	ErrShuttingDown        = errors.New("coordinator is shutting down")
	ErrInvalidItem         = errors.New("invalid pending item")
	ErrUnknownItem         = errors.New("item is not in flight")
	ErrRuleExists          = errors.New("rate limit rule already registered")
	ErrInvalidRule         = errors.New("invalid rate limit rule")
)

// BatchError is stored as the result of every item of a batch whose backend
// call failed as a whole.
type BatchError struct {
	BatchID   string
	BatchType string
	Size      int
	Err       error
}

func (e *BatchError) Error() string {
	return fmt.Sprintf("batch %s (%s, %d items): %v", e.BatchID, e.BatchType, e.Size, e.Err)
}

func (e *BatchError) Unwrap() error {
	return e.Err
}

func (e *BatchError) Is(target error) bool {
	return target == ErrBackendBatchFailure
}
