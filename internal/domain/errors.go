package domain

import "errors"

// Ledger integrity errors.
var (
	ErrNotFound     = errors.New("job not found")
	ErrDuplicateJob = errors.New("duplicate job")
	ErrStaleState   = errors.New("stale job state")
	ErrSequenceGap  = errors.New("segment sequence gap")
)

// Storage errors.
var ErrResourceExhausted = errors.New("insufficient disk space")

// Acquisition errors (non-retryable; transient failures are retried inside
// the fetcher and never surface).
var (
	ErrUnrecoverableFetch = errors.New("unrecoverable fetch")
	ErrEmptyDownload      = errors.New("downloaded file is empty")
)

// Segmentation errors (non-retryable).
var (
	ErrTranscodeFailed   = errors.New("transcode failed")
	ErrUnsupportedFormat = errors.New("unsupported input format")
)

// Request and lifecycle errors.
var (
	ErrInvalidSpec       = errors.New("invalid job spec")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrJobTerminal       = errors.New("job already in terminal state")
)
