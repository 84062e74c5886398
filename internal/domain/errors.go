package domain

import (
	"errors"
	"fmt"
)

// ErrorClass is the failure taxonomy used to route an item after an attempt.
type ErrorClass string

const (
	ClassNone              ErrorClass = ""
	ClassCatalogFormat     ErrorClass = "catalog_format"
	ClassLeaseDenied       ErrorClass = "lease_denied"
	ClassTransient         ErrorClass = "transient"
	ClassRateLimited       ErrorClass = "rate_limited"
	ClassFetchExhausted    ErrorClass = "fetch_exhausted"
	ClassNotFound          ErrorClass = "not_found"
	ClassForbidden         ErrorClass = "forbidden"
	ClassRemoved           ErrorClass = "removed"
	ClassTooLarge          ErrorClass = "too_large"
	ClassNoAudioTrack      ErrorClass = "no_audio_track"
	ClassExtractionPartial ErrorClass = "extraction_partial"
	ClassExtractionFailed  ErrorClass = "extraction_failed"
	ClassWriteFailure      ErrorClass = "write_failure"
	ClassDiskHalt          ErrorClass = "disk_halt"
	ClassCanceled          ErrorClass = "canceled"
	ClassLeaseExpired      ErrorClass = "lease_expired"
	ClassInternal          ErrorClass = "internal"
)

// IsPermanent reports whether an item failing with this class can never succeed.
func (c ErrorClass) IsPermanent() bool {
	switch c {
	case ClassNotFound, ClassForbidden, ClassRemoved, ClassTooLarge:
		return true
	}
	return false
}

// IsDeferred reports whether the failure says nothing about the item itself,
// so the attempt is handed back without being charged.
func (c ErrorClass) IsDeferred() bool {
	return c == ClassCanceled || c == ClassDiskHalt
}

// IsRetryable reports whether the fetch/write retry policy may try again
// within the same attempt.
func (c ErrorClass) IsRetryable() bool {
	switch c {
	case ClassTransient, ClassRateLimited, ClassWriteFailure:
		return true
	}
	return false
}

var (
	// ErrLeaseDenied means another worker holds a live lease. It is normal contention.
	ErrLeaseDenied = errors.New("lease denied")
	// ErrLeaseLost means the caller's lease expired and was taken over or finalized.
	ErrLeaseLost = errors.New("lease lost")
	// ErrAttemptsSpent means a leased item has no attempts left to charge.
	ErrAttemptsSpent = errors.New("attempts spent")
	// ErrNoAudioTrack marks a payload with no usable audio.
	ErrNoAudioTrack = errors.New("no audio track")
	// ErrScratchQuota marks a payload larger than the worker's scratch quota.
	ErrScratchQuota = errors.New("scratch quota exceeded")
)

// ClassifiedError attaches an ErrorClass to an underlying error.
type ClassifiedError struct {
	Class ErrorClass
	Err   error
}

func (e *ClassifiedError) Error() string {
	if e.Err == nil {
		return string(e.Class)
	}
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Classify wraps err with class. A nil err stays nil.
func Classify(class ErrorClass, err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Class: class, Err: err}
}

// ClassOf extracts the class of err; unclassified errors are ClassInternal.
func ClassOf(err error) ErrorClass {
	if err == nil {
		return ClassNone
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.Class
	}
	var wf *WriteFailure
	if errors.As(err, &wf) {
		return ClassWriteFailure
	}
	var cf *CatalogFormatError
	if errors.As(err, &cf) {
		return ClassCatalogFormat
	}
	switch {
	case errors.Is(err, ErrLeaseDenied):
		return ClassLeaseDenied
	case errors.Is(err, ErrNoAudioTrack):
		return ClassNoAudioTrack
	case errors.Is(err, ErrScratchQuota):
		return ClassTooLarge
	}
	return ClassInternal
}

// CatalogFormatError describes a malformed catalog row.
type CatalogFormatError struct {
	Row    int64
	Reason string
	Err    error
}

func (e *CatalogFormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("catalog row %d: %s: %v", e.Row, e.Reason, e.Err)
	}
	return fmt.Sprintf("catalog row %d: %s", e.Row, e.Reason)
}

func (e *CatalogFormatError) Unwrap() error {
	return e.Err
}

// WriteFailure reports an artifact that could not be persisted.
type WriteFailure struct {
	Key string
	Err error
}

func (e *WriteFailure) Error() string {
	return fmt.Sprintf("write %s: %v", e.Key, e.Err)
}

func (e *WriteFailure) Unwrap() error {
	return e.Err
}
