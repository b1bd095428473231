// Copyright 2025 James Ross
package backend

import (
	"errors"
	"fmt"
)

// Kind enumerates the error taxonomy from spec §7. Every call into a
// backend or the store classifies its failure into one of these so the
// router, ledger and WAL engine can decide what to do without
// re-inspecting raw transport errors.
type Kind string

const (
	KindBackendUnavailable          Kind = "BackendUnavailable"
	KindBackendRejected             Kind = "BackendRejected"
	KindStoreUnavailable            Kind = "StoreUnavailable"
	KindStoreTimeout                Kind = "StoreTimeout"
	KindMappingMissing              Kind = "MappingMissing"
	KindMappingConflict             Kind = "MappingConflict"
	KindDeletionConversionImpossible Kind = "DeletionConversionImpossible"
	KindTimingGapFailure            Kind = "TimingGapFailure"
	KindNoBackendAvailable          Kind = "NoBackendAvailable"
)

// Error wraps a classified failure with the underlying cause and an
// optional HTTP status when the failure came from a live backend.
type Error struct {
	Kind       Kind
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

func NewWithStatus(kind Kind, status int, err error) *Error {
	return &Error{Kind: kind, StatusCode: status, Err: err}
}

// KindOf extracts the Kind from err, or "" if err isn't a classified Error.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return ""
}

// IsTimingGap reports whether err represents a BackendUnavailable observed
// on a backend the health prober still believes is healthy; the timing
// gap described in spec §4.2/§9.
func IsTimingGap(err error) bool {
	return KindOf(err) == KindTimingGapFailure
}
