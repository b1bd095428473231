// Copyright 2025 James Ross
package proxyhttp

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/flyingrobots/vectorproxy/internal/backend"
)

// statusFor maps a classified backend.Error to the HTTP status the proxy
// returns to its own client, per spec §7's error taxonomy.
func statusFor(err error) int {
	var be *backend.Error
	if !errors.As(err, &be) {
		return http.StatusInternalServerError
	}
	switch be.Kind {
	case backend.KindBackendRejected:
		if be.StatusCode != 0 {
			return be.StatusCode
		}
		return http.StatusBadRequest
	case backend.KindBackendUnavailable, backend.KindTimingGapFailure:
		return http.StatusServiceUnavailable
	case backend.KindNoBackendAvailable:
		return http.StatusServiceUnavailable
	case backend.KindStoreUnavailable, backend.KindStoreTimeout:
		return http.StatusServiceUnavailable
	case backend.KindMappingMissing:
		return http.StatusNotFound
	case backend.KindMappingConflict:
		return http.StatusConflict
	case backend.KindDeletionConversionImpossible:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// kindFor extracts the error-kind label for the client-facing failure
// body, or "Unknown" when err wasn't classified.
func kindFor(err error) string {
	if k := backend.KindOf(err); k != "" {
		return string(k)
	}
	return "Unknown"
}

// failureBody is the JSON body spec §7 describes for fatal write
// failure: error kind, a transaction id the client can poll recovery
// with, and a retry-after hint.
type failureBody struct {
	Error             string `json:"error"`
	TransactionID     string `json:"transaction_id,omitempty"`
	RetryAfterSeconds int    `json:"retry_after_seconds"`
}

// writeFailure writes the spec §7 failure body for a fatal write-path
// error with the status statusFor maps err to (503 for unavailable
// backends or store, the backend's own status for a rejection), stamping
// the Transaction-ID header (spec §5) so a client can poll the recovery
// endpoint without parsing the body.
func writeFailure(w http.ResponseWriter, txID string, err error) {
	status := statusFor(err)
	if txID != "" {
		w.Header().Set("Transaction-ID", txID)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(failureBody{
		Error:             kindFor(err),
		TransactionID:     txID,
		RetryAfterSeconds: 60,
	})
}
