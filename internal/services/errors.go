package services

import (
	"errors"
	"net/http"
)

var (
	// ErrInvalidInput is returned for missing or malformed fields.
	ErrInvalidInput = errors.New("invalid input")
	// ErrUserNotFound is returned when an award targets an unknown account.
	ErrUserNotFound = errors.New("user not found")
	// ErrInvalidKey is returned when the idempotency key is missing or empty.
	ErrInvalidKey = errors.New("invalid idempotency key")
	// ErrIdempotencyMismatch is returned when a key is reused for a different request.
	ErrIdempotencyMismatch = errors.New("idempotency key reused with a different request")
	// ErrInsufficientBalance is returned when a negative delta would underflow a balance.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrExternalService wraps failures of the external points service.
	ErrExternalService = errors.New("external points service error")
	// ErrNotEligibleForReprocessing is returned for sync entries that no longer need a retry.
	ErrNotEligibleForReprocessing = errors.New("sync log entry is not eligible for reprocessing")
	// ErrSyncLogNotFound is returned when a sync log id does not exist.
	ErrSyncLogNotFound = errors.New("sync log entry not found")
)

// StatusCode maps an error from this package to an HTTP status.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidInput),
		errors.Is(err, ErrInvalidKey),
		errors.Is(err, ErrIdempotencyMismatch),
		errors.Is(err, ErrInsufficientBalance),
		errors.Is(err, ErrNotEligibleForReprocessing):
		return http.StatusBadRequest
	case errors.Is(err, ErrUserNotFound), errors.Is(err, ErrSyncLogNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage is the error text safe to return to callers. Internal errors
// are not echoed back.
func PublicMessage(err error) string {
	if StatusCode(err) == http.StatusInternalServerError {
		return "internal error"
	}
	return err.Error()
}
