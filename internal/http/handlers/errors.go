// Package handlers defines HTTP-layer error codes used across all API
// endpoints.
//
// This file centralizes the symbolic error code constants mapped to HTTP
// responses via the fail() helper. Codes are lowercase snake_case; generic
// codes mirror HTTP status semantics, while domain codes name conversation
// failures that a status alone cannot convey. Clients are expected to
// branch on these codes rather than parse messages.
package handlers

const (
	ErrCodeBadRequest   = "bad_request"
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeForbidden    = "forbidden"
	ErrCodeNotFound     = "not_found"
	ErrCodeConflict     = "conflict"
	ErrCodeRateLimited  = "too_many_requests"
	ErrCodeInternal     = "internal_error"

	// Domain-specific:
	ErrCodeMalformedTurn      = "malformed_turn"
	ErrCodeStageMismatch      = "stage_mismatch"
	ErrCodeInvalidSelection   = "invalid_selection"
	ErrCodeSessionInactive    = "session_inactive"
	ErrCodeConcurrentTurn     = "concurrent_modification"
	ErrCodePayloadTooLarge    = "payload_too_large"
	ErrCodeCapabilityTimeout  = "capability_timeout"
	ErrCodeCapabilityCapacity = "capability_capacity"
	ErrCodeCapabilityFailed   = "capability_failure"
	ErrCodeEmailTaken         = "email_taken"
	ErrCodeInvalidCredentials = "invalid_credentials"
	ErrCodeListFailed         = "list_failed"
	ErrCodeMethodNotAllowed   = "method_not_allowed"
)
