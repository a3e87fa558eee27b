// Package services defines the business logic for turns, sessions, and
// accounts. This file centralizes common service-level error values so that
// they can be consistently returned by service methods and checked by
// callers.
//
// These errors are intended for internal use by the service layer and
// translation into user-facing messages or HTTP status codes should be
// performed at the handler layer.
package services

import (
	"errors"

	"github.com/marshee/dogcare-backend/internal/conversation"
)

// Turn-related errors.
var (
	// ErrMalformedTurn is returned when a turn supplies zero or more than
	// one of image, text, and selection.
	ErrMalformedTurn = errors.New("turn must carry exactly one of image, text, or selection")

	// ErrSessionNotFound indicates that the requested session does not exist.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionInactive is returned when a turn targets a session that was
	// closed or expired. Inactive sessions reject turns rather than
	// silently restarting.
	ErrSessionInactive = errors.New("session is no longer active")

	// ErrForbidden indicates that the session belongs to a different user.
	ErrForbidden = errors.New("session belongs to another user")

	// ErrConcurrentModification is returned when a second turn raced this
	// one on the same session and won. The caller may retry with the
	// identical input; no partial state was committed.
	ErrConcurrentModification = errors.New("session was modified by a concurrent turn")
)

// Stage validation errors, surfaced unchanged from the stage machine so
// handlers can map them without importing the conversation package.
var (
	// ErrStageMismatch indicates the input kind does not match what the
	// session's current stage expects.
	ErrStageMismatch = conversation.ErrStageMismatch

	// ErrInvalidSelection indicates an unrecognized service choice.
	ErrInvalidSelection = conversation.ErrInvalidSelection
)

// Account-related errors.
var (
	// ErrEmailTaken is returned on registration with an already-known email.
	ErrEmailTaken = errors.New("email already registered")

	// ErrInvalidCredentials is returned on login with a wrong email or
	// password. Deliberately indistinguishable between the two cases.
	ErrInvalidCredentials = errors.New("invalid email or password")

	// ErrInvalidToken is returned when a bearer token fails verification.
	ErrInvalidToken = errors.New("invalid or expired token")
)
