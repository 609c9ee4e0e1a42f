package store

import "errors"

// Sentinel errors returned by Store operations. Callers dispatch on
// these with errors.Is rather than inspecting driver-specific error
// strings.
var (
	// ErrConflict is returned by UpsertUser when the email already
	// exists with a different credential hash.
	ErrConflict = errors.New("store: conflict")

	// ErrForbidden is returned by DeleteSubscription when the caller
	// does not own the subscription.
	ErrForbidden = errors.New("store: forbidden")

	// ErrNotFound is returned when a lookup by ID matches no row.
	ErrNotFound = errors.New("store: not found")

	// ErrPastDate is returned by CreateSubscriptions for any requested
	// date that has already passed in the owner's zone.
	ErrPastDate = errors.New("store: date is in the past")

	// ErrInvalidCredentials is returned by AuthByEmailAndPin when the
	// email is unknown or the pin does not match.
	ErrInvalidCredentials = errors.New("store: invalid credentials")
)
