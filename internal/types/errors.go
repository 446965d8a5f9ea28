package types

import "errors"

// Domain specific errors shared across the ledger, subscription and usage packages.
var (
	ErrNotFound        = errors.New("requested item not found")
	ErrConflict        = errors.New("item already exists or conflict")
	ErrUnauthenticated = errors.New("authentication required or invalid credentials")
	ErrForbidden       = errors.New("action forbidden")
	ErrBadRequest      = errors.New("bad request")

	// ErrInsufficientCredits is returned when an owner's eligible purchases
	// cannot cover the requested deduction. User-recoverable: top up or
	// supply an own API key.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrDuplicateEvent marks a webhook event id that was already applied.
	ErrDuplicateEvent = errors.New("duplicate subscription event")
	// ErrUnknownSubscriptionRef marks a lifecycle event for a subscription
	// this system has never seen. Treated as a no-op by the state machine.
	ErrUnknownSubscriptionRef = errors.New("unknown external subscription reference")
	// ErrStoreUnavailable wraps persistence failures that must surface as a
	// 5xx and must never be mistaken for an insufficient balance.
	ErrStoreUnavailable = errors.New("credit store unavailable")
)
