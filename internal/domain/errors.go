package domain

import "github.com/pkg/errors"

var (
	// ErrValidation marks malformed caller input. Nothing was written.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound indicates an unknown message id.
	ErrNotFound = errors.New("message not found")
	// ErrInvalidState indicates the operation is not allowed in the current status.
	ErrInvalidState = errors.New("invalid message state")
	// ErrStoreUnavailable wraps failures to reach the durable or fast store.
	ErrStoreUnavailable = errors.New("store unavailable")
)
