package auth

import "errors"

// Sentinel errors returned by the authorization layer. Handlers map these
// onto HTTP status codes in one place; nothing below the handler layer
// speaks HTTP.
var (
	// ErrAuthRequired means no authenticated principal was attached to the
	// request context.
	ErrAuthRequired = errors.New("authentication required")

	// ErrInvalidID means the supplied resource identifier is not a valid
	// UUID. Returned before any ownership lookup happens.
	ErrInvalidID = errors.New("invalid resource identifier")

	// ErrNotFound is the uniform denial: it covers both resources that do
	// not exist and resources owned by someone else. Callers must not be
	// able to tell the two apart.
	ErrNotFound = errors.New("resource not found")

	// ErrIncompleteBatch means at least one resource in a bulk
	// authorization failed, so the whole batch is denied. It unwraps to
	// ErrNotFound so handlers map it to the same status.
	ErrIncompleteBatch = incompleteBatchError{}
)

type incompleteBatchError struct{}

func (incompleteBatchError) Error() string { return "one or more resources not accessible" }

func (incompleteBatchError) Unwrap() error { return ErrNotFound }
