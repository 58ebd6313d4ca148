package apperrors

import "errors"

var (
	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("forbidden")
	// ErrMisconfigured marks a request that cannot be served because a
	// required setting (for example the internal service secret) is absent.
	ErrMisconfigured = errors.New("service misconfigured")
	ErrInvalidInput  = errors.New("invalid input")
)
