// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across repo/service layers.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrEmptyAddress indicates an address with no identity key set.
	ErrEmptyAddress = errors.New("address has no identifiers")

	// ErrUnregistered indicates the peer is known but has no registered identity.
	ErrUnregistered = errors.New("recipient is not registered")
)
