package risk

import "errors"

var (
	// ErrAttemptNotFound is returned when a login attempt ID is unknown
	ErrAttemptNotFound = errors.New("login attempt not found")
	// ErrAttemptFinalized is returned when an attempt's outcome was already recorded
	ErrAttemptFinalized = errors.New("login attempt already finalized")
	// ErrInvalidAttempt is returned when a mandatory attempt field is missing
	ErrInvalidAttempt = errors.New("invalid login attempt")
	// ErrNotConfigured marks a provider that has no API key; it is skipped, never fatal
	ErrNotConfigured = errors.New("provider not configured")
	// ErrCacheMiss is returned by Cache.Get when the key is absent
	ErrCacheMiss = errors.New("cache miss")
	// ErrLocationNotFound is returned by a GeoSource that has no data for an address
	ErrLocationNotFound = errors.New("location not found")
)
