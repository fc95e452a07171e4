// Package limit is the application-facing entry point of the rate limiter.
//
// Service resolves the per-module configuration, asks the configured store
// for a decision and hands any resulting event to a Dispatcher, which
// delivers it to the event sink in the background.
package limit

import "errors"

var (
	// ErrInvalidRequest indicates that the module or actor key is missing.
	ErrInvalidRequest = errors.New("invalid rate limit request")

	// ErrDispatcherClosed is returned by Dispatch after Shutdown.
	ErrDispatcherClosed = errors.New("event dispatcher closed")
)
