package service

import "errors"

var (
	// ErrTransientUpstream marks gateway timeouts, network failures and 5xx
	// responses. Scenes hit by it go through the bounded failed -> pending loop.
	ErrTransientUpstream = errors.New("transient upstream error")
	// ErrPermanentValidation marks a missing prerequisite; retrying cannot help.
	ErrPermanentValidation = errors.New("permanent validation error")
)
