// Package util provides common utility functions and constants used across
// npctl. It imports no other internal/* package so any package may use it.
package util

import "time"

const (
	// DefaultRequestTimeout bounds a single request to a NodePass master when
	// config.yaml does not set request_timeout_seconds.
	DefaultRequestTimeout = 10 * time.Second

	// MaxResponseBytes caps how much of a master's response body is read.
	MaxResponseBytes = 8 << 20

	// UntitledService names services whose instances carry no alias.
	UntitledService = "Untitled"
)
