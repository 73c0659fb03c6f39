package store

import "errors"

var (
	// ErrNotFound signals a referenced message or thread is absent. Callers that can
	// recover do so with the early caches; it never reaches the transport layer.
	ErrNotFound = errors.New("store: not found")

	// ErrInvalidEditTarget signals an edit referencing a message not eligible for
	// editing (remote-deleted, view-once, a story, or a superseded revision).
	ErrInvalidEditTarget = errors.New("store: invalid edit target")
)
