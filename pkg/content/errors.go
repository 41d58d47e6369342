package content

import "errors"

// Error values returned by the deduplicator and content stores.
var (
	ErrInvalidPlatform    = errors.New("invalid platform")
	ErrInvalidContent     = errors.New("invalid content")
	ErrInvalidContentID   = errors.New("invalid content id")
	ErrInvalidContentHash = errors.New("invalid content hash")
	ErrContentConflict    = errors.New("content key conflict")
	ErrInvalidConfig      = errors.New("invalid deduplicator config")
)
