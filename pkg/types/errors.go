package types

import "github.com/cockroachdb/errors"

// Request boundary errors, surfaced to HTTP callers
var (
	ErrProtocol        = errors.New("expected websocket upgrade")
	ErrMissingIdentity = errors.New("missing userId")
	ErrInvalidIdentity = errors.New("userId must be 1-128 bytes without control characters")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrMalformedPush   = errors.New("malformed push request")
)

// Lifecycle errors, absorbed where they happen
var (
	ErrAttachmentNotFound     = errors.New("channel attachment not found")
	ErrAttachmentDecode       = errors.New("channel attachment unreadable")
	ErrMalformedClientMessage = errors.New("malformed client message")
)
