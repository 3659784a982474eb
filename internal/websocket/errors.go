package websocket

import "github.com/cockroachdb/errors"

// Connection-related errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrSendBufferFull   = errors.New("send buffer full")
	ErrInvalidJSON      = errors.New("invalid JSON data")
)

// Host-related errors
var (
	ErrUpgradeFailed    = errors.New("websocket upgrade failed")
	ErrAttachFailed     = errors.New("channel attachment could not be written")
	ErrHostShuttingDown = errors.New("websocket host is shutting down")
)
