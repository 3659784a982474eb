package interfaces

import "noticeboard/pkg/types"

// Channel is one open, message-oriented connection to a single client.
// The registry references channels but never owns them; whoever accepted the
// connection is responsible for its transport.
type Channel interface {
	// ID uniquely identifies the channel for the lifetime of the process
	ID() string

	// Send queues a text frame without blocking. A channel that is not open
	// or cannot keep up returns an error and the frame is dropped.
	Send(data []byte) error

	// State reports liveness
	State() types.ChannelState

	// Close sends a close frame with code and reason, then tears down the
	// transport. Closing an already closed channel is a no-op.
	Close(code int, reason string) error

	// SerializeAttachment stores v next to the channel, outside the registry's
	// memory. An attachment can be written once.
	SerializeAttachment(v any) error

	// DeserializeAttachment reads the attachment back into v.
	// Returns types.ErrAttachmentNotFound when none was written.
	DeserializeAttachment(v any) error
}
