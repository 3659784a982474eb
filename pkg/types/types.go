package types

import (
	"encoding/json"
	"time"
)

// Frame types exchanged over a notification channel
const (
	MessageTypeConnected = "connected"
	MessageTypePing      = "ping"
	MessageTypePong      = "pong"
)

// Close codes and reasons sent when the registry ends a channel
const (
	CloseGoingAway       = 1001
	ClosePolicyViolation = 1008
	CloseInternalError   = 1011
	CloseTryAgainLater   = 1013

	ReasonShuttingDown    = "server shutting down"
	ReasonTooManySessions = "too many sessions"
	ReasonSocketError     = "socket error"
	ReasonTryAgainLater   = "try again later"
)

// ChannelState is the liveness of a notification channel.
// States only move forward: open -> closing -> closed.
type ChannelState int32

const (
	ChannelOpen ChannelState = iota
	ChannelClosing
	ChannelClosed
)

func (s ChannelState) String() string {
	switch s {
	case ChannelOpen:
		return "open"
	case ChannelClosing:
		return "closing"
	case ChannelClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Attachment is the identity binding stored alongside a channel.
// Written once when the channel is accepted and read back after the registry
// loses its in-memory state, so it must round-trip through JSON.
type Attachment struct {
	UserID      string `json:"userId"`
	ConnectedAt int64  `json:"connectedAt"` // epoch millis
}

// NewAttachment binds userID to a channel accepted at t
func NewAttachment(userID string, t time.Time) Attachment {
	return Attachment{UserID: userID, ConnectedAt: t.UnixMilli()}
}

// PushRequest is the body accepted on the internal push endpoint.
// Notification is opaque and forwarded verbatim.
type PushRequest struct {
	UserID       string          `json:"userId"`
	Notification json.RawMessage `json:"notification"`
}

// ControlMessage is the envelope of frames the registry itself produces
// (connected, pong) and the only part of client frames it inspects.
type ControlMessage struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// ConnectedMessage acknowledges a freshly registered channel
func ConnectedMessage(t time.Time) ControlMessage {
	return ControlMessage{Type: MessageTypeConnected, Timestamp: t.UnixMilli()}
}

// PongMessage answers a client ping
func PongMessage() ControlMessage {
	return ControlMessage{Type: MessageTypePong}
}

// Stats is a point-in-time view of a registry instance
type Stats struct {
	Channels   int `json:"channels"`
	Identities int `json:"identities"`
}
