package interfaces

import "context"

// AttachmentStore persists channel attachments so identity bindings survive
// the registry being torn down while sockets stay open.
type AttachmentStore interface {
	// PutAttachment stores data for a channel. Fails if one already exists.
	PutAttachment(ctx context.Context, channelID string, data []byte) error

	// GetAttachment returns types.ErrAttachmentNotFound for unknown channels
	GetAttachment(ctx context.Context, channelID string) ([]byte, error)

	// DeleteAttachment is idempotent
	DeleteAttachment(ctx context.Context, channelID string) error

	// PruneAttachments deletes every attachment whose channel is not named by
	// keep and returns how many were removed. keep is called after the stored
	// ids are read, so a channel attached in between is never pruned. A nil
	// keep prunes everything.
	PruneAttachments(ctx context.Context, keep func() []string) (int, error)

	HealthCheck(ctx context.Context) error
	Close() error
}
