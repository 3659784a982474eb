package hub

import (
	"context"

	"go.uber.org/zap"

	"noticeboard/pkg/interfaces"
	"noticeboard/pkg/types"
)

// Hub receives socket events from the transport.
// These methods run on the socket's read goroutine; attachment reads happen
// there, before anything is submitted to the loop.

// OnMessage queues an inbound client frame
func (h *Hub) OnMessage(ch interfaces.Channel, data []byte) {
	l, err := h.current()
	if err != nil {
		h.logger.Debug("dropping client frame while registry is down", zap.String("channel_id", ch.ID()))
		return
	}
	_ = submit(context.Background(), l, l.inboundChannel, &inboundMessage{channel: ch, data: data})
}

// OnClose deregisters a channel the peer or the server closed
func (h *Hub) OnClose(ch interfaces.Channel, code int, reason string) {
	h.logger.Debug("channel closed",
		zap.String("channel_id", ch.ID()),
		zap.Int("code", code),
		zap.String("reason", reason),
	)
	h.deregisterTerminated(ch)
}

// OnError deregisters a failed channel and force-closes it
func (h *Hub) OnError(ch interfaces.Channel, err error) {
	h.logger.Debug("channel failed", zap.String("channel_id", ch.ID()), zap.Error(err))
	h.deregisterTerminated(ch)

	if closeErr := ch.Close(types.CloseInternalError, types.ReasonSocketError); closeErr != nil {
		h.logger.Debug("close after socket error failed", zap.String("channel_id", ch.ID()), zap.Error(closeErr))
	}
}

// deregisterTerminated resolves the identity from the channel's attachment,
// never from in-memory state, so it works for channels registered by an
// earlier run of the registry.
func (h *Hub) deregisterTerminated(ch interfaces.Channel) {
	identity := h.identityOf(ch)

	if _, err := h.Deregister(context.Background(), identity, ch); err != nil {
		h.logger.Debug("deregister skipped", zap.String("channel_id", ch.ID()), zap.Error(err))
	}
}

func (h *Hub) identityOf(ch interfaces.Channel) string {
	var a types.Attachment
	if err := ch.DeserializeAttachment(&a); err != nil {
		h.logger.Debug("attachment unreadable, falling back to directory owner",
			zap.String("channel_id", ch.ID()),
			zap.Error(err),
		)
		return ""
	}
	return a.UserID
}

// Recover re-registers channels that were accepted before the current run
// started. Each channel's identity comes from its attachment; channels whose
// attachment is missing or unreadable are skipped and left open. Channels are
// registered oldest first and the admission cap is applied per identity.
// No connected frame is sent. Returns the number of channels recovered.
func (h *Hub) Recover(ctx context.Context, sockets []interfaces.Channel) (int, error) {
	l, err := h.current()
	if err != nil {
		return 0, err
	}

	candidates := make([]recoveryCandidate, 0, len(sockets))
	for _, ch := range sockets {
		var a types.Attachment
		if err := ch.DeserializeAttachment(&a); err != nil {
			h.skipRecovery(ch, err)
			continue
		}
		if err := types.ValidateIdentity(a.UserID); err != nil {
			h.skipRecovery(ch, err)
			continue
		}
		candidates = append(candidates, recoveryCandidate{attachment: a, channel: ch})
	}
	sortByConnectedAt(candidates)

	r := &recovery{candidates: candidates, reply: make(chan int, 1)}
	if err := submit(ctx, l, l.recoverChannel, r); err != nil {
		return 0, err
	}
	recovered, err := await(ctx, l, r.reply)
	if err != nil {
		return 0, err
	}

	h.logger.Info("registry recovered",
		zap.Int("sockets", len(sockets)),
		zap.Int("recovered", recovered),
	)
	return recovered, nil
}

func (h *Hub) skipRecovery(ch interfaces.Channel, err error) {
	h.metrics.RecoverySkipped.Inc()
	h.logger.Warn("skipping channel without usable attachment",
		zap.String("channel_id", ch.ID()),
		zap.Error(err),
	)
}
