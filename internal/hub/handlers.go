package hub

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"noticeboard/internal/registry"
	"noticeboard/pkg/interfaces"
	"noticeboard/pkg/types"
)

var pongFrame, _ = json.Marshal(types.PongMessage())

// Everything in this file runs on the loop goroutine.

func (h *Hub) handleRegister(d *registry.Directory, r *registration) error {
	if r.channel.State() != types.ChannelOpen {
		return ErrChannelNotOpen
	}
	if !d.Register(r.identity, r.channel) {
		return nil
	}

	h.metrics.Registrations.Inc()
	h.logger.Debug("channel registered",
		zap.String("user_id", r.identity),
		zap.String("channel_id", r.channel.ID()),
		zap.Int("channels", d.Count(r.identity)),
	)

	h.enforceCap(d, r.identity)
	h.metrics.ObserveDirectory(d.Stats())

	if r.acknowledge {
		h.acknowledge(r.channel)
	}
	return nil
}

func (h *Hub) acknowledge(ch interfaces.Channel) {
	frame, err := json.Marshal(types.ConnectedMessage(h.now()))
	if err != nil {
		return
	}
	if err := ch.Send(frame); err != nil {
		h.logger.Debug("connected ack not sent", zap.String("channel_id", ch.ID()), zap.Error(err))
	}
}

// enforceCap evicts identity's oldest channels beyond the cap. Evicted
// channels are closed off the loop since a close may wait on the network.
func (h *Hub) enforceCap(d *registry.Directory, identity string) {
	limit := h.MaxChannelsPerIdentity()
	for _, ch := range registry.EnforceCap(d, identity, limit) {
		h.metrics.Evictions.Inc()
		h.logger.Info("evicting oldest channel",
			zap.String("user_id", identity),
			zap.String("channel_id", ch.ID()),
			zap.Int("limit", limit),
		)
		go func(ch interfaces.Channel) {
			if err := ch.Close(types.ClosePolicyViolation, types.ReasonTooManySessions); err != nil {
				h.logger.Debug("close of evicted channel failed", zap.String("channel_id", ch.ID()), zap.Error(err))
			}
		}(ch)
	}
}

func (h *Hub) handleDeregister(d *registry.Directory, r *deregistration) bool {
	identity := r.identity
	if identity == "" {
		identity, _ = d.OwnerOf(r.channel.ID())
	}

	if !d.Deregister(identity, r.channel) {
		h.metrics.CloseRaces.Inc()
		h.logger.Debug("channel already gone from directory",
			zap.String("user_id", identity),
			zap.String("channel_id", r.channel.ID()),
		)
		return false
	}

	h.metrics.Deregistrations.Inc()
	h.metrics.ObserveDirectory(d.Stats())
	h.logger.Debug("channel deregistered",
		zap.String("user_id", identity),
		zap.String("channel_id", r.channel.ID()),
	)
	return true
}

func (h *Hub) handlePush(d *registry.Directory, p *pushRequest) int {
	started := time.Now()

	targets := lo.Filter(d.ChannelsFor(p.identity), func(ch interfaces.Channel, _ int) bool {
		return ch.State() == types.ChannelOpen
	})

	delivered, failed := 0, 0
	for _, ch := range targets {
		if err := ch.Send(p.payload); err != nil {
			failed++
			h.logger.Debug("push send failed",
				zap.String("user_id", p.identity),
				zap.String("channel_id", ch.ID()),
				zap.Error(err),
			)
			continue
		}
		delivered++
	}

	h.metrics.ObservePush(started, delivered, failed)
	return delivered
}

func (h *Hub) handleInbound(m *inboundMessage) {
	msgType, err := types.ParseMessageType(m.data)
	if err != nil {
		h.metrics.ClientMessages.WithLabelValues("malformed").Inc()
		h.logger.Debug("ignoring malformed client frame", zap.String("channel_id", m.channel.ID()), zap.Error(err))
		return
	}

	switch msgType {
	case types.MessageTypePing:
		h.metrics.ClientMessages.WithLabelValues(types.MessageTypePing).Inc()
		if err := m.channel.Send(pongFrame); err != nil {
			h.logger.Debug("pong not sent", zap.String("channel_id", m.channel.ID()), zap.Error(err))
		}
	default:
		h.metrics.ClientMessages.WithLabelValues("other").Inc()
	}
}

func (h *Hub) handleRecover(d *registry.Directory, r *recovery) int {
	recovered := 0
	var identities []string

	for _, c := range r.candidates {
		if c.channel.State() != types.ChannelOpen {
			continue
		}
		if d.Register(c.attachment.UserID, c.channel) {
			recovered++
			identities = append(identities, c.attachment.UserID)
		}
	}

	for _, identity := range lo.Uniq(identities) {
		h.enforceCap(d, identity)
	}

	h.metrics.Recovered.Add(float64(recovered))
	h.metrics.ObserveDirectory(d.Stats())
	return recovered
}

// sortByConnectedAt orders candidates oldest first so eviction order after
// recovery matches the original registration order
func sortByConnectedAt(candidates []recoveryCandidate) {
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].attachment.ConnectedAt < candidates[j].attachment.ConnectedAt
	})
}
