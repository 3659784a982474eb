package registry

import (
	"github.com/samber/lo"

	"noticeboard/pkg/interfaces"
	"noticeboard/pkg/types"
)

// Directory maps user identities to their open channels.
//
// A Directory is not safe for concurrent use. It is owned by exactly one
// goroutine (the hub loop), which serializes every mutation and read.
type Directory struct {
	byIdentity map[string][]interfaces.Channel // insertion ordered, never empty
	owner      map[string]string                // channelID -> identity
}

// NewDirectory returns an empty directory
func NewDirectory() *Directory {
	return &Directory{
		byIdentity: make(map[string][]interfaces.Channel),
		owner:      make(map[string]string),
	}
}

// Register adds ch under identity. Registering the same pair twice is a no-op.
// A channel currently listed under a different identity is moved, so a channel
// never belongs to two identities. Reports whether the directory changed.
func (d *Directory) Register(identity string, ch interfaces.Channel) bool {
	id := ch.ID()
	if current, ok := d.owner[id]; ok {
		if current == identity {
			return false
		}
		d.remove(current, id)
	}

	d.byIdentity[identity] = append(d.byIdentity[identity], ch)
	d.owner[id] = identity
	return true
}

// Deregister removes ch from identity's set and drops the identity once its
// set is empty. Returns false when the pair was not registered, which happens
// when a close races with an eviction or a registry recycle.
func (d *Directory) Deregister(identity string, ch interfaces.Channel) bool {
	id := ch.ID()
	if d.owner[id] != identity {
		return false
	}
	return d.remove(identity, id)
}

func (d *Directory) remove(identity, channelID string) bool {
	channels := d.byIdentity[identity]
	idx := lo.IndexOf(lo.Map(channels, func(c interfaces.Channel, _ int) string { return c.ID() }), channelID)
	if idx < 0 {
		return false
	}

	channels = append(channels[:idx:idx], channels[idx+1:]...)
	if len(channels) == 0 {
		delete(d.byIdentity, identity)
	} else {
		d.byIdentity[identity] = channels
	}
	delete(d.owner, channelID)
	return true
}

// ChannelsFor returns a copy of identity's channels, oldest first.
// The copy can be iterated while the directory is mutated.
func (d *Directory) ChannelsFor(identity string) []interfaces.Channel {
	channels := d.byIdentity[identity]
	if len(channels) == 0 {
		return nil
	}
	out := make([]interfaces.Channel, len(channels))
	copy(out, channels)
	return out
}

// OwnerOf returns the identity a channel is registered under
func (d *Directory) OwnerOf(channelID string) (string, bool) {
	identity, ok := d.owner[channelID]
	return identity, ok
}

// Count returns the number of channels registered under identity
func (d *Directory) Count(identity string) int {
	return len(d.byIdentity[identity])
}

// Stats reports the directory size
func (d *Directory) Stats() types.Stats {
	return types.Stats{
		Channels:   len(d.owner),
		Identities: len(d.byIdentity),
	}
}
