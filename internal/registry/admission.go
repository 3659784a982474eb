package registry

import "noticeboard/pkg/interfaces"

// DefaultMaxChannelsPerIdentity is the admission cap when none is configured
const DefaultMaxChannelsPerIdentity = 20

// EnforceCap deregisters identity's oldest channels until at most limit remain
// and returns them, oldest first. Closing the evicted channels is left to the
// caller. A limit below 1 disables the cap.
func EnforceCap(d *Directory, identity string, limit int) []interfaces.Channel {
	if limit < 1 {
		return nil
	}

	var evicted []interfaces.Channel
	for d.Count(identity) > limit {
		oldest := d.byIdentity[identity][0]
		d.Deregister(identity, oldest)
		evicted = append(evicted, oldest)
	}
	return evicted
}
