package hub

import "github.com/cockroachdb/errors"

var (
	ErrHubAlreadyRunning = errors.New("hub is already running")
	ErrHubNotRunning     = errors.New("hub is not running")
	ErrChannelNotOpen    = errors.New("channel is not open")
)
