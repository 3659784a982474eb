// Package testutil holds test doubles shared by the registry, hub and API tests.
package testutil

import (
	"encoding/json"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/atomic"

	"noticeboard/pkg/interfaces"
	"noticeboard/pkg/types"
)

var _ interfaces.Channel = (*FakeChannel)(nil)

// ErrFakeSend is returned by Send when a FakeChannel is set to fail
var ErrFakeSend = errors.New("fake send failure")

// CloseRecord captures the arguments of the first Close call
type CloseRecord struct {
	Code   int
	Reason string
}

// FakeChannel is an in-memory interfaces.Channel that records what it is sent
type FakeChannel struct {
	id       string
	state    atomic.Int32
	failSend atomic.Bool

	mu         sync.Mutex
	sent       [][]byte
	closed     *CloseRecord
	closeCalls int
	attachment []byte
}

// NewFakeChannel returns an open channel with a random ID
func NewFakeChannel() *FakeChannel {
	return NewFakeChannelWithID(uuid.NewString())
}

// NewFakeChannelWithID returns an open channel with the given ID
func NewFakeChannelWithID(id string) *FakeChannel {
	return &FakeChannel{id: id}
}

// NewAttachedChannel returns an open channel already carrying an attachment
func NewAttachedChannel(a types.Attachment) *FakeChannel {
	ch := NewFakeChannel()
	_ = ch.SerializeAttachment(a)
	return ch
}

func (c *FakeChannel) ID() string { return c.id }

func (c *FakeChannel) State() types.ChannelState { return types.ChannelState(c.state.Load()) }

// SetState forces the liveness state
func (c *FakeChannel) SetState(s types.ChannelState) { c.state.Store(int32(s)) }

// FailSends makes every following Send return ErrFakeSend
func (c *FakeChannel) FailSends() { c.failSend.Store(true) }

func (c *FakeChannel) Send(data []byte) error {
	if c.failSend.Load() {
		return ErrFakeSend
	}
	if c.State() != types.ChannelOpen {
		return errors.New("channel not open")
	}

	c.mu.Lock()
	c.sent = append(c.sent, append([]byte(nil), data...))
	c.mu.Unlock()
	return nil
}

func (c *FakeChannel) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closeCalls++
	if c.closed != nil {
		return nil
	}
	c.closed = &CloseRecord{Code: code, Reason: reason}
	c.state.Store(int32(types.ChannelClosed))
	return nil
}

func (c *FakeChannel) SerializeAttachment(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attachment != nil {
		return errors.New("attachment already written")
	}
	c.attachment = data
	return nil
}

func (c *FakeChannel) DeserializeAttachment(v any) error {
	c.mu.Lock()
	data := c.attachment
	c.mu.Unlock()

	if data == nil {
		return types.ErrAttachmentNotFound
	}
	return json.Unmarshal(data, v)
}

// SetRawAttachment stores bytes as the attachment without encoding them
func (c *FakeChannel) SetRawAttachment(data []byte) {
	c.mu.Lock()
	c.attachment = data
	c.mu.Unlock()
}

// Sent returns a copy of every frame sent so far
func (c *FakeChannel) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.sent))
	copy(out, c.sent)
	return out
}

// SentStrings returns the sent frames as strings
func (c *FakeChannel) SentStrings() []string {
	frames := c.Sent()
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = string(f)
	}
	return out
}

// Closed returns the first Close call, or nil
func (c *FakeChannel) Closed() *CloseRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed == nil {
		return nil
	}
	record := *c.closed
	return &record
}

// CloseCalls counts every Close call, including repeated ones
func (c *FakeChannel) CloseCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalls
}
