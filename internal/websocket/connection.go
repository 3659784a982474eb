package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/atomic"

	"noticeboard/pkg/interfaces"
	"noticeboard/pkg/types"
)

var _ interfaces.Channel = (*Connection)(nil)

// attachmentTimeout bounds attachment reads and writes. They also run after
// the connection context is cancelled, so they use their own deadline.
const attachmentTimeout = 5 * time.Second

// Connection is an accepted WebSocket implementing interfaces.Channel.
// All data frames go through a single writer goroutine; control frames
// (ping, close) use WriteControl, which gorilla allows concurrently.
type Connection struct {
	id           string
	conn         *websocket.Conn
	store        interfaces.AttachmentStore
	writeCh      chan []byte
	writeTimeout time.Duration

	state     atomic.Int32
	closeCode atomic.Int32
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newConnection(conn *websocket.Conn, store interfaces.AttachmentStore, opts Options) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:           uuid.NewString(),
		conn:         conn,
		store:        store,
		writeCh:      make(chan []byte, opts.BufferSize),
		writeTimeout: opts.WriteTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}

	go c.writeLoop()

	return c
}

func (c *Connection) ID() string { return c.id }

func (c *Connection) State() types.ChannelState {
	return types.ChannelState(c.state.Load())
}

// Done is closed once the connection is torn down
func (c *Connection) Done() <-chan struct{} { return c.ctx.Done() }

// writeLoop is the only goroutine writing data frames. writeCh is never
// closed; the loop exits on cancellation instead.
func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				c.terminate()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.terminate()
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// Send queues a text frame. It never blocks: a closed connection or a full
// buffer drops the frame and reports why.
func (c *Connection) Send(data []byte) error {
	if c.State() != types.ChannelOpen {
		return ErrConnectionClosed
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
		return ErrSendBufferFull
	}
}

// Close sends a close frame with code and reason and tears the socket down.
// Only the first call has any effect.
func (c *Connection) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		c.state.Store(int32(types.ChannelClosing))
		c.closeCode.Store(int32(code))

		msg := websocket.FormatCloseMessage(code, reason)
		if werr := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.writeTimeout)); werr != nil && !errors.Is(werr, websocket.ErrCloseSent) {
			err = errors.Wrap(werr, "write close frame")
		}

		c.cancel()
		_ = c.conn.Close()
		c.state.Store(int32(types.ChannelClosed))
	})
	return err
}

// terminate drops the transport without a close handshake
func (c *Connection) terminate() {
	c.closeOnce.Do(func() {
		c.state.Store(int32(types.ChannelClosed))
		c.cancel()
		_ = c.conn.Close()
	})
}

// LocalCloseCode returns the code passed to Close, or 0 if the connection
// was not closed locally
func (c *Connection) LocalCloseCode() int {
	return int(c.closeCode.Load())
}

// SerializeAttachment persists v as this connection's attachment.
// The store rejects a second write for the same connection.
func (c *Connection) SerializeAttachment(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errors.Mark(errors.Wrap(err, "marshal attachment"), ErrInvalidJSON)
	}

	ctx, cancel := context.WithTimeout(context.Background(), attachmentTimeout)
	defer cancel()
	return c.store.PutAttachment(ctx, c.id, data)
}

// DeserializeAttachment reads the attachment back into v
func (c *Connection) DeserializeAttachment(v any) error {
	ctx, cancel := context.WithTimeout(context.Background(), attachmentTimeout)
	defer cancel()

	data, err := c.store.GetAttachment(ctx, c.id)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errors.Mark(errors.Wrap(err, "decode attachment"), types.ErrAttachmentDecode)
	}
	return nil
}
