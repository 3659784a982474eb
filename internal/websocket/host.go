package websocket

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"noticeboard/pkg/interfaces"
	"noticeboard/pkg/types"
)

// Options tune accepted sockets
type Options struct {
	PingInterval     time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
	BufferSize       int
	MaxMessageSize   int64
}

// DefaultOptions returns the settings used when nothing is configured
func DefaultOptions() Options {
	return Options{
		PingInterval:     30 * time.Second,
		ReadTimeout:      60 * time.Second,
		WriteTimeout:     10 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		BufferSize:       100,
		MaxMessageSize:   64 * 1024,
	}
}

// Listener receives socket events. Calls for one socket come from that
// socket's read goroutine, in order, and OnClose or OnError is the last one.
type Listener interface {
	OnMessage(ch interfaces.Channel, data []byte)
	OnClose(ch interfaces.Channel, code int, reason string)
	OnError(ch interfaces.Channel, err error)
}

type nopListener struct{}

func (nopListener) OnMessage(interfaces.Channel, []byte) {}
func (nopListener) OnClose(interfaces.Channel, int, string) {}
func (nopListener) OnError(interfaces.Channel, error) {}

// Host accepts WebSocket upgrades and owns the accepted sockets.
// Sockets outlive any listener: the listener can be swapped or stopped and
// the sockets stay open, which is what lets a fresh registry recover them.
type Host struct {
	upgrader websocket.Upgrader
	store    interfaces.AttachmentStore
	opts     Options
	logger   *zap.Logger

	mu       sync.RWMutex
	sockets  map[string]*Connection
	listener Listener
	closing  bool
	wg       sync.WaitGroup
}

// NewHost creates a host persisting attachments in store
func NewHost(store interfaces.AttachmentStore, opts Options, logger *zap.Logger) *Host {
	return &Host{
		upgrader: websocket.Upgrader{
			// Origin checks belong to the gateway in front of this service
			CheckOrigin:      func(r *http.Request) bool { return true },
			HandshakeTimeout: opts.HandshakeTimeout,
		},
		store:    store,
		opts:     opts,
		logger:   logger,
		sockets:  make(map[string]*Connection),
		listener: nopListener{},
	}
}

// SetListener installs the receiver of socket events
func (h *Host) SetListener(l Listener) {
	if l == nil {
		l = nopListener{}
	}
	h.mu.Lock()
	h.listener = l
	h.mu.Unlock()
}

func (h *Host) currentListener() Listener {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.listener
}

// Accept upgrades the request, writes attachment onto the new socket and
// starts its read loop. On upgrade failure the HTTP error response has
// already been written. A socket whose attachment cannot be written is
// closed with 1011 before any event is delivered.
func (h *Host) Accept(w http.ResponseWriter, r *http.Request, attachment any) (*Connection, error) {
	h.mu.RLock()
	closing := h.closing
	h.mu.RUnlock()
	if closing {
		http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
		return nil, ErrHostShuttingDown
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "upgrade"), ErrUpgradeFailed)
	}

	conn := newConnection(ws, h.store, h.opts)

	// Tracked before the attachment is written so a concurrent prune keeps it
	h.mu.Lock()
	h.sockets[conn.ID()] = conn
	h.mu.Unlock()

	if err := conn.SerializeAttachment(attachment); err != nil {
		_ = conn.Close(websocket.CloseInternalServerErr, "attachment failed")
		h.mu.Lock()
		delete(h.sockets, conn.ID())
		h.mu.Unlock()
		return nil, errors.Mark(errors.Wrapf(err, "channel %s", conn.ID()), ErrAttachFailed)
	}

	h.wg.Add(1)
	go h.readPump(conn)

	return conn, nil
}

// readPump reads frames until the socket fails, then reports exactly one
// terminal event and releases the socket
func (h *Host) readPump(conn *Connection) {
	defer h.wg.Done()
	defer h.release(conn)

	ws := conn.conn
	ws.SetReadLimit(h.opts.MaxMessageSize)
	if err := ws.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout)); err != nil {
		h.currentListener().OnError(conn, err)
		conn.terminate()
		return
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.opts.ReadTimeout))
	})

	go h.pingLoop(conn)

	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			h.dispatchTermination(conn, err)
			return
		}
		if messageType == websocket.TextMessage {
			h.currentListener().OnMessage(conn, data)
		}
	}
}

// dispatchTermination reports a finished read loop to the listener. On a read
// error the socket stays writable until OnError returns so the listener can
// still send a close frame.
func (h *Host) dispatchTermination(conn *Connection, err error) {
	locallyClosed := conn.State() != types.ChannelOpen
	listener := h.currentListener()

	var closeErr *websocket.CloseError
	switch {
	case errors.As(err, &closeErr):
		conn.terminate()
		h.logger.Debug("socket closed by peer",
			zap.String("channel_id", conn.ID()),
			zap.Int("code", closeErr.Code),
		)
		listener.OnClose(conn, closeErr.Code, closeErr.Text)

	case locallyClosed:
		conn.terminate()
		listener.OnClose(conn, conn.LocalCloseCode(), "")

	default:
		h.logger.Debug("socket read failed", zap.String("channel_id", conn.ID()), zap.Error(err))
		listener.OnError(conn, err)
		conn.terminate()
	}
}

func (h *Host) pingLoop(conn *Connection) {
	ticker := time.NewTicker(h.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(h.opts.WriteTimeout)
			if err := conn.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-conn.Done():
			return
		}
	}
}

// release forgets a terminated socket and deletes its attachment
func (h *Host) release(conn *Connection) {
	h.mu.Lock()
	delete(h.sockets, conn.ID())
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), attachmentTimeout)
	defer cancel()
	if err := h.store.DeleteAttachment(ctx, conn.ID()); err != nil {
		h.logger.Warn("failed to delete channel attachment", zap.String("channel_id", conn.ID()), zap.Error(err))
	}
}

// Sockets returns every accepted socket that is still open
func (h *Host) Sockets() []interfaces.Channel {
	h.mu.RLock()
	defer h.mu.RUnlock()

	open := lo.Filter(lo.Values(h.sockets), func(c *Connection, _ int) bool {
		return c.State() == types.ChannelOpen
	})
	return lo.Map(open, func(c *Connection, _ int) interfaces.Channel { return c })
}

// OpenIDs returns the IDs of every socket that has not been released
func (h *Host) OpenIDs() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return lo.Keys(h.sockets)
}

// Count returns the number of sockets that have not been released
func (h *Host) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sockets)
}

// PruneAttachments deletes stored attachments that belong to no live socket
func (h *Host) PruneAttachments(ctx context.Context) (int, error) {
	return h.store.PruneAttachments(ctx, h.OpenIDs)
}

// Shutdown refuses new upgrades, closes every socket with code and reason
// and waits for their read loops to finish or ctx to expire
func (h *Host) Shutdown(ctx context.Context, code int, reason string) error {
	h.mu.Lock()
	h.closing = true
	sockets := lo.Values(h.sockets)
	h.mu.Unlock()

	for _, conn := range sockets {
		_ = conn.Close(code, reason)
	}

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "waiting for sockets to close")
	}
}
