package testutil

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
)

// ErrTimeout is returned when no frame arrives in time
var ErrTimeout = errors.New("timeout waiting for frame")

// TestClient is a WebSocket client reading frames in the background
type TestClient struct {
	UserID string

	conn     *websocket.Conn
	frames   chan []byte
	done     chan struct{}
	mu       sync.Mutex
	closeErr error
}

// WebSocketURL turns an httptest server URL into a ws:// URL for path,
// adding userID as the userId query parameter when it is not empty
func WebSocketURL(serverURL, path, userID string) string {
	u, _ := url.Parse(serverURL)
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.Path = path
	if userID != "" {
		q := u.Query()
		q.Set("userId", userID)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

// Dial connects to rawURL and starts reading frames
func Dial(ctx context.Context, rawURL string, header http.Header) (*TestClient, *http.Response, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, rawURL, header)
	if err != nil {
		return nil, resp, err
	}

	u, _ := url.Parse(rawURL)
	c := &TestClient{
		UserID: u.Query().Get("userId"),
		conn:   conn,
		frames: make(chan []byte, 100),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, resp, nil
}

func (c *TestClient) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			c.closeErr = err
			c.mu.Unlock()
			return
		}
		select {
		case c.frames <- data:
		default:
			// buffer full, frame dropped
		}
	}
}

// Receive waits for the next frame
func (c *TestClient) Receive(timeout time.Duration) ([]byte, error) {
	select {
	case data := <-c.frames:
		return data, nil
	case <-c.done:
		// frames read before the socket ended are still delivered
		select {
		case data := <-c.frames:
			return data, nil
		default:
		}
		return nil, errors.Wrap(c.Err(), "client disconnected")
	case <-time.After(timeout):
		return nil, ErrTimeout
	}
}

// ReceiveJSON waits for the next frame and decodes it into a map
func (c *TestClient) ReceiveJSON(timeout time.Duration) (map[string]any, error) {
	data, err := c.Receive(timeout)
	if err != nil {
		return nil, err
	}
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		return nil, errors.Wrapf(err, "decode frame %q", data)
	}
	return frame, nil
}

// ExpectSilence fails unless no frame arrives within d
func (c *TestClient) ExpectSilence(d time.Duration) error {
	select {
	case data := <-c.frames:
		return errors.Newf("unexpected frame %s", data)
	case <-time.After(d):
		return nil
	}
}

// SendJSON writes v as a text frame
func (c *TestClient) SendJSON(v any) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteJSON(v)
}

// SendRaw writes data as a text frame
func (c *TestClient) SendRaw(data string) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, []byte(data))
}

// WaitClosed waits for the server to end the socket and returns the close
// code it sent, or -1 if the socket ended without a close frame
func (c *TestClient) WaitClosed(timeout time.Duration) (int, error) {
	select {
	case <-c.done:
	case <-time.After(timeout):
		return 0, ErrTimeout
	}
	var closeErr *websocket.CloseError
	if errors.As(c.Err(), &closeErr) {
		return closeErr.Code, nil
	}
	return -1, nil
}

// Err returns the error that ended the read loop
func (c *TestClient) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// Close performs a normal closing handshake
func (c *TestClient) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	select {
	case <-c.done:
	case <-time.After(time.Second):
	}
	return c.conn.Close()
}
