package rulesync

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Client is the peer end of the websocket sync channel.
type Client struct {
	conn   *websocket.Conn
	logger *zap.Logger
	subs   handlers

	wmu    sync.Mutex
	closed bool
	done   chan struct{}
}

// Dial connects to a Hub served at url (ws:// or wss://).
func Dial(ctx context.Context, url string, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	c := &Client{
		conn:   conn,
		logger: logger,
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Publish sends n to the hub.
func (c *Client) Publish(_ context.Context, n Notification) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if n.At.IsZero() {
		n.At = time.Now().UTC()
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(n)
}

func (c *Client) Subscribe(h Handler) func() {
	return c.subs.add(h)
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close sends a close frame and waits for the read loop to exit.
func (c *Client) Close() error {
	c.wmu.Lock()
	if c.closed {
		c.wmu.Unlock()
		<-c.done
		return nil
	}
	c.closed = true
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	c.wmu.Unlock()

	select {
	case <-c.done:
	case <-time.After(writeWait):
	}
	err := c.conn.Close()
	<-c.done
	return err
}

func (c *Client) readLoop() {
	defer close(c.done)
	ctx := context.Background()
	for {
		var n Notification
		if err := c.conn.ReadJSON(&n); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("sync read error", zap.Error(err))
			}
			return
		}
		if n.Key == "" {
			continue
		}
		c.subs.dispatch(ctx, n)
	}
}
