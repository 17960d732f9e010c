package notifications

import (
	"context"
	"errors"
	"sync"
	"time"

	"plaza/internal/observability"

	"github.com/gofiber/websocket/v2"
)

const (
	writeTimeout   = 10 * time.Second
	idleTimeout    = 60 * time.Second
	pingEvery      = idleTimeout * 9 / 10
	maxInboundSize = 4096
	sendBuffer     = 256
)

var errClientClosed = errors.New("client closed")

var droppedNotice = []byte(`{"type":"messages_dropped","payload":{"reason":"buffer_full"}}`)

// owner is the hub a client reports back to when its socket dies.
type owner interface {
	UnregisterClient(c *Client)
	Name() string
}

// Client is one open socket. Frames queued on Send are written by WritePump;
// ReadPump only watches for liveness and the close.
type Client struct {
	UserID string
	Send   chan []byte

	hub        owner
	conn       *websocket.Conn
	onActivity func(userID string)

	mu     sync.Mutex
	closed bool
}

func newClient(hub owner, conn *websocket.Conn, userID string) *Client {
	return &Client{
		UserID: userID,
		Send:   make(chan []byte, sendBuffer),
		hub:    hub,
		conn:   conn,
	}
}

// TrySend queues message without blocking. When the buffer is full the
// message is lost and a drop notice is queued in its place if it fits.
func (c *Client) TrySend(message []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		observability.WebSocketBackpressureDrops.WithLabelValues(c.hub.Name(), "closed").Inc()
		return errClientClosed
	}
	select {
	case c.Send <- message:
		return nil
	default:
	}
	observability.WebSocketBackpressureDrops.WithLabelValues(c.hub.Name(), "full").Inc()
	select {
	case c.Send <- droppedNotice:
	default:
	}
	return nil
}

// Close stops accepting messages. WritePump then says goodbye and exits.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.Send)
	}
}

func (c *Client) active() {
	if c.onActivity != nil {
		c.onActivity(c.UserID)
	}
}

// ReadPump blocks until the peer goes away, refreshing presence on every
// frame and pong. It unregisters the client on the way out.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.UnregisterClient(c)
		c.Close()
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxInboundSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(idleTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.active()
		return c.conn.SetReadDeadline(time.Now().Add(idleTimeout))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				observability.NewWSLogger(c.hub.Name()).LogError(context.Background(), c.UserID, err, "read")
			}
			return
		}
		c.active()
		_ = c.conn.SetReadDeadline(time.Now().Add(idleTimeout))
	}
}

// WritePump drains Send and keeps the socket alive with pings. A closed
// Send means the server is done with this client.
func (c *Client) WritePump() {
	ping := time.NewTicker(pingEvery)
	defer func() {
		ping.Stop()
		_ = c.conn.Close()
	}()

	write := func(kind int, data []byte) error {
		_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return c.conn.WriteMessage(kind, data)
	}

	for {
		select {
		case msg, ok := <-c.Send:
			if !ok {
				_ = write(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closing"))
				return
			}
			if err := write(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ping.C:
			if err := write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
