// Package wsapi implements the WebSocket upgrade endpoint and the per-
// connection Client that bridges a gorilla/websocket connection to the
// events.Bus. The read/write pump split, ping/pong keepalive, and
// single-writer-to-conn discipline are adapted from the teacher hub's
// Client — only the subscription model changes: one connection subscribes
// to exactly one canonical URL (its upgrade request path plus query)
// instead of a set of topic strings.
package wsapi

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/api-client/net-store/internal/events"
	"github.com/api-client/net-store/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBufferSize = 32
)

// errSendBufferFull is returned by Client.Send when the outbound buffer is
// saturated — the bus treats this as a delivery failure and unregisters us.
var errSendBufferFull = errors.New("wsapi: client send buffer full")

// upgrader performs the HTTP -> WebSocket handshake. Origin checking is left
// to whatever sits in front of this process; it is out of scope here.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Client is one connected WebSocket peer, subscribed to a single URL.
// It implements events.Channel.
type Client struct {
	bus  *events.Bus
	conn *websocket.Conn
	send chan events.Event

	url  string
	user string
	sid  string

	logger    *zap.Logger
	closeOnce sync.Once
}

// NewClient upgrades the HTTP connection and builds a Client subscribed to
// url on behalf of user ("default" for the default/unauthenticated subscriber)
// and session sid.
func NewClient(bus *events.Bus, w http.ResponseWriter, r *http.Request, url, user, sid string, logger *zap.Logger) (*Client, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &Client{
		bus:    bus,
		conn:   conn,
		send:   make(chan events.Event, sendBufferSize),
		url:    url,
		user:   user,
		sid:    sid,
		logger: logger.With(zap.String("remote_addr", r.RemoteAddr), zap.String("url", url)),
	}, nil
}

// Run registers the client with the bus and blocks until the connection
// closes. Call it from the upgrade handler's goroutine.
func (c *Client) Run() {
	metrics.WSConnectionsActive.Inc()
	defer metrics.WSConnectionsActive.Dec()
	c.bus.Register(c, c.url, c.user, c.sid)
	go c.writePump()
	c.readPump()
}

// Send implements events.Channel. It never blocks: a full buffer means the
// client is too slow and should be disconnected by the caller.
func (c *Client) Send(e events.Event) error {
	select {
	case c.send <- e:
		return nil
	default:
		return errSendBufferFull
	}
}

// Close implements events.Channel. Safe to call more than once.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.send) })
	return nil
}

// readPump's only job is detecting disconnection and keeping the read
// deadline fresh on every pong — clients never send application messages.
func (c *Client) readPump() {
	defer func() {
		c.bus.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.logger.Warn("wsapi: unexpected close", zap.Error(err))
			}
			return
		}
	}
}

// writePump is the only goroutine that writes to conn. It forwards queued
// events and sends periodic pings so readPump can detect a stale peer.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case event, ok := <-c.send:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(event); err != nil {
				c.logger.Warn("wsapi: write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
