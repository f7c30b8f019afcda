package api

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second

	// maxMessageSize bounds one socket frame: a chunk event carrying
	// EncryptedChunkSize ciphertext as a JSON number array, with headroom.
	maxMessageSize = 512 * 1024
)

// Client is one WebSocket connection. Events from a single connection are
// handled in arrival order by its read pump; the session binding is set
// after a successful join and guards every later event.
type Client struct {
	hub    *Hub
	router *SocketRouter
	conn   *websocket.Conn
	send   chan []byte

	remoteAddr string

	mu        sync.Mutex
	sessionID string
	clientID  string
}

func newClient(hub *Hub, router *SocketRouter, conn *websocket.Conn, remoteAddr string) *Client {
	return &Client{
		hub:        hub,
		router:     router,
		conn:       conn,
		send:       make(chan []byte, 256),
		remoteAddr: remoteAddr,
	}
}

// Bind attaches the connection to a session after a successful join.
func (c *Client) Bind(sessionID, clientID string) {
	c.mu.Lock()
	c.sessionID = sessionID
	c.clientID = clientID
	c.mu.Unlock()
}

// Unbind clears the session binding on leave or expiration.
func (c *Client) Unbind() {
	c.mu.Lock()
	c.sessionID = ""
	c.clientID = ""
	c.mu.Unlock()
}

// SessionID returns the bound session, or "" before join.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// ClientID returns the bound client identity, or "" before join.
func (c *Client) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// Binding returns both halves of the session binding atomically.
func (c *Client) Binding() (sessionID, clientID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID, c.clientID
}

// readPump reads envelopes off the connection and dispatches them in order.
func (c *Client) readPump() {
	defer func() {
		c.router.handleDisconnect(c)
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.router.logger.Printf("Read error from %s: %v", c.remoteAddr, err)
			}
			break
		}
		c.router.Handle(c, message)
	}
}

// writePump writes queued messages and keeps the connection alive.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
