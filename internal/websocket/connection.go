// Package websocket adapts gorilla WebSocket connections to session clients.
package websocket

import (
	"log/slog"
	"sync"
	"time"

	"github.com/Dancode-188/pdfsync/server/internal/protocol"
	"github.com/Dancode-188/pdfsync/server/internal/security"
	"github.com/Dancode-188/pdfsync/server/internal/session"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	sendQueueSize = 256
)

var (
	ErrSendQueueFull    = NewError("send queue is full")
	ErrConnectionClosed = NewError("connection is closed")
)

func NewError(msg string) error {
	return &ErrorType{Message: msg}
}

type ErrorType struct {
	Message string
}

func (e *ErrorType) Error() string {
	return e.Message
}

// Session is the document a connection is attached to.
type Session interface {
	Receive(cl session.Client, data []byte)
	Disconnect(cl session.Client)
}

var _ session.Client = (*Connection)(nil)

// Options configures a Connection.
type Options struct {
	UserID string
	// ReadOnly connections may move cursors and request summaries, but
	// their sync messages are rejected.
	ReadOnly       bool
	MaxMessageSize int64
	Limiter        *security.MessageLimiter
	Logger         *slog.Logger
}

// Connection represents a single WebSocket connection
type Connection struct {
	id   string
	opts Options
	log  *slog.Logger

	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewConnection wraps ws with a fresh connection id.
func NewConnection(ws *websocket.Conn, opts Options) *Connection {
	id := uuid.NewString()
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Connection{
		id:   id,
		opts: opts,
		log:  opts.Logger.With("connectionId", id, "userId", opts.UserID),
		ws:   ws,
		send: make(chan []byte, sendQueueSize),
		done: make(chan struct{}),
	}
}

func (c *Connection) ID() string { return c.id }

// Send queues data for the write pump. It never blocks; a full queue means
// the peer is not keeping up and the caller should drop it.
func (c *Connection) Send(data []byte) error {
	select {
	case <-c.done:
		return ErrConnectionClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Close stops the write pump, which closes the socket. Safe to call more
// than once.
func (c *Connection) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// SendError sends an error frame to this connection only.
func (c *Connection) SendError(errorMsg, errorCode string) error {
	data, err := protocol.EncodeError(errorMsg, errorCode)
	if err != nil {
		return err
	}
	return c.Send(data)
}

// Serve runs the pumps until the peer goes away, then detaches from sess.
func (c *Connection) Serve(sess Session) {
	go c.WritePump()
	c.ReadPump(sess)
}

// ReadPump pumps messages from the WebSocket connection to the session
func (c *Connection) ReadPump(sess Session) {
	defer func() {
		if c.opts.Limiter != nil {
			c.opts.Limiter.Remove(c.id)
		}
		sess.Disconnect(c)
		c.Close()
		c.ws.Close()
	}()

	if c.opts.MaxMessageSize > 0 {
		c.ws.SetReadLimit(c.opts.MaxMessageSize)
	}
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("websocket read failed", "error", err)
			}
			return
		}

		if c.opts.Limiter != nil && !c.opts.Limiter.Allow(c.id) {
			c.SendError("Too many messages. Please slow down.", protocol.CodeRateLimited)
			continue
		}

		msg, err := protocol.Decode(message)
		if err != nil {
			c.log.Warn("discarding malformed message", "error", err)
			c.SendError("Invalid message: "+err.Error(), protocol.CodeInvalidMessage)
			continue
		}
		if c.opts.ReadOnly && protocol.IsWrite(msg.Type) {
			c.SendError("This connection is read-only.", protocol.CodeReadOnly)
			continue
		}

		sess.Receive(c, msg.Raw)
	}
}

// WritePump pumps messages from the send queue to the WebSocket connection
func (c *Connection) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				c.Close()
				return
			}

		case <-c.done:
			// flush what was queued before the close
			for len(c.send) > 0 {
				c.ws.SetWriteDeadline(time.Now().Add(writeWait))
				if err := c.ws.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		}
	}
}
