package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/manpreetbhatti/lattice/collab/internal/protocol"
	"github.com/manpreetbhatti/lattice/collab/internal/ratelimit"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// Log every Nth rate limit violation and give up after maxViolations.
	violationLogEvery = 100
	maxViolations     = 1000
)

var (
	ErrSendBufferFull = errors.New("ws: send buffer full")
	ErrClientClosed   = errors.New("ws: client closed")
)

// Client is one WebSocket connection. It implements collab.Conn: frames are
// queued on a buffered channel and written by writePump.
type Client struct {
	conn *websocket.Conn
	send chan []byte
	log  zerolog.Logger

	mu          sync.Mutex
	closed      bool
	done        chan struct{}
	closeCode   int
	closeReason string
}

func newClient(conn *websocket.Conn, sendBuffer int, logger zerolog.Logger) *Client {
	return &Client{
		conn: conn,
		send: make(chan []byte, sendBuffer),
		log:  logger,
		done: make(chan struct{}),
	}
}

// SendFrame queues frame without blocking. A client whose buffer is full is
// closed with try-again-later.
func (c *Client) SendFrame(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClientClosed
	}
	select {
	case c.send <- frame:
		return nil
	default:
		c.log.Warn().Int("buffered", len(c.send)).Msg("Send buffer full, closing slow client")
		c.closeLocked(protocol.CloseTryAgainLater, "send buffer full")
		return ErrSendBufferFull
	}
}

// Close asks writePump to send a close frame with code and reason and drop
// the connection. Only the first call has an effect.
func (c *Client) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		c.closeLocked(code, reason)
	}
	return nil
}

func (c *Client) closeLocked(code int, reason string) {
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	close(c.done)
}

func (c *Client) closeStatus() (int, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode, c.closeReason
}

// readPump delivers inbound binary frames to handle until the connection
// fails or the peer closes it. Presence frames over the rate limit are
// dropped; a document frame over the limit closes the connection.
func (c *Client) readPump(maxMessageSize int64, limiter *ratelimit.Limiter, handle func([]byte)) {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	violations := 0

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.log.Warn().Err(err).Msg("WebSocket error")
			}
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}

		if !limiter.Allow() {
			if isDocumentFrame(message) {
				// Document updates cannot be dropped. Closing makes the
				// client resync everything it holds when it reconnects.
				c.log.Warn().Msg("Rate limit exceeded on document update, closing connection")
				c.Close(protocol.CloseTryAgainLater, "rate limit exceeded")
				return
			}
			violations++
			if violations%violationLogEvery == 1 {
				c.log.Warn().Int("violations", violations).Msg("Rate limit exceeded")
			}
			if violations > maxViolations {
				c.log.Warn().Msg("Disconnecting client for excessive rate limit violations")
				c.Close(websocket.ClosePolicyViolation, "rate limit exceeded")
				return
			}
			continue
		}

		handle(message)
	}
}

func isDocumentFrame(frame []byte) bool {
	mt, _, err := protocol.ReadMessageType(frame)
	return err == nil && mt == protocol.MessageSync
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			code, reason := c.closeStatus()
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			w, err := c.conn.NextWriter(websocket.BinaryMessage)
			if err != nil {
				c.Close(websocket.CloseGoingAway, "write failed")
				return
			}
			w.Write(message)
			if err := w.Close(); err != nil {
				c.Close(websocket.CloseGoingAway, "write failed")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close(websocket.CloseGoingAway, "ping failed")
				return
			}
		}
	}
}
