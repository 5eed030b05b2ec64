package websocket

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// Maximum message size allowed from the server. Queue snapshots can be large.
	maxMessageSize = 1 << 20

	// Outbound frames buffered before Send starts refusing
	sendBufferSize = 256
)

// Conn is the subset of *websocket.Conn the client relies on.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer opens a channel connection.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// GorillaDialer dials with gorilla/websocket.
type GorillaDialer struct {
	Dialer *websocket.Dialer
	Header http.Header
}

func (d GorillaDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, resp, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%w (status %d)", err, resp.StatusCode)
		}
		return nil, err
	}
	conn.SetReadLimit(maxMessageSize)
	return conn, nil
}

// Client owns one live connection: a read pump delivering inbound frames in
// arrival order and a write pump draining the send buffer.
type Client struct {
	id        string
	conn      Conn
	send      chan []byte
	writeWait time.Duration
	logger    *slog.Logger

	onMessage func(c *Client, data []byte)
	onClose   func(c *Client, code int, err error)

	// Connection state management
	ctx       context.Context
	cancel    context.CancelFunc
	closed    int32 // atomic flag, set once by shutdown or terminate
	closeCode int32 // close frame code sent by the write pump, 0 for none

	wg sync.WaitGroup
}

func newClient(conn Conn, writeWait time.Duration, logger *slog.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())

	return &Client{
		id:        uuid.New().String(),
		conn:      conn,
		send:      make(chan []byte, sendBufferSize),
		writeWait: writeWait,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (c *Client) GetID() string {
	return c.id
}

// start launches both pumps
func (c *Client) start() {
	c.wg.Add(2)
	go c.writePump()
	go c.readPump()
}

// isClosed returns true if the client is closed
func (c *Client) isClosed() bool {
	return atomic.LoadInt32(&c.closed) == 1
}

// shutdown asks the write pump to send a close frame with code and then
// release the connection.
func (c *Client) shutdown(code int) {
	if atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		atomic.StoreInt32(&c.closeCode, int32(code))
		c.cancel()
		c.logger.Debug("Client shutting down", "clientID", c.id, "code", code)
	}
}

// terminate drops the connection without a close handshake.
func (c *Client) terminate() {
	if atomic.CompareAndSwapInt32(&c.closed, 0, 1) {
		c.cancel()
		if err := c.conn.Close(); err != nil {
			c.logger.Debug("Error closing connection", "clientID", c.id, "error", err)
		}
		c.logger.Debug("Client terminated", "clientID", c.id)
	}
}

// enqueue hands an encoded frame to the write pump.
func (c *Client) enqueue(data []byte) error {
	if c.isClosed() {
		return ErrNotConnected
	}

	select {
	case c.send <- data:
		return nil
	default:
		c.logger.Warn("Send buffer full, dropping frame", "clientID", c.id)
		return ErrSendBufferFull
	}
}

func (c *Client) readPump() {
	defer c.wg.Done()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			code := CloseCode(err)
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !c.isClosed() {
				c.logger.Warn("WebSocket error", "clientID", c.id, "code", code, "error", err)
			} else {
				c.logger.Debug("WebSocket connection closed", "clientID", c.id, "code", code, "error", err)
			}
			c.terminate()
			if c.onClose != nil {
				c.onClose(c, code, err)
			}
			return
		}

		if c.onMessage != nil {
			c.onMessage(c, data)
		}
	}
}

func (c *Client) writePump() {
	defer c.wg.Done()

	for {
		select {
		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data); err != nil {
				c.logger.Debug("Write failed", "clientID", c.id, "error", err)
				c.terminate()
				return
			}

		case <-c.ctx.Done():
			if code := int(atomic.LoadInt32(&c.closeCode)); code != 0 {
				msg := websocket.FormatCloseMessage(code, "")
				if err := c.write(websocket.CloseMessage, msg); err != nil {
					c.logger.Debug("Error sending close frame", "clientID", c.id, "error", err)
				}
			}
			if err := c.conn.Close(); err != nil {
				c.logger.Debug("Error closing connection", "clientID", c.id, "error", err)
			}
			return
		}
	}
}

func (c *Client) write(messageType int, data []byte) error {
	if c.writeWait > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeWait)); err != nil {
			return err
		}
	}
	return c.conn.WriteMessage(messageType, data)
}
