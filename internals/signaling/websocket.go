package signaling

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	ErrClientClosed  = errors.New("client closed")
	ErrSendQueueFull = errors.New("client send queue full")
)

type ClientConfig struct {
	ReadLimit    int64
	WriteTimeout time.Duration
	PongTimeout  time.Duration
	PingInterval time.Duration
	SendQueue    int
}

// DefaultClientConfig mirrors the config package defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ReadLimit:    4096,
		WriteTimeout: 10 * time.Second,
		PongTimeout:  60 * time.Second,
		PingInterval: 54 * time.Second,
		SendQueue:    64,
	}
}

// Client is one websocket connection. It satisfies room.Observer.
type Client struct {
	id   string
	conn *websocket.Conn
	cfg  ClientConfig
	send chan []byte

	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
	logger    *zap.Logger
}

func NewClient(conn *websocket.Conn, cfg ClientConfig, logger *zap.Logger) *Client {
	def := DefaultClientConfig()
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = def.SendQueue
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = def.ReadLimit
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = def.PongTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = def.PingInterval
	}
	id := uuid.NewString()
	return &Client{
		id:     id,
		conn:   conn,
		cfg:    cfg,
		send:   make(chan []byte, cfg.SendQueue),
		done:   make(chan struct{}),
		logger: logger.With(zap.String("clientID", id)),
	}
}

func (c *Client) ID() string {
	return c.id
}

// Send queues a payload for the writer without blocking. A client whose
// queue is full is considered gone and is closed.
func (c *Client) Send(payload []byte) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	select {
	case <-c.done:
		return ErrClientClosed
	default:
	}

	select {
	case c.send <- payload:
		return nil
	default:
		c.logger.Warn("Client send queue full, closing connection",
			zap.Int("queue", cap(c.send)),
		)
		c.Close()
		return ErrSendQueueFull
	}
}

// Close signals both pumps to stop. The writer sends a close frame and
// closes the socket, which in turn ends the reader.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.done)
	})
}

// Done is closed once the client has been closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// ReadPump reads frames until the connection fails and hands each text
// frame to onMessage. It blocks, so the caller owns the goroutine.
func (c *Client) ReadPump(onMessage func([]byte)) {
	defer func() {
		c.Close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.cfg.ReadLimit)
	c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
		return nil
	})

	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				c.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}
		// Any inbound traffic proves liveness.
		c.conn.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))

		if msgType != websocket.TextMessage {
			continue
		}
		onMessage(data)
	}
}

// WritePump drains the send queue to the socket and keeps the connection
// alive with pings. It returns when the client is closed or a write fails.
func (c *Client) WritePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.Close()
		c.conn.Close()
	}()

	for {
		select {
		case payload := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.logger.Debug("Failed to write message", zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(c.cfg.WriteTimeout))
			return
		}
	}
}
