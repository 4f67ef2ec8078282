package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/hilthontt/relay/internal/infrastructure/configs"
)

type ConnState int32

const (
	StateConnecting ConnState = iota
	StateAuthenticating
	StateAuthenticated
	StateActive
	StateDisconnected
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

type ClientConfig struct {
	MaxMessageSize int64
	SendBuffer     int
	WriteWait      time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		MaxMessageSize: 32 * 1024,
		SendBuffer:     256,
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		PingPeriod:     54 * time.Second,
	}
}

// NewClientConfig derives the transport settings; the ping period stays
// below the pong wait.
func NewClientConfig(cfg configs.RealtimeConfig) ClientConfig {
	out := DefaultClientConfig()
	if cfg.MaxMessageSize > 0 {
		out.MaxMessageSize = cfg.MaxMessageSize
	}
	if cfg.SendBuffer > 0 {
		out.SendBuffer = cfg.SendBuffer
	}
	if cfg.WriteWait > 0 {
		out.WriteWait = cfg.WriteWait
	}
	if cfg.PongWait > 0 {
		out.PongWait = cfg.PongWait
		out.PingPeriod = cfg.PongWait * 9 / 10
	}
	return out
}

// Client is one authenticated WebSocket connection.
type Client struct {
	conn        *connWrapper
	send        chan []byte
	cfg         ClientConfig
	ID          string
	UserID      string
	SessionID   string
	ConnectedAt time.Time

	rooms mapset.Set[string]
	state atomic.Int32

	closeOnce sync.Once
	closed    chan struct{}
}

// NewClient is only called once the session has been validated.
func NewClient(conn Conn, userID, sessionID string, cfg ClientConfig) *Client {
	c := &Client{
		conn:        newConnWrapper(conn),
		send:        make(chan []byte, cfg.SendBuffer),
		cfg:         cfg,
		ID:          uuid.NewString(),
		UserID:      userID,
		SessionID:   sessionID,
		ConnectedAt: time.Now(),
		rooms:       mapset.NewSet[string](),
		closed:      make(chan struct{}),
	}
	c.state.Store(int32(StateAuthenticated))
	return c
}

func (c *Client) State() ConnState {
	return ConnState(c.state.Load())
}

func (c *Client) setState(s ConnState) {
	c.state.Store(int32(s))
}

// Rooms returns the rooms this connection has joined, including its
// per-user room.
func (c *Client) Rooms() []string {
	return c.rooms.ToSlice()
}

func (c *Client) InRoom(roomID string) bool {
	return c.rooms.Contains(roomID)
}

// Send encodes and enqueues a frame. It reports false when the client is
// closed or its buffer is full; the frame is dropped for this client only.
func (c *Client) Send(frame *OutboundFrame) bool {
	data, err := frame.Encode()
	if err != nil {
		return false
	}
	return c.SendRaw(data)
}

// SendRaw never blocks. The send channel is never closed, so a late send
// after Close cannot panic.
func (c *Client) SendRaw(data []byte) bool {
	if c.IsClosed() {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.setState(StateDisconnected)
		_ = c.conn.Close()
	})
}

func (c *Client) IsClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// Done is closed once the client is closed.
func (c *Client) Done() <-chan struct{} {
	return c.closed
}

// readPump runs event handlers synchronously so per-connection order holds.
func (c *Client) readPump(ctx context.Context, core *Core) {
	defer c.Close()

	raw := c.conn.conn
	raw.SetReadLimit(c.cfg.MaxMessageSize)
	_ = raw.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	raw.SetPongHandler(func(string) error {
		return raw.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	})

	for {
		_, data, err := raw.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) &&
				!errors.Is(err, websocket.ErrReadLimit) {
				core.logReadError(c, err)
			}
			return
		}
		if len(data) == 0 {
			continue
		}

		var frame InboundFrame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Event == "" {
			c.Send(NewError(CodeInvalidPayload, "Invalid frame"))
			continue
		}

		core.HandleEvent(ctx, c, &frame)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case data := <-c.send:
			if err := c.conn.write(websocket.TextMessage, data, c.cfg.WriteWait); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.write(websocket.PingMessage, nil, c.cfg.WriteWait); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}
