package ws

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hilthontt/relay/internal/domain"
	"github.com/hilthontt/relay/internal/infrastructure/contracts"
	"github.com/hilthontt/relay/internal/infrastructure/logging"
	"github.com/hilthontt/relay/internal/infrastructure/metrics"
	"github.com/hilthontt/relay/internal/infrastructure/ratelimiter"
	"github.com/hilthontt/relay/internal/infrastructure/registry"
	"github.com/hilthontt/relay/internal/infrastructure/tracing"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrShuttingDown     = errors.New("realtime gateway is shutting down")
	ErrUnroutableEvent  = errors.New("event cannot be routed across processes")
	ErrPublishFailed    = errors.New("emitted locally but publish failed")
	ErrRoomNotAllowed   = errors.New("room cannot be joined by clients")
	ErrInvalidRoomID    = errors.New("room id is required")
	ErrMissingRecipient = errors.New("recipient is required")
)

// Binder manages the broker bindings of this process.
type Binder interface {
	BindUser(ctx context.Context, userID string) error
	UnbindUser(ctx context.Context, userID string) error
	BindRoom(ctx context.Context, roomID string) error
	UnbindRoom(ctx context.Context, roomID string) error
}

// Publisher is satisfied by *events.EnvelopePublisher.
type Publisher interface {
	ServerID() string
	PublishToUser(ctx context.Context, userID string, msgType domain.UserMessageType, payload any) error
	PublishToRoom(ctx context.Context, roomID string, eventType domain.RoomEventType, data any) error
	PublishPresence(ctx context.Context, userID string, action domain.PresenceAction) error
	PublishAnnouncement(ctx context.Context, payload any) error
}

// AuditTrail records connection lifecycle entries. Record must not block.
type AuditTrail interface {
	Record(log *domain.ConnectionAuditLog)
}

// Emitter is the outbound handle handed to collaborators such as the
// internal HTTP endpoints.
type Emitter interface {
	EmitToUser(ctx context.Context, userID, event string, data any) error
	EmitToRoom(ctx context.Context, roomID, event string, data any) error
	BroadcastPresence(ctx context.Context, userID string, online bool) error
	Announce(ctx context.Context, payload any) error
}

type Deps struct {
	Publisher Publisher
	Binder    Binder
	Registry  *registry.Registry
	Limiter   ratelimiter.Limiter
	Audit     AuditTrail
	Logger    logging.Logger
	Metrics   *metrics.Metrics
}

// Core is the realtime gateway of one process. All methods are safe for
// concurrent use.
type Core struct {
	serverID  string
	publisher Publisher
	binder    Binder
	registry  *registry.Registry
	rooms     *RoomManager
	limiter   ratelimiter.Limiter
	audit     AuditTrail
	logger    logging.Logger
	metrics   *metrics.Metrics
	tracer    trace.Tracer
	handlers  map[string]eventHandler

	// First/last transitions and the broker call that follows them run
	// under the key's lock.
	userLocks *keyedLock
	roomLocks *keyedLock

	clients  map[string]*Client
	mu       sync.RWMutex
	shutdown atomic.Bool
}

var _ Emitter = (*Core)(nil)

func NewCore(deps Deps) *Core {
	c := &Core{
		serverID:  deps.Publisher.ServerID(),
		publisher: deps.Publisher,
		binder:    deps.Binder,
		registry:  deps.Registry,
		rooms:     NewRoomManager(),
		limiter:   deps.Limiter,
		audit:     deps.Audit,
		logger:    deps.Logger,
		metrics:   deps.Metrics,
		tracer:    tracing.GetTracer(tracing.TracerName),
		userLocks: newKeyedLock(),
		roomLocks: newKeyedLock(),
		clients:   make(map[string]*Client),
	}
	if c.registry == nil {
		c.registry = registry.New()
	}
	if c.logger == nil {
		c.logger = logging.NewNopLogger()
	}
	if c.audit == nil {
		c.audit = nopAudit{}
	}
	c.handlers = c.eventHandlers()
	return c
}

func (c *Core) ServerID() string {
	return c.serverID
}

func (c *Core) Rooms() *RoomManager {
	return c.rooms
}

// Serve attaches the client and blocks until its connection ends.
func (c *Core) Serve(ctx context.Context, cl *Client) error {
	if err := c.Attach(ctx, cl); err != nil {
		cl.Close()
		return err
	}
	defer c.Detach(context.WithoutCancel(ctx), cl)

	go cl.writePump()
	cl.readPump(ctx, c)
	return nil
}

// Attach moves an authenticated client to Active.
func (c *Core) Attach(ctx context.Context, cl *Client) error {
	if c.shutdown.Load() {
		return ErrShuttingDown
	}

	unlock := c.userLocks.Lock(cl.UserID)
	defer unlock()

	first, err := c.registry.Add(registry.Entry{
		ConnectionID: cl.ID,
		UserID:       cl.UserID,
		SessionID:    cl.SessionID,
		ConnectedAt:  cl.ConnectedAt,
	})
	if err != nil {
		return fmt.Errorf("register connection: %w", err)
	}

	c.mu.Lock()
	if c.shutdown.Load() {
		c.mu.Unlock()
		c.registry.Remove(cl.ID)
		return ErrShuttingDown
	}
	c.clients[cl.ID] = cl
	c.mu.Unlock()
	c.updateGauges()

	c.rooms.Join(contracts.UserRoom(cl.UserID), cl)
	if err := c.binder.BindUser(ctx, cl.UserID); err != nil {
		c.logger.Warn(logging.RabbitMQ, logging.Topology, "failed to bind user", map[logging.ExtraKey]any{
			logging.UserID:       cl.UserID,
			logging.ErrorMessage: err.Error(),
		})
	}

	cl.Send(NewConnectionSuccess(cl.UserID, cl.SessionID, c.serverID))

	if first {
		if err := c.BroadcastPresence(ctx, cl.UserID, true); err != nil {
			c.logPublishError("presence online", cl.UserID, err)
		}
	}

	cl.setState(StateActive)
	c.audit.Record(domain.NewConnectedLog(c.serverID, cl.UserID, cl.ID, cl.SessionID))
	c.logger.Info(logging.WebSocket, logging.Lifecycle, "client connected", map[logging.ExtraKey]any{
		logging.UserID:       cl.UserID,
		logging.ConnectionID: cl.ID,
	})

	return nil
}

// Detach cleans up after a connection. Abrupt and graceful disconnects take
// the same path; only the first call has any effect.
func (c *Core) Detach(ctx context.Context, cl *Client) {
	cl.Close()

	unlock := c.userLocks.Lock(cl.UserID)
	defer unlock()

	entry, last, removed := c.registry.Remove(cl.ID)
	if !removed {
		return
	}

	c.mu.Lock()
	delete(c.clients, cl.ID)
	c.mu.Unlock()
	c.updateGauges()

	for _, roomID := range cl.Rooms() {
		c.leaveRoom(ctx, roomID, cl)
	}

	if c.limiter != nil {
		c.limiter.Forget(cl.ID)
	}

	if last {
		if err := c.binder.UnbindUser(ctx, entry.UserID); err != nil {
			c.logger.Warn(logging.RabbitMQ, logging.Topology, "failed to unbind user", map[logging.ExtraKey]any{
				logging.UserID:       entry.UserID,
				logging.ErrorMessage: err.Error(),
			})
		}
		if err := c.BroadcastPresence(ctx, entry.UserID, false); err != nil {
			c.logPublishError("presence offline", entry.UserID, err)
		}
	}

	c.audit.Record(domain.NewDisconnectedLog(c.serverID, entry.UserID, cl.ID, time.Since(entry.ConnectedAt), last))
	c.logger.Info(logging.WebSocket, logging.Lifecycle, "client disconnected", map[logging.ExtraKey]any{
		logging.UserID:       entry.UserID,
		logging.ConnectionID: cl.ID,
	})
}

// OnlineUsers lists users with at least one connection to this process.
func (c *Core) OnlineUsers() []string {
	return c.registry.OnlineUsers()
}

func (c *Core) ConnectionCount() int {
	return c.registry.ConnectionCount()
}

func (c *Core) UserCount() int {
	return c.registry.UserCount()
}

// Shutdown refuses new clients and detaches every connected one.
func (c *Core) Shutdown(ctx context.Context) {
	if !c.shutdown.CompareAndSwap(false, true) {
		return
	}

	for _, cl := range c.snapshot() {
		c.Detach(ctx, cl)
	}

	c.logger.Info(logging.WebSocket, logging.Shutdown, "realtime gateway stopped", nil)
}

func (c *Core) snapshot() []*Client {
	c.mu.RLock()
	defer c.mu.RUnlock()

	clients := make([]*Client, 0, len(c.clients))
	for _, cl := range c.clients {
		clients = append(clients, cl)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].ID < clients[j].ID })
	return clients
}

// emitAll enqueues the frame for every local connection.
func (c *Core) emitAll(frame *OutboundFrame) int {
	data, err := frame.Encode()
	if err != nil {
		return 0
	}
	delivered := 0
	for _, cl := range c.snapshot() {
		if cl.SendRaw(data) {
			delivered++
		}
	}
	return delivered
}

func (c *Core) emitRoom(roomID string, frame *OutboundFrame, skip func(*Client) bool) int {
	data, err := frame.Encode()
	if err != nil {
		return 0
	}
	return c.rooms.Broadcast(roomID, data, skip)
}

// joinRoom reports false when cl closed before the join could stick.
func (c *Core) joinRoom(ctx context.Context, roomID string, cl *Client) bool {
	unlock := c.roomLocks.Lock(roomID)
	defer unlock()

	if cl.IsClosed() {
		return false
	}
	if first := c.rooms.Join(roomID, cl); first && contracts.IsConversationRoom(roomID) {
		c.bindRoom(ctx, roomID)
	}

	// Detach may have listed the client's rooms before this join landed.
	if cl.IsClosed() {
		c.leaveRoomLocked(ctx, roomID, cl)
		return false
	}
	return true
}

func (c *Core) leaveRoom(ctx context.Context, roomID string, cl *Client) {
	unlock := c.roomLocks.Lock(roomID)
	defer unlock()
	c.leaveRoomLocked(ctx, roomID, cl)
}

func (c *Core) leaveRoomLocked(ctx context.Context, roomID string, cl *Client) {
	if wasMember, last := c.rooms.Leave(roomID, cl); wasMember && last && contracts.IsConversationRoom(roomID) {
		c.unbindRoom(ctx, roomID)
	}
}

func (c *Core) bindRoom(ctx context.Context, roomID string) {
	if err := c.binder.BindRoom(ctx, roomID); err != nil {
		c.logger.Warn(logging.RabbitMQ, logging.Topology, "failed to bind room", map[logging.ExtraKey]any{
			logging.RoomID:       roomID,
			logging.ErrorMessage: err.Error(),
		})
	}
}

func (c *Core) unbindRoom(ctx context.Context, roomID string) {
	if err := c.binder.UnbindRoom(ctx, roomID); err != nil {
		c.logger.Warn(logging.RabbitMQ, logging.Topology, "failed to unbind room", map[logging.ExtraKey]any{
			logging.RoomID:       roomID,
			logging.ErrorMessage: err.Error(),
		})
	}
}

func (c *Core) updateGauges() {
	if c.metrics == nil {
		return
	}
	c.metrics.ActiveConnections.Set(float64(c.registry.ConnectionCount()))
	c.metrics.ConnectedUsers.Set(float64(c.registry.UserCount()))
}

func (c *Core) logPublishError(what, target string, err error) {
	c.logger.Error(logging.RabbitMQ, logging.Publish, "failed to publish "+what, map[logging.ExtraKey]any{
		logging.UserID:       target,
		logging.ErrorMessage: err.Error(),
	})
}

func (c *Core) logReadError(cl *Client, err error) {
	c.logger.Warn(logging.WebSocket, logging.Lifecycle, "websocket read error", map[logging.ExtraKey]any{
		logging.ConnectionID: cl.ID,
		logging.UserID:       cl.UserID,
		logging.ErrorMessage: err.Error(),
	})
}

type nopAudit struct{}

func (nopAudit) Record(*domain.ConnectionAuditLog) {}
