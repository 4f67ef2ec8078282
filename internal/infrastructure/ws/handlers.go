package ws

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/hilthontt/relay/internal/domain"
	"github.com/hilthontt/relay/internal/infrastructure/contracts"
	"github.com/hilthontt/relay/internal/infrastructure/logging"
)

type eventHandler func(ctx context.Context, cl *Client, frame *InboundFrame)

func (c *Core) eventHandlers() map[string]eventHandler {
	return map[string]eventHandler{
		AuthVerify:           c.handleAuthVerify,
		PresenceGet:          c.handlePresenceGet,
		RoomJoin:             c.handleRoomJoin,
		RoomLeave:            c.handleRoomLeave,
		MessageSend:          c.handleMessageSend,
		MessageTypingStart:   c.handleTyping(true),
		MessageTypingStop:    c.handleTyping(false),
		NotificationMarkRead: c.handleMarkRead,
	}
}

// HandleEvent runs one client event. A panicking handler is logged and
// reported to the client; the connection stays open.
func (c *Core) HandleEvent(ctx context.Context, cl *Client, frame *InboundFrame) {
	if c.limiter != nil && !c.limiter.Allow(cl.ID) {
		cl.Send(NewError(CodeRateLimited, "Too many events"))
		return
	}

	handler, ok := c.handlers[frame.Event]
	if !ok {
		cl.Send(NewError(CodeUnknownEvent, "Unknown event: "+frame.Event))
		return
	}

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error(logging.WebSocket, logging.ClientEvt, "event handler panicked", map[logging.ExtraKey]any{
				logging.Event:        frame.Event,
				logging.ConnectionID: cl.ID,
				logging.ErrorMessage: r,
			})
			cl.Send(NewError(CodeInternal, "Internal error"))
		}
	}()

	handler(ctx, cl, frame)
}

func decodeData(frame *InboundFrame, v any) bool {
	if len(frame.Data) == 0 {
		return false
	}
	return json.Unmarshal(frame.Data, v) == nil
}

func ack(cl *Client, frame *InboundFrame, payload AckPayload) {
	if frame.AckID == nil {
		return
	}
	cl.Send(NewAck(frame.AckID, payload))
}

// fail acks the failure when the client asked for an ack and sends an error
// frame otherwise.
func fail(cl *Client, frame *InboundFrame, code, msg string) {
	if frame.AckID != nil {
		cl.Send(NewAck(frame.AckID, AckPayload{Success: false, Error: msg}))
		return
	}
	cl.Send(NewError(code, msg))
}

func (c *Core) handleAuthVerify(_ context.Context, cl *Client, frame *InboundFrame) {
	ack(cl, frame, AckPayload{Success: true, UserID: cl.UserID})
}

func (c *Core) handlePresenceGet(_ context.Context, cl *Client, frame *InboundFrame) {
	users := c.OnlineUsers()
	if frame.AckID == nil {
		cl.Send(NewFrame(PresenceGet, PresenceListPayload{Users: users}))
		return
	}
	ack(cl, frame, AckPayload{Success: true, Users: users})
}

func (c *Core) handleRoomJoin(ctx context.Context, cl *Client, frame *InboundFrame) {
	var req RoomPayload
	if !decodeData(frame, &req) {
		fail(cl, frame, CodeInvalidPayload, ErrInvalidRoomID.Error())
		return
	}
	roomID, err := validateRoomID(req.RoomID)
	if err != nil {
		fail(cl, frame, CodeForbiddenRoom, err.Error())
		return
	}

	if !c.joinRoom(ctx, roomID, cl) {
		return
	}

	c.logger.Debug(logging.WebSocket, logging.ClientEvt, "joined room", map[logging.ExtraKey]any{
		logging.ConnectionID: cl.ID,
		logging.RoomID:       roomID,
	})
	ack(cl, frame, AckPayload{Success: true, RoomID: roomID})
}

func (c *Core) handleRoomLeave(ctx context.Context, cl *Client, frame *InboundFrame) {
	var req RoomPayload
	if !decodeData(frame, &req) {
		fail(cl, frame, CodeInvalidPayload, ErrInvalidRoomID.Error())
		return
	}
	roomID, err := validateRoomID(req.RoomID)
	if err != nil {
		fail(cl, frame, CodeForbiddenRoom, err.Error())
		return
	}

	c.leaveRoom(ctx, roomID, cl)

	ack(cl, frame, AckPayload{Success: true, RoomID: roomID})
}

// validateRoomID rejects per-user rooms; those are joined by the gateway
// itself when a connection is attached.
func validateRoomID(roomID string) (string, error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return "", ErrInvalidRoomID
	}
	if strings.HasPrefix(roomID, contracts.UserRoomPrefix) {
		return "", ErrRoomNotAllowed
	}
	return roomID, nil
}

// handleMessageSend mirrors the message to local room members before
// publishing, and acks only after the publish attempt returned.
func (c *Core) handleMessageSend(ctx context.Context, cl *Client, frame *InboundFrame) {
	var req SendMessagePayload
	if !decodeData(frame, &req) {
		fail(cl, frame, CodeInvalidPayload, "Invalid message payload")
		return
	}

	msg, err := domain.NewChatMessage(req.ConversationID, cl.UserID, req.Content)
	if err != nil {
		fail(cl, frame, CodeInvalidPayload, err.Error())
		return
	}

	roomID := contracts.ConversationRoom(msg.ConversationID)
	c.emitRoom(roomID, NewFrame(MessageNew, msg), nil)

	if err := c.publisher.PublishToRoom(ctx, roomID, domain.RoomEventMessage, msg); err != nil {
		c.logger.Error(logging.RabbitMQ, logging.Publish, "failed to publish chat message", map[logging.ExtraKey]any{
			logging.RoomID:       roomID,
			logging.ConnectionID: cl.ID,
			logging.ErrorMessage: err.Error(),
		})
		fail(cl, frame, CodeInternal, "Failed to send message")
		return
	}

	ack(cl, frame, AckPayload{Success: true, MessageID: msg.ID})
}

func (c *Core) handleTyping(isTyping bool) eventHandler {
	return func(ctx context.Context, cl *Client, frame *InboundFrame) {
		var req TypingRequest
		if !decodeData(frame, &req) || strings.TrimSpace(req.ConversationID) == "" {
			fail(cl, frame, CodeInvalidPayload, domain.ErrMissingConversation.Error())
			return
		}

		payload := domain.TypingPayload{
			ConversationID: req.ConversationID,
			UserID:         cl.UserID,
			IsTyping:       isTyping,
		}
		roomID := contracts.ConversationRoom(req.ConversationID)
		c.emitRoom(roomID, NewFrame(MessageTyping, payload), func(member *Client) bool {
			return member.ID == cl.ID
		})

		if err := c.publisher.PublishToRoom(ctx, roomID, domain.RoomEventTyping, payload); err != nil {
			c.logger.Warn(logging.RabbitMQ, logging.Publish, "failed to publish typing event", map[logging.ExtraKey]any{
				logging.RoomID:       roomID,
				logging.ErrorMessage: err.Error(),
			})
		}
		ack(cl, frame, AckPayload{Success: true})
	}
}

func (c *Core) handleMarkRead(_ context.Context, cl *Client, frame *InboundFrame) {
	var req MarkReadPayload
	if !decodeData(frame, &req) || req.NotificationID == "" {
		fail(cl, frame, CodeInvalidPayload, "notificationId is required")
		return
	}

	cl.Send(NewFrame(NotificationRead, map[string]any{
		"notificationId": req.NotificationID,
		"readAt":         time.Now().UTC().Format(time.RFC3339),
	}))
	ack(cl, frame, AckPayload{Success: true})
}
