package admin

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hilthontt/relay/internal/infrastructure/json"
	"github.com/hilthontt/relay/internal/infrastructure/logging"
	"github.com/hilthontt/relay/internal/infrastructure/ws"
)

const maxBodyBytes = 64 * 1024

type SessionCache interface {
	Invalidate(token string)
	Clear()
}

type Presence interface {
	ServerID() string
	OnlineUsers() []string
	ConnectionCount() int
}

// Handler serves the internal endpoints other backend services call.
type Handler struct {
	emitter  ws.Emitter
	presence Presence
	sessions SessionCache
	logger   logging.Logger
}

func NewHandler(emitter ws.Emitter, presence Presence, sessions SessionCache, logger logging.Logger) *Handler {
	return &Handler{
		emitter:  emitter,
		presence: presence,
		sessions: sessions,
		logger:   logger,
	}
}

func (h *Handler) EmitToUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	h.emit(w, r, func(ctx context.Context, req emitRequest) error {
		return h.emitter.EmitToUser(ctx, userID, req.Event, req.Data)
	})
}

func (h *Handler) EmitToRoom(w http.ResponseWriter, r *http.Request) {
	roomID := chi.URLParam(r, "roomId")
	h.emit(w, r, func(ctx context.Context, req emitRequest) error {
		return h.emitter.EmitToRoom(ctx, roomID, req.Event, req.Data)
	})
}

func (h *Handler) emit(w http.ResponseWriter, r *http.Request, send func(context.Context, emitRequest) error) {
	var req emitRequest
	if err := json.Read(w, r, maxBodyBytes, &req); err != nil {
		json.WriteBadRequestError(w, "invalid request body")
		return
	}
	if req.Event == "" {
		json.WriteBadRequestError(w, "event is required")
		return
	}

	h.respond(w, send(r.Context(), req))
}

func (h *Handler) Announce(w http.ResponseWriter, r *http.Request) {
	var req announceRequest
	if err := json.Read(w, r, maxBodyBytes, &req); err != nil || len(req.Data) == 0 {
		json.WriteBadRequestError(w, "data is required")
		return
	}

	h.respond(w, h.emitter.Announce(r.Context(), req.Data))
}

// respond maps emit errors: local delivery already happened when only the
// publish failed, so that case is still accepted.
func (h *Handler) respond(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		json.Write(w, http.StatusAccepted, emitResponse{Published: true})
	case errors.Is(err, ws.ErrPublishFailed):
		h.logger.Warn(logging.RabbitMQ, logging.Publish, "internal emit not published", map[logging.ExtraKey]any{
			logging.ErrorMessage: err.Error(),
		})
		json.Write(w, http.StatusAccepted, emitResponse{Published: false, Error: "published locally only"})
	case errors.Is(err, ws.ErrUnroutableEvent),
		errors.Is(err, ws.ErrInvalidRoomID),
		errors.Is(err, ws.ErrMissingRecipient):
		json.WriteBadRequestError(w, err.Error())
	default:
		h.logger.Error(logging.Internal, logging.Publish, "internal emit failed", map[logging.ExtraKey]any{
			logging.ErrorMessage: err.Error(),
		})
		json.WriteInternalError(w)
	}
}

func (h *Handler) ClearSessions(w http.ResponseWriter, r *http.Request) {
	h.sessions.Clear()
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) InvalidateSession(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if token == "" {
		json.WriteBadRequestError(w, "token is required")
		return
	}
	h.sessions.Invalidate(token)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) GetPresence(w http.ResponseWriter, r *http.Request) {
	json.Write(w, http.StatusOK, presenceResponse{
		ServerID:    h.presence.ServerID(),
		Users:       h.presence.OnlineUsers(),
		Connections: h.presence.ConnectionCount(),
	})
}
