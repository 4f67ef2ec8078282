package realtime

import (
	"context"
	"net/http"
	"slices"

	"github.com/gorilla/websocket"
	"github.com/hilthontt/relay/internal/domain"
	"github.com/hilthontt/relay/internal/infrastructure/configs"
	"github.com/hilthontt/relay/internal/infrastructure/json"
	"github.com/hilthontt/relay/internal/infrastructure/logging"
	"github.com/hilthontt/relay/internal/infrastructure/metrics"
	"github.com/hilthontt/relay/internal/infrastructure/ws"
	"github.com/hilthontt/relay/internal/presentation/utils"
)

// Handshake rejection reasons, used as metric labels and in audit entries.
const (
	reasonMissingToken   = "missing_token"
	reasonInvalidSession = "invalid_session"
	reasonValidatorError = "validator_error"
)

type SessionValidator interface {
	Validate(ctx context.Context, token string) (*domain.Session, error)
}

type Gateway interface {
	Serve(ctx context.Context, cl *ws.Client) error
	ServerID() string
}

type Handler struct {
	validator  SessionValidator
	gateway    Gateway
	upgrader   websocket.Upgrader
	cookieName string
	clientCfg  ws.ClientConfig
	audit      ws.AuditTrail
	logger     logging.Logger
	metrics    *metrics.Metrics
}

func NewHandler(
	cfg configs.RealtimeConfig,
	validator SessionValidator,
	gateway Gateway,
	audit ws.AuditTrail,
	logger logging.Logger,
	m *metrics.Metrics,
) *Handler {
	return &Handler{
		validator:  validator,
		gateway:    gateway,
		cookieName: cfg.SessionCookie,
		clientCfg:  ws.NewClientConfig(cfg),
		audit:      audit,
		logger:     logger,
		metrics:    m,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin(cfg.AllowedOrigins),
		},
	}
}

// checkOrigin allows every origin when none are configured.
func checkOrigin(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		if len(allowed) == 0 || slices.Contains(allowed, "*") {
			return true
		}
		origin := r.Header.Get("Origin")
		return origin == "" || slices.Contains(allowed, origin)
	}
}

// Connect authenticates the handshake before upgrading. Nothing is
// registered for a rejected handshake.
func (h *Handler) Connect(w http.ResponseWriter, r *http.Request) {
	token := utils.SessionToken(r, h.cookieName)
	if token == "" {
		h.reject(w, r, reasonMissingToken, "Authentication required")
		return
	}

	sess, err := h.validator.Validate(r.Context(), token)
	if err != nil {
		h.logger.Error(logging.Session, logging.Handshake, "session validation failed", map[logging.ExtraKey]any{
			logging.ClientIp:     r.RemoteAddr,
			logging.ErrorMessage: err.Error(),
		})
		h.reject(w, r, reasonValidatorError, "Authentication failed")
		return
	}
	if !sess.Valid() {
		h.reject(w, r, reasonInvalidSession, "Invalid session")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader already wrote the HTTP error.
		h.logger.Warn(logging.WebSocket, logging.Handshake, "websocket upgrade failed", map[logging.ExtraKey]any{
			logging.UserID:       sess.UserID,
			logging.ErrorMessage: err.Error(),
		})
		return
	}

	cl := ws.NewClient(conn, sess.UserID, sess.SessionID, h.clientCfg)
	if err := h.gateway.Serve(r.Context(), cl); err != nil {
		h.logger.Warn(logging.WebSocket, logging.Lifecycle, "connection refused", map[logging.ExtraKey]any{
			logging.UserID:       sess.UserID,
			logging.ErrorMessage: err.Error(),
		})
	}
}

func (h *Handler) reject(w http.ResponseWriter, r *http.Request, reason, msg string) {
	if h.metrics != nil {
		h.metrics.HandshakeFailures.WithLabelValues(reason).Inc()
	}
	if h.audit != nil {
		h.audit.Record(domain.NewAuthRejectedLog(h.gateway.ServerID(), reason, r.RemoteAddr))
	}
	h.logger.Debug(logging.WebSocket, logging.Handshake, "handshake rejected", map[logging.ExtraKey]any{
		logging.ClientIp: r.RemoteAddr,
		"Reason":         reason,
	})
	json.WriteUnauthorizedError(w, msg)
}
