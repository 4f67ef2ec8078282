package health

import (
	"net/http"
	"time"

	"github.com/hilthontt/relay/internal/infrastructure/json"
)

type BrokerStatus interface {
	IsConnected() bool
}

type ConnectionCounter interface {
	ConnectionCount() int
}

type Handler struct {
	broker    BrokerStatus
	gateway   ConnectionCounter
	serverID  string
	startTime time.Time
}

func NewHandler(broker BrokerStatus, gateway ConnectionCounter, serverID string) *Handler {
	return &Handler{
		broker:    broker,
		gateway:   gateway,
		serverID:  serverID,
		startTime: time.Now(),
	}
}

// GetHealth reports 503 with status "degraded" while the broker is down.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:      "ok",
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		Connections: h.gateway.ConnectionCount(),
		RabbitMQ:    "connected",
		ServerID:    h.serverID,
		Uptime:      time.Since(h.startTime).Round(time.Second).String(),
	}

	if !h.broker.IsConnected() {
		resp.Status = "degraded"
		resp.RabbitMQ = "disconnected"
		json.Write(w, http.StatusServiceUnavailable, resp)
		return
	}

	json.Write(w, http.StatusOK, resp)
}
