package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type brokerStub bool

func (b brokerStub) IsConnected() bool { return bool(b) }

type counterStub int

func (c counterStub) ConnectionCount() int { return int(c) }

func TestGetHealth(t *testing.T) {
	tests := []struct {
		name       string
		connected  bool
		wantStatus int
		wantBody   string
		wantBroker string
	}{
		{name: "healthy", connected: true, wantStatus: http.StatusOK, wantBody: "ok", wantBroker: "connected"},
		{name: "broker down", connected: false, wantStatus: http.StatusServiceUnavailable, wantBody: "degraded", wantBroker: "disconnected"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(brokerStub(tt.connected), counterStub(3), "relay-a")
			rec := httptest.NewRecorder()

			h.GetHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			require.Equal(t, tt.wantStatus, rec.Code)
			var body healthResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantBody, body.Status)
			assert.Equal(t, tt.wantBroker, body.RabbitMQ)
			assert.Equal(t, 3, body.Connections)
			assert.Equal(t, "relay-a", body.ServerID)
			assert.NotEmpty(t, body.Timestamp)
		})
	}
}
