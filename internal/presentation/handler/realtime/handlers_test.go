package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hilthontt/relay/internal/domain"
	"github.com/hilthontt/relay/internal/infrastructure/configs"
	"github.com/hilthontt/relay/internal/infrastructure/logging"
	"github.com/hilthontt/relay/internal/infrastructure/metrics"
	"github.com/hilthontt/relay/internal/infrastructure/ws"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type validatorStub struct {
	sessions map[string]*domain.Session
	err      error
}

func (v validatorStub) Validate(_ context.Context, token string) (*domain.Session, error) {
	if v.err != nil {
		return nil, v.err
	}
	return v.sessions[token], nil
}

type gatewayStub struct {
	mu      sync.Mutex
	clients []*ws.Client
	served  chan struct{}
}

func (g *gatewayStub) ServerID() string { return "relay-a" }

func (g *gatewayStub) Serve(_ context.Context, cl *ws.Client) error {
	g.mu.Lock()
	g.clients = append(g.clients, cl)
	g.mu.Unlock()
	cl.Close()
	close(g.served)
	return nil
}

type auditStub struct {
	mu   sync.Mutex
	logs []*domain.ConnectionAuditLog
}

func (a *auditStub) Record(log *domain.ConnectionAuditLog) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, log)
}

func newTestHandler(v SessionValidator) (*Handler, *gatewayStub, *auditStub, *metrics.Metrics) {
	gw := &gatewayStub{served: make(chan struct{})}
	audit := &auditStub{}
	m := metrics.New()
	cfg := configs.RealtimeConfig{SessionCookie: "session-token"}
	return NewHandler(cfg, v, gw, audit, logging.NewNopLogger(), m), gw, audit, m
}

func TestConnectRejections(t *testing.T) {
	tests := []struct {
		name      string
		validator validatorStub
		token     string
		wantError string
		reason    string
	}{
		{name: "no token", wantError: "Authentication required", reason: reasonMissingToken},
		{name: "unknown session", token: "nope", wantError: "Invalid session", reason: reasonInvalidSession},
		{name: "validator down", token: "t1", validator: validatorStub{err: errors.New("timeout")}, wantError: "Authentication failed", reason: reasonValidatorError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, gw, audit, m := newTestHandler(tt.validator)

			target := "/ws"
			if tt.token != "" {
				target += "?token=" + tt.token
			}
			rec := httptest.NewRecorder()
			h.Connect(rec, httptest.NewRequest(http.MethodGet, target, nil))

			require.Equal(t, http.StatusUnauthorized, rec.Code)
			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantError, body["error"])

			assert.Empty(t, gw.clients)
			require.Len(t, audit.logs, 1)
			assert.Equal(t, domain.EventAuthRejected, audit.logs[0].EventType)
			assert.Equal(t, 1.0, testutil.ToFloat64(m.HandshakeFailures.WithLabelValues(tt.reason)))
		})
	}
}

func TestConnectUpgradesValidSession(t *testing.T) {
	v := validatorStub{sessions: map[string]*domain.Session{
		"good": {UserID: "u1", SessionID: "s1"},
	}}
	h, gw, _, _ := newTestHandler(v)

	srv := httptest.NewServer(http.HandlerFunc(h.Connect))
	defer srv.Close()

	header := http.Header{}
	header.Add("Cookie", "session-token=good")
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)

	select {
	case <-gw.served:
	case <-time.After(2 * time.Second):
		t.Fatal("gateway never received the client")
	}

	gw.mu.Lock()
	defer gw.mu.Unlock()
	require.Len(t, gw.clients, 1)
	assert.Equal(t, "u1", gw.clients[0].UserID)
	assert.Equal(t, "s1", gw.clients[0].SessionID)
}

func TestCheckOrigin(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.Header.Set("Origin", "https://app.example.com")

	assert.True(t, checkOrigin(nil)(r))
	assert.True(t, checkOrigin([]string{"https://app.example.com"})(r))
	assert.False(t, checkOrigin([]string{"https://other.example.com"})(r))
	assert.True(t, checkOrigin([]string{"*"})(r))
}
