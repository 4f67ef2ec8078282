package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type ConnectionEventType string

const (
	EventConnected    ConnectionEventType = "connected"
	EventDisconnected ConnectionEventType = "disconnected"
	EventAuthRejected ConnectionEventType = "auth_rejected"
)

type ConnectionAuditLog struct {
	ID           string              `bson:"_id" json:"id"`
	ServerID     string              `bson:"server_id" json:"serverId"`
	UserID       string              `bson:"user_id,omitempty" json:"userId,omitempty"`
	ConnectionID string              `bson:"connection_id,omitempty" json:"connectionId,omitempty"`
	EventType    ConnectionEventType `bson:"event_type" json:"eventType"`
	Timestamp    time.Time           `bson:"timestamp" json:"timestamp"`
	Metadata     map[string]any      `bson:"metadata,omitempty" json:"metadata,omitempty"`
}

type ConnectionAuditRepository interface {
	Log(ctx context.Context, log *ConnectionAuditLog) error
	GetByUserID(ctx context.Context, userID string, limit int) ([]ConnectionAuditLog, error)
	GetByEventType(ctx context.Context, eventType ConnectionEventType, from, to time.Time) ([]ConnectionAuditLog, error)
	DeleteOlderThan(ctx context.Context, before time.Time) error
	EnsureIndexes(ctx context.Context) error
}

func NewConnectedLog(serverID, userID, connectionID, sessionID string) *ConnectionAuditLog {
	return &ConnectionAuditLog{
		ID:           uuid.NewString(),
		ServerID:     serverID,
		UserID:       userID,
		ConnectionID: connectionID,
		EventType:    EventConnected,
		Timestamp:    time.Now().UTC(),
		Metadata: map[string]any{
			"session_id": sessionID,
		},
	}
}

func NewDisconnectedLog(serverID, userID, connectionID string, duration time.Duration, lastForUser bool) *ConnectionAuditLog {
	return &ConnectionAuditLog{
		ID:           uuid.NewString(),
		ServerID:     serverID,
		UserID:       userID,
		ConnectionID: connectionID,
		EventType:    EventDisconnected,
		Timestamp:    time.Now().UTC(),
		Metadata: map[string]any{
			"duration_seconds": duration.Seconds(),
			"last_for_user":    lastForUser,
		},
	}
}

// NewAuthRejectedLog records a refused handshake. No user is known yet.
func NewAuthRejectedLog(serverID, reason, remoteAddr string) *ConnectionAuditLog {
	return &ConnectionAuditLog{
		ID:        uuid.NewString(),
		ServerID:  serverID,
		EventType: EventAuthRejected,
		Timestamp: time.Now().UTC(),
		Metadata: map[string]any{
			"reason":      reason,
			"remote_addr": remoteAddr,
		},
	}
}
