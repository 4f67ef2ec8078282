package repository

import (
	"context"
	"testing"
	"time"

	"github.com/hilthontt/relay/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/integration/mtest"
)

func TestConnectionAuditLogRepository(t *testing.T) {
	mt := mtest.New(t, mtest.NewOptions().ClientType(mtest.Mock))

	mt.Run("log inserts the entry", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateSuccessResponse())
		repo := NewConnectionAuditLogRepository(mt.DB)

		err := repo.Log(context.Background(), domain.NewConnectedLog("relay-a", "u1", "c1", "s1"))
		require.NoError(mt, err)
	})

	mt.Run("get by user decodes entries", func(mt *mtest.T) {
		ns := mt.DB.Name() + ".connection_audit_logs"
		ts := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
		first := mtest.CreateCursorResponse(1, ns, mtest.FirstBatch, bson.D{
			{Key: "_id", Value: "a1"},
			{Key: "server_id", Value: "relay-a"},
			{Key: "user_id", Value: "u1"},
			{Key: "connection_id", Value: "c1"},
			{Key: "event_type", Value: "connected"},
			{Key: "timestamp", Value: ts},
		})
		done := mtest.CreateCursorResponse(0, ns, mtest.NextBatch)
		mt.AddMockResponses(first, done)

		repo := NewConnectionAuditLogRepository(mt.DB)
		logs, err := repo.GetByUserID(context.Background(), "u1", 10)
		require.NoError(mt, err)
		require.Len(mt, logs, 1)
		assert.Equal(mt, "a1", logs[0].ID)
		assert.Equal(mt, domain.EventConnected, logs[0].EventType)
		assert.True(mt, ts.Equal(logs[0].Timestamp))
	})

	mt.Run("log surfaces write errors", func(mt *mtest.T) {
		mt.AddMockResponses(mtest.CreateWriteErrorsResponse(mtest.WriteError{
			Index:   0,
			Code:    11000,
			Message: "duplicate key error",
		}))
		repo := NewConnectionAuditLogRepository(mt.DB)

		err := repo.Log(context.Background(), domain.NewConnectedLog("relay-a", "u1", "c1", "s1"))
		require.Error(mt, err)
	})
}
