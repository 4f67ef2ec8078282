package repository

import (
	"context"
	"time"

	"github.com/hilthontt/relay/internal/domain"
	"github.com/hilthontt/relay/internal/persistence/db"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// auditRetention is how long the TTL index keeps entries.
const auditRetention = 30 * 24 * time.Hour

type connectionAuditLogRepository struct {
	collection *mongo.Collection
}

func NewConnectionAuditLogRepository(database *mongo.Database) domain.ConnectionAuditRepository {
	return &connectionAuditLogRepository{
		collection: database.Collection(db.ConnectionAuditLogsCollection),
	}
}

func (r *connectionAuditLogRepository) Log(ctx context.Context, log *domain.ConnectionAuditLog) error {
	_, err := r.collection.InsertOne(ctx, log)
	return err
}

func (r *connectionAuditLogRepository) GetByUserID(ctx context.Context, userID string, limit int) ([]domain.ConnectionAuditLog, error) {
	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	return r.find(ctx, bson.M{"user_id": userID}, opts)
}

func (r *connectionAuditLogRepository) GetByEventType(ctx context.Context, eventType domain.ConnectionEventType, from, to time.Time) ([]domain.ConnectionAuditLog, error) {
	filter := bson.M{
		"event_type": eventType,
		"timestamp": bson.M{
			"$gte": from,
			"$lte": to,
		},
	}

	return r.find(ctx, filter, options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}}))
}

func (r *connectionAuditLogRepository) find(ctx context.Context, filter bson.M, opts *options.FindOptions) ([]domain.ConnectionAuditLog, error) {
	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var logs []domain.ConnectionAuditLog
	if err := cursor.All(ctx, &logs); err != nil {
		return nil, err
	}

	return logs, nil
}

func (r *connectionAuditLogRepository) DeleteOlderThan(ctx context.Context, before time.Time) error {
	_, err := r.collection.DeleteMany(ctx, bson.M{
		"timestamp": bson.M{"$lt": before},
	})
	return err
}

func (r *connectionAuditLogRepository) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "user_id", Value: 1},
				{Key: "timestamp", Value: -1},
			},
		},
		{
			Keys: bson.D{
				{Key: "event_type", Value: 1},
				{Key: "timestamp", Value: -1},
			},
		},
		{
			Keys:    bson.D{{Key: "timestamp", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(int32(auditRetention.Seconds())),
		},
	}

	_, err := r.collection.Indexes().CreateMany(ctx, indexes)
	return err
}
