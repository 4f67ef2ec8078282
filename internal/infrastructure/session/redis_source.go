package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hilthontt/relay/internal/domain"
	"github.com/redis/go-redis/v9"
)

// RedisSource reads sessions the web application writes to a shared Redis.
type RedisSource struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisSource(client redis.UniversalClient, prefix string) *RedisSource {
	return &RedisSource{
		client: client,
		prefix: prefix,
	}
}

func (s *RedisSource) Lookup(ctx context.Context, token string) (*domain.Session, error) {
	raw, err := s.client.Get(ctx, s.prefix+token).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get session: %w", err)
	}

	var sess domain.Session
	if err := json.Unmarshal(raw, &sess); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if !sess.Valid() {
		return nil, nil
	}

	return &sess, nil
}
