package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"benchrunner/internal/models"
)

const (
	InterruptKeyPrefix = "batch:interrupt:"
	InterruptTTL       = 24 * time.Hour
)

// SignalSource is the durable source of batch signals, store.Store implements it
type SignalSource interface {
	Signal(ctx context.Context, batchID int64) (models.Signal, error)
}

// RedisSignals mirrors batch signals into short-lived Redis keys so that processors can poll
// them between items without touching the database. On a miss or a Redis error it falls back
// to the durable source.
type RedisSignals struct {
	client   *redis.Client
	fallback SignalSource
	ttl      time.Duration
}

func NewRedisSignals(client *redis.Client, fallback SignalSource) *RedisSignals {
	return &RedisSignals{client: client, fallback: fallback, ttl: InterruptTTL}
}

func InterruptKey(batchID int64) string {
	return fmt.Sprintf("%s%d", InterruptKeyPrefix, batchID)
}

// SetSignal writes the flag. A cleared signal is stored as an empty value rather than deleted so
// that polling still avoids the fallback.
func (s *RedisSignals) SetSignal(ctx context.Context, batchID int64, signal models.Signal) error {
	return s.client.Set(ctx, InterruptKey(batchID), string(signal), s.ttl).Err()
}

func (s *RedisSignals) Signal(ctx context.Context, batchID int64) (models.Signal, error) {
	value, err := s.client.Get(ctx, InterruptKey(batchID)).Result()
	switch {
	case err == nil:
		return models.Signal(value), nil
	case errors.Is(err, redis.Nil):
	default:
		log.Warn().Err(err).Int64("batch_id", batchID).Msg("Could not read interrupt flag, using store")
	}

	if s.fallback == nil {
		return models.SignalNone, nil
	}
	return s.fallback.Signal(ctx, batchID)
}
