package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const (
	RunQueueName = "benchrunner:runs"
)

// RedisClient implements Client using Redis
type RedisClient struct {
	client *redis.Client
}

// Connect opens and verifies a Redis connection
func Connect(addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// NewRedisClient creates a new Redis queue client
func NewRedisClient(addr, password string, db int) (*RedisClient, error) {
	client, err := Connect(addr, password, db)
	if err != nil {
		return nil, err
	}
	return &RedisClient{client: client}, nil
}

// NewRedisClientFrom wraps an existing connection
func NewRedisClientFrom(client *redis.Client) *RedisClient {
	return &RedisClient{client: client}
}

// Publish sends a run message to the queue
func (r *RedisClient) Publish(ctx context.Context, message RunMessage) error {
	if message.EnqueuedAt.IsZero() {
		message.EnqueuedAt = time.Now().UTC()
	}
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return r.client.RPush(ctx, RunQueueName, data).Err()
}

// Subscribe starts listening for messages and processes them with the handler until ctx is done.
// Several goroutines may subscribe on the same client, each receives its own messages.
func (r *RedisClient) Subscribe(ctx context.Context, handler func(RunMessage)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			message, err := r.getNewMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Error().
					Err(err).
					Msg("Error encountered when fetching message from queue")
				time.Sleep(time.Second)
				continue
			}
			if message == nil {
				continue
			}

			// Process message
			if err := processMessage(handler, *message); err != nil {
				log.Error().
					Err(err).
					Int64("run_id", message.RunID).
					Msg("Error encountered when processing message")
			}
		}
	}
}

func (r *RedisClient) getNewMessage(ctx context.Context) (*RunMessage, error) {
	result, err := r.client.BLPop(ctx, 1*time.Second, RunQueueName).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// No message available
			return nil, nil
		}
		return nil, fmt.Errorf("BLPOP from redis queue went bad. %w", err)
	}

	// Invalid message, this shouldn't usually happen
	if len(result) < 2 {
		return nil, nil
	}

	return DecodeMessage([]byte(result[1]))
}

// DecodeMessage parses a queue entry
func DecodeMessage(data []byte) (*RunMessage, error) {
	var message RunMessage
	if err := json.Unmarshal(data, &message); err != nil {
		return nil, fmt.Errorf("could not parse message into RunMessage. %w", err)
	}
	if message.RunID <= 0 {
		return nil, fmt.Errorf("message has no run id: %s", data)
	}
	return &message, nil
}

func processMessage(handler func(RunMessage), message RunMessage) (err error) {
	defer func() {
		if rcv := recover(); rcv != nil {
			// Log the panic
			log.Error().Interface("panic", rcv).Int64("run_id", message.RunID).Msg("Handler panicked")

			err = fmt.Errorf("handler panicked: %v", rcv)
		}
	}()

	handler(message)
	return nil
}

// Close terminates the Redis connection
func (r *RedisClient) Close() error {
	return r.client.Close()
}
