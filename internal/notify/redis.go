package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"data-sync-bridge/internal/syncengine"
)

// Message is the envelope pushed onto the Redis queue for downstream
// collaborators (bookkeeping, CRM and research scripts poll this list).
type Message struct {
	ID        string                `json:"id"`
	Type      string                `json:"type"`
	Timestamp time.Time             `json:"timestamp"`
	Result    syncengine.SyncResult `json:"result"`
}

// Publisher pushes sync results onto a Redis list.
type Publisher struct {
	client *redis.Client
	queue  string
	logger *logrus.Entry
}

// New creates a publisher and verifies the Redis connection.
func New(addr, password string, db int, queue string, logger *logrus.Logger) (*Publisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Publisher{
		client: client,
		queue:  queue,
		logger: logger.WithField("component", "notify"),
	}, nil
}

// Publish pushes one sync result. Publish failures are the caller's to
// handle; the publisher never retries on its own.
func (p *Publisher) Publish(result syncengine.SyncResult) error {
	msg := Message{
		ID:        uuid.NewString(),
		Type:      "sync_result",
		Timestamp: time.Now().UTC(),
		Result:    result,
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal sync result: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.client.LPush(ctx, p.queue, data).Err(); err != nil {
		return fmt.Errorf("failed to publish sync result: %w", err)
	}
	return nil
}

// NotifyResult is a syncengine callback adapter that logs publish failures
// instead of propagating them into the sync run.
func (p *Publisher) NotifyResult(result syncengine.SyncResult) {
	if err := p.Publish(result); err != nil {
		p.logger.WithError(err).WithField("table", result.Table).Warn("Failed to publish sync result")
	}
}

// QueueLength returns the pending message count.
func (p *Publisher) QueueLength(ctx context.Context) (int64, error) {
	return p.client.LLen(ctx, p.queue).Result()
}

// Health checks the Redis connection.
func (p *Publisher) Health(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (p *Publisher) Close() error {
	return p.client.Close()
}
