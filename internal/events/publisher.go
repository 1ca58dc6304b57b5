// Package events publishes listing lifecycle events for observability
// collaborators. Publishing is best effort: failures are logged and never
// affect the transition that produced the event.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Event describes a listing lifecycle change.
type Event struct {
	Type       string    `json:"type"` // "listing.created" or "listing.transitioned"
	ListingID  uuid.UUID `json:"listing_id"`
	FromStatus string    `json:"from_status,omitempty"`
	ToStatus   string    `json:"to_status,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Publisher emits listing lifecycle events.
type Publisher interface {
	Publish(ctx context.Context, event Event)
}

// Nop discards every event. Used when no broker is configured.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(ctx context.Context, event Event) {}

// Channel is the Redis pub/sub channel lifecycle events go to.
const Channel = "tawla.listing.events"

// RedisPublisher publishes events as JSON to a Redis channel.
type RedisPublisher struct {
	client *redis.Client
}

// NewRedisPublisher connects to Redis and verifies the connection.
func NewRedisPublisher(addr, password string, db int) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisPublisher{client: client}, nil
}

// Publish implements Publisher. Errors are logged, not returned; events are
// not required for correctness.
func (p *RedisPublisher) Publish(ctx context.Context, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("events: marshal %s for listing %s: %v", event.Type, event.ListingID, err)
		return
	}
	if err := p.client.Publish(ctx, Channel, payload).Err(); err != nil {
		log.Printf("events: publish %s for listing %s: %v", event.Type, event.ListingID, err)
	}
}

// Close releases the Redis connection.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
