package review

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// Event names emitted by the engine.
type Event string

const (
	EventReviewStarted  Event = "review.started"
	EventReviewCanceled Event = "review.canceled"
	EventReviewEnded    Event = "review.ended"
)

// Publisher receives fire-and-forget review lifecycle events. The
// engine never waits on consumers and ignores delivery failures.
type Publisher interface {
	Publish(ctx context.Context, event Event, documentID string, revision int)
}

// NopPublisher discards every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event, string, int) {}

// RedisPublisher broadcasts review events on a Redis pub/sub channel
// for the notification dispatcher to consume.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{client: client, channel: "docflow.reviews"}
}

func (p *RedisPublisher) Publish(ctx context.Context, event Event, documentID string, revision int) {
	payload, err := json.Marshal(map[string]any{
		"event":       string(event),
		"document_id": documentID,
		"revision":    revision,
		"at":          time.Now().UTC(),
	})
	if err != nil {
		log.Printf("review: marshal event %s: %v", event, err)
		return
	}
	if err := p.client.Publish(ctx, p.channel, payload).Err(); err != nil {
		log.Printf("review: publish event %s for %s: %v", event, documentID, err)
	}
}
