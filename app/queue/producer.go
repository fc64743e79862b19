package queue

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type EmailProducer struct {
	client redis.UniversalClient
}

// NewEmailProducer constructs a Redis stream producer.
func NewEmailProducer(client redis.UniversalClient) *EmailProducer {
	return &EmailProducer{client: client}
}

// Publish enqueues a message id for delivery.
func (p *EmailProducer) Publish(ctx context.Context, messageID string) error {
	_, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamName,
		Values: map[string]interface{}{fieldMessageID: messageID},
	}).Result()
	if err != nil {
		return fmt.Errorf("xadd to %s: %w", StreamName, err)
	}
	return nil
}
