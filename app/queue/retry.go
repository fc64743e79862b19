package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const retryBatchSize = 100

// RetryScheduler parks RetryPending messages in a sorted set and puts them
// back on the stream once they are due.
type RetryScheduler struct {
	client   redis.UniversalClient
	producer *EmailProducer
	logger   logrus.FieldLogger
	now      func() time.Time
}

func NewRetryScheduler(client redis.UniversalClient, producer *EmailProducer, logger logrus.FieldLogger) *RetryScheduler {
	return &RetryScheduler{
		client:   client,
		producer: producer,
		logger:   logger.WithField("component", "retry-scheduler"),
		now:      time.Now,
	}
}

// Schedule records that messageID should be delivered again at the given time.
// Rescheduling an already parked id moves it.
func (s *RetryScheduler) Schedule(ctx context.Context, messageID string, at time.Time) error {
	err := s.client.ZAdd(ctx, RetrySetName, redis.Z{Score: float64(at.Unix()), Member: messageID}).Err()
	if err != nil {
		return fmt.Errorf("zadd to %s: %w", RetrySetName, err)
	}
	return nil
}

// Run moves due messages to the stream every interval until ctx is done.
func (s *RetryScheduler) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.WithField("interval", interval).Info("retry scheduler started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("retry scheduler shutting down")
			return nil
		case <-ticker.C:
			if _, err := s.PromoteDue(ctx); err != nil && ctx.Err() == nil {
				s.logger.WithError(err).Error("promote due retries failed")
			}
		}
	}
}

// PromoteDue publishes every due message once. ZREM decides which of several
// concurrent schedulers owns an id.
func (s *RetryScheduler) PromoteDue(ctx context.Context) (int, error) {
	due, err := s.client.ZRangeByScore(ctx, RetrySetName, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(s.now().Unix(), 10),
		Count: retryBatchSize,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("zrangebyscore %s: %w", RetrySetName, err)
	}

	promoted := 0
	for _, id := range due {
		removed, err := s.client.ZRem(ctx, RetrySetName, id).Result()
		if err != nil {
			return promoted, fmt.Errorf("zrem %s: %w", id, err)
		}
		if removed == 0 {
			continue
		}
		if err := s.producer.Publish(ctx, id); err != nil {
			if rescheduleErr := s.Schedule(ctx, id, s.now()); rescheduleErr != nil {
				s.logger.WithError(rescheduleErr).WithField("message_id", id).Error("lost retry for message")
			}
			return promoted, err
		}
		promoted++
		s.logger.WithField("message_id", id).Debug("retry promoted")
	}
	return promoted, nil
}
