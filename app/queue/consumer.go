package queue

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/vibast-solutions/ms-go-mailer/app/service"
)

const (
	DefaultDeliverTimeout  = 30 * time.Second
	DefaultReclaimIdle     = 2 * time.Minute
	DefaultReclaimInterval = 30 * time.Second
	DefaultFailureBackoff  = time.Second

	defaultBlock   = 5 * time.Second
	reclaimBatch   = 10
	drainedPending = ""
)

type Deliverer interface {
	Deliver(ctx context.Context, id string) (service.DeliveryResult, error)
}

// ConsumerConfig tunes one consumer. Zero values take the defaults.
type ConsumerConfig struct {
	Name            string
	DeliverTimeout  time.Duration
	// ReclaimIdle is how long an entry stays unacked before any consumer
	// claims it for another attempt.
	ReclaimIdle     time.Duration
	ReclaimInterval time.Duration
	FailureBackoff  time.Duration
	Block           time.Duration
}

type EmailConsumer struct {
	client    redis.UniversalClient
	deliverer Deliverer
	cfg       ConsumerConfig
	logger    logrus.FieldLogger
}

// NewEmailConsumer constructs a Redis stream consumer.
func NewEmailConsumer(client redis.UniversalClient, deliverer Deliverer, cfg ConsumerConfig, logger logrus.FieldLogger) *EmailConsumer {
	if cfg.DeliverTimeout <= 0 {
		cfg.DeliverTimeout = DefaultDeliverTimeout
	}
	if cfg.ReclaimIdle <= 0 {
		cfg.ReclaimIdle = DefaultReclaimIdle
	}
	if cfg.ReclaimInterval <= 0 {
		cfg.ReclaimInterval = DefaultReclaimInterval
	}
	if cfg.FailureBackoff <= 0 {
		cfg.FailureBackoff = DefaultFailureBackoff
	}
	if cfg.Block <= 0 {
		cfg.Block = defaultBlock
	}
	return &EmailConsumer{
		client:    client,
		deliverer: deliverer,
		cfg:       cfg,
		logger:    logger.WithField("consumer", cfg.Name),
	}
}

// Run starts the consumer loop and blocks until context cancellation.
//
// Entries left pending by an earlier run of this consumer are walked once in
// id order; one that fails again is stepped over so new entries are not held
// back. Entries idle for ReclaimIdle, from this or any other consumer, are
// claimed back every ReclaimInterval.
func (c *EmailConsumer) Run(ctx context.Context) error {
	if err := EnsureGroup(ctx, c.client); err != nil {
		return err
	}

	c.logger.WithField("stream", StreamName).Info("consumer started")

	pendingCursor := "0"
	reclaimCursor := "0-0"
	lastReclaim := time.Now()
	for {
		if ctx.Err() != nil {
			c.logger.Info("consumer shutting down")
			return nil
		}

		if pendingCursor == drainedPending && time.Since(lastReclaim) >= c.cfg.ReclaimInterval {
			reclaimCursor = c.reclaim(ctx, reclaimCursor)
			lastReclaim = time.Now()
			continue
		}

		startID := ">"
		if pendingCursor != drainedPending {
			startID = pendingCursor
		}
		streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    ConsumerGroup,
			Consumer: c.cfg.Name,
			Streams:  []string{StreamName, startID},
			Count:    1,
			Block:    c.cfg.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				pendingCursor = drainedPending
				continue
			}
			if ctx.Err() != nil {
				c.logger.Info("consumer shutting down")
				return nil
			}
			c.logger.WithError(err).Error("xreadgroup failed")
			c.backoff(ctx)
			continue
		}

		read := 0
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				read++
				if pendingCursor != drainedPending {
					pendingCursor = msg.ID
				}
				if !c.processMessage(ctx, msg) {
					c.backoff(ctx)
				}
			}
		}
		if read == 0 {
			pendingCursor = drainedPending
		}
	}
}

// reclaim claims entries idle for ReclaimIdle and delivers them. It returns
// the cursor for the next call.
func (c *EmailConsumer) reclaim(ctx context.Context, cursor string) string {
	msgs, next, err := c.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   StreamName,
		Group:    ConsumerGroup,
		Consumer: c.cfg.Name,
		MinIdle:  c.cfg.ReclaimIdle,
		Start:    cursor,
		Count:    reclaimBatch,
	}).Result()
	if err != nil {
		if ctx.Err() == nil {
			c.logger.WithError(err).Error("xautoclaim failed")
		}
		return cursor
	}

	for _, msg := range msgs {
		c.logger.WithField("stream_id", msg.ID).Info("reclaimed idle stream entry")
		if !c.processMessage(ctx, msg) {
			c.backoff(ctx)
		}
	}
	if next == "" {
		return "0-0"
	}
	return next
}

// backoff pauses after a failed attempt; it returns early on cancellation.
func (c *EmailConsumer) backoff(ctx context.Context) {
	timer := time.NewTimer(c.cfg.FailureBackoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// processMessage delivers one entry. The entry is acked once the attempt is
// persisted or the message no longer needs delivery; any other failure
// leaves it pending.
func (c *EmailConsumer) processMessage(ctx context.Context, msg redis.XMessage) bool {
	messageID, _ := msg.Values[fieldMessageID].(string)
	logger := c.logger.WithFields(logrus.Fields{"stream_id": msg.ID, "message_id": messageID})

	if messageID == "" {
		logger.Warn("dropping stream entry without message id")
		return c.ack(ctx, logger, msg.ID)
	}

	deliverCtx, cancel := context.WithTimeout(service.WithRequestID(ctx, msg.ID), c.cfg.DeliverTimeout)
	defer cancel()

	result, err := c.deliverer.Deliver(deliverCtx, messageID)
	switch {
	case err == nil:
		logger.WithFields(logrus.Fields{"status": result.Status, "reason": result.Reason}).Debug("delivery processed")
	case errors.Is(err, service.ErrNotDeliverable), errors.Is(err, service.ErrMessageNotFound):
		logger.WithError(err).Info("skipping stream entry")
	default:
		logger.WithError(err).Error("delivery failed, entry stays pending")
		return false
	}
	return c.ack(ctx, logger, msg.ID)
}

func (c *EmailConsumer) ack(ctx context.Context, logger logrus.FieldLogger, streamID string) bool {
	if err := c.client.XAck(ctx, StreamName, ConsumerGroup, streamID).Err(); err != nil {
		logger.WithError(err).Error("xack failed")
		return false
	}
	return true
}

// EnsureGroup creates the stream and consumer group if missing.
func EnsureGroup(ctx context.Context, client redis.UniversalClient) error {
	err := client.XGroupCreateMkStream(ctx, StreamName, ConsumerGroup, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}
