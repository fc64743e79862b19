package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/vibast-solutions/ms-go-mailer/app/entity"
	"github.com/vibast-solutions/ms-go-mailer/app/events"
	"github.com/vibast-solutions/ms-go-mailer/app/lock"
	"github.com/vibast-solutions/ms-go-mailer/app/preparer"
	"github.com/vibast-solutions/ms-go-mailer/app/provider"
	"github.com/vibast-solutions/ms-go-mailer/app/reconcile"
	"github.com/vibast-solutions/ms-go-mailer/app/repository"
)

const (
	ReasonMessageInvalid  = "MESSAGE_INVALID"
	ReasonRetryExhausted  = "RETRY_EXHAUSTED"
	ReasonCancelledByUser = "CANCELLED_BY_API"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// DefaultPersistTimeout bounds recording an attempt after the caller's
// context has expired.
const DefaultPersistTimeout = 5 * time.Second

type MetricsRecorder interface {
	RecordSend(ctx context.Context, provider, status, reason string, elapsed time.Duration)
	RecordSignal(ctx context.Context, signal, status string)
	RecordInvalidTransition(ctx context.Context, from, to, signal string)
}

// RetryScheduler queues a message for another delivery attempt at a given time.
type RetryScheduler interface {
	Schedule(ctx context.Context, messageID string, at time.Time) error
}

type Dependencies struct {
	Preparer  preparer.EmailPreparer
	Provider  provider.EmailProvider
	Messages  *repository.MessageRepository
	Locker    lock.Locker
	Scheduler RetryScheduler
	Events    events.Publisher
	Metrics   MetricsRecorder
	Retry     RetryPolicy
	Logger    logrus.FieldLogger

	// LockTTL defaults to lock.MessageTTL.
	LockTTL        time.Duration
	// PersistTimeout defaults to DefaultPersistTimeout.
	PersistTimeout time.Duration
}

type MessageService struct {
	preparer  preparer.EmailPreparer
	provider  provider.EmailProvider
	messages  *repository.MessageRepository
	locker    lock.Locker
	scheduler RetryScheduler
	events    events.Publisher
	metrics   MetricsRecorder
	retry     RetryPolicy
	logger    logrus.FieldLogger
	lockTTL   time.Duration
	persist   time.Duration
	now       func() time.Time
}

// NewMessageService builds the message service with dependencies.
func NewMessageService(deps Dependencies) *MessageService {
	if deps.Events == nil {
		deps.Events = events.NoopPublisher{}
	}
	if deps.Logger == nil {
		deps.Logger = logrus.StandardLogger()
	}
	if deps.LockTTL <= 0 {
		deps.LockTTL = lock.MessageTTL
	}
	if deps.PersistTimeout <= 0 {
		deps.PersistTimeout = DefaultPersistTimeout
	}
	return &MessageService{
		preparer:  deps.Preparer,
		provider:  deps.Provider,
		messages:  deps.Messages,
		locker:    deps.Locker,
		scheduler: deps.Scheduler,
		events:    deps.Events,
		metrics:   deps.Metrics,
		retry:     deps.Retry,
		logger:    deps.Logger,
		lockTTL:   deps.LockTTL,
		persist:   deps.PersistTimeout,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

type CreateMessageInput struct {
	ID       string
	Sender   string
	Envelope entity.Envelope
	Subject  string
	BodyType string
	Body     string
}

// CreateMessage stores a new Queued message. An empty ID gets a random UUID.
func (s *MessageService) CreateMessage(ctx context.Context, in CreateMessageInput) (*entity.Message, error) {
	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := s.now()
	msg := &entity.Message{
		ID:        id,
		Sender:    in.Sender,
		Envelope:  in.Envelope,
		Subject:   in.Subject,
		BodyType:  in.BodyType,
		Body:      in.Body,
		Status:    entity.StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.messages.Create(ctx, msg); err != nil {
		if errors.Is(err, repository.ErrDuplicateMessageID) {
			return nil, ErrDuplicateMessageID
		}
		return nil, fmt.Errorf("create message: %w", err)
	}

	loggerFor(ctx, s.logger).WithFields(logrus.Fields{
		"message_id": msg.ID,
		"status":     msg.Status,
	}).Info("message queued")
	return msg, nil
}

// DeleteMessage removes a message that could not be enqueued.
func (s *MessageService) DeleteMessage(ctx context.Context, id string) error {
	return s.messages.DeleteByID(ctx, id)
}

func (s *MessageService) GetMessage(ctx context.Context, id string) (*entity.Message, error) {
	msg, err := s.messages.GetByID(ctx, id)
	if errors.Is(err, repository.ErrMessageNotFound) {
		return nil, ErrMessageNotFound
	}
	return msg, err
}

type ListQuery struct {
	Status *entity.MessageStatus
	Cursor int64
	Limit  int
}

type MessagePage struct {
	Messages   []*entity.Message
	NextCursor int64
}

// ListMessages returns a page of messages, newest first.
func (s *MessageService) ListMessages(ctx context.Context, q ListQuery) (MessagePage, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	msgs, next, err := s.messages.List(ctx, repository.ListFilter{Status: q.Status, Cursor: q.Cursor, Limit: limit})
	if err != nil {
		return MessagePage{}, fmt.Errorf("list messages: %w", err)
	}
	return MessagePage{Messages: msgs, NextCursor: next}, nil
}

// DeliveryResult describes the persisted effect of one Deliver call.
type DeliveryResult struct {
	Outcome provider.SendOutcome
	Status  entity.MessageStatus
	Reason  string
	// RetryAt is set when the message was left RetryPending.
	RetryAt *time.Time
}

// Deliver makes one send attempt for a Queued or RetryPending message and
// records the classified outcome. Credential failures are returned without
// touching the message. Once the provider has answered, the outcome is
// recorded even if ctx has already expired.
func (s *MessageService) Deliver(ctx context.Context, id string) (DeliveryResult, error) {
	var result DeliveryResult
	err := lock.WithLock(ctx, s.locker, lock.MessageKey(id), s.lockTTL, func(ctx context.Context) error {
		msg, err := s.GetMessage(ctx, id)
		if err != nil {
			return err
		}
		if !msg.Status.IsRetryable() {
			return fmt.Errorf("%w: %s is %s", ErrNotDeliverable, id, msg.Status)
		}

		logger := loggerFor(ctx, s.logger).WithField("message_id", id)
		attempts := msg.Attempts

		var outcome provider.SendOutcome
		out, err := s.preparer.Prepare(ctx, msg)
		switch {
		case errors.Is(err, preparer.ErrInvalidMessage):
			logger.WithError(err).Warn("message cannot be prepared")
			outcome = provider.SendOutcome{Status: entity.StatusFailed, Reason: ReasonMessageInvalid}
		case err != nil:
			return fmt.Errorf("prepare message: %w", err)
		default:
			started := time.Now()
			outcome, err = s.provider.Send(ctx, out)
			if err != nil {
				logger.WithError(err).Error("send aborted before reaching the provider")
				return fmt.Errorf("send message: %w", err)
			}
			attempts++
			s.recordSend(ctx, outcome, time.Since(started))
		}

		next, reason := outcome.Status, outcome.Reason
		if next == entity.StatusRetryPending && s.retry.Exhausted(attempts) {
			next, reason = entity.StatusFailed, ReasonRetryExhausted
		}
		if next != msg.Status && !entity.IsValidTransition(msg.Status, next) {
			return fmt.Errorf("%w from %s to %s", ErrInvalidTransition, msg.Status, next)
		}

		ctx, cancel := s.persistContext(ctx)
		defer cancel()

		now := s.now()
		update := repository.StatusUpdate{
			ID:                id,
			From:              msg.Status,
			To:                next,
			Reason:            reason,
			ProviderMessageID: outcome.ProviderMessageID,
			Attempts:          attempts,
			UpdatedAt:         now,
		}
		if next == entity.StatusSent {
			update.SentAt = &now
		}
		if err := s.messages.UpdateStatus(ctx, update); err != nil {
			return fmt.Errorf("update status: %w", err)
		}

		result = DeliveryResult{Outcome: outcome, Status: next, Reason: reason}
		logger.WithFields(logrus.Fields{
			"from":     msg.Status,
			"status":   next,
			"reason":   reason,
			"attempts": attempts,
		}).Info("delivery attempt recorded")

		s.publish(ctx, update, attempts, events.SourceSend)

		if next == entity.StatusRetryPending {
			retryAt := now.Add(s.retry.Delay(attempts, outcome.RetryAfterSeconds))
			result.RetryAt = &retryAt
			if err := s.schedule(ctx, id, retryAt); err != nil {
				return err
			}
		}
		return nil
	})
	return result, err
}

// MessageRef points at a message either by its id or by the id the
// provider assigned to it.
type MessageRef struct {
	MessageID         string
	ProviderMessageID string
}

// ApplyProviderSignal reconciles a provider callback against the stored
// status. Re-reporting the current status changes nothing.
func (s *MessageService) ApplyProviderSignal(ctx context.Context, ref MessageRef, signal reconcile.ProviderSignal, errorCode string) (*entity.Message, error) {
	id := ref.MessageID
	if id == "" {
		if ref.ProviderMessageID == "" {
			return nil, ErrMessageNotFound
		}
		msg, err := s.messages.GetByProviderMessageID(ctx, ref.ProviderMessageID)
		if errors.Is(err, repository.ErrMessageNotFound) {
			return nil, ErrMessageNotFound
		}
		if err != nil {
			return nil, err
		}
		id = msg.ID
	}

	var updated *entity.Message
	err := lock.WithLock(ctx, s.locker, lock.MessageKey(id), s.lockTTL, func(ctx context.Context) error {
		msg, err := s.GetMessage(ctx, id)
		if err != nil {
			return err
		}

		logger := loggerFor(ctx, s.logger).WithFields(logrus.Fields{
			"message_id": id,
			"signal":     signal,
		})
		characterized := reconcile.MapProviderError(signal, errorCode)

		next, err := reconcile.MapProviderStatus(signal, msg.Status)
		if err != nil {
			var invalid *reconcile.InvalidTransitionError
			if errors.As(err, &invalid) && s.metrics != nil {
				s.metrics.RecordInvalidTransition(ctx, string(invalid.From), string(invalid.To), string(invalid.Signal))
			}
			logger.WithError(err).WithFields(logrus.Fields{
				"status": msg.Status,
				"reason": characterized.Reason,
			}).Warn("provider signal rejected")
			return err
		}
		if s.metrics != nil {
			s.metrics.RecordSignal(ctx, string(signal), string(next))
		}

		if next == msg.Status {
			logger.WithField("status", next).Debug("provider signal repeats current status")
			updated = msg
			return nil
		}

		now := s.now()
		update := repository.StatusUpdate{
			ID:        id,
			From:      msg.Status,
			To:        next,
			Reason:    characterized.Reason,
			Attempts:  msg.Attempts,
			UpdatedAt: now,
		}
		// A callback may only fill in a missing provider id; an id it was
		// looked up by already matches the stored one.
		if msg.ProviderMessageID == "" {
			update.ProviderMessageID = ref.ProviderMessageID
		}
		if next == entity.StatusSent && msg.SentAt == nil {
			update.SentAt = &now
		}
		if err := s.messages.UpdateStatus(ctx, update); err != nil {
			return fmt.Errorf("update status: %w", err)
		}

		logger.WithFields(logrus.Fields{
			"from":   msg.Status,
			"status": next,
			"reason": characterized.Reason,
		}).Info("provider signal applied")

		applyUpdate(msg, update)
		updated = msg

		update.ProviderMessageID = msg.ProviderMessageID
		s.publish(ctx, update, msg.Attempts, events.SourceProvider)

		if next == entity.StatusRetryPending {
			return s.schedule(ctx, id, now.Add(s.retry.Delay(msg.Attempts, nil)))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// CancelMessage moves a message to Cancelled. Cancelling twice is a no-op.
func (s *MessageService) CancelMessage(ctx context.Context, id string) (*entity.Message, error) {
	var cancelled *entity.Message
	err := lock.WithLock(ctx, s.locker, lock.MessageKey(id), s.lockTTL, func(ctx context.Context) error {
		msg, err := s.GetMessage(ctx, id)
		if err != nil {
			return err
		}
		if msg.Status == entity.StatusCancelled {
			cancelled = msg
			return nil
		}
		if !entity.IsValidTransition(msg.Status, entity.StatusCancelled) {
			return fmt.Errorf("%w from %s to %s", ErrInvalidTransition, msg.Status, entity.StatusCancelled)
		}

		update := repository.StatusUpdate{
			ID:        id,
			From:      msg.Status,
			To:        entity.StatusCancelled,
			Reason:    ReasonCancelledByUser,
			Attempts:  msg.Attempts,
			UpdatedAt: s.now(),
		}
		if err := s.messages.UpdateStatus(ctx, update); err != nil {
			return fmt.Errorf("update status: %w", err)
		}

		loggerFor(ctx, s.logger).WithFields(logrus.Fields{
			"message_id": id,
			"from":       msg.Status,
		}).Info("message cancelled")
		s.publish(ctx, update, msg.Attempts, events.SourceAPI)

		applyUpdate(msg, update)
		cancelled = msg
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cancelled, nil
}

// persistContext detaches from ctx's cancellation so a finished send is
// recorded even when the delivery deadline has passed.
func (s *MessageService) persistContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.persist)
}

func (s *MessageService) recordSend(ctx context.Context, outcome provider.SendOutcome, elapsed time.Duration) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordSend(ctx, s.provider.Name(), string(outcome.Status), outcome.Reason, elapsed)
}

func (s *MessageService) schedule(ctx context.Context, id string, at time.Time) error {
	if s.scheduler == nil {
		return nil
	}
	if err := s.scheduler.Schedule(ctx, id, at); err != nil {
		return fmt.Errorf("schedule retry: %w", err)
	}
	return nil
}

// publish never fails the caller; the status change is already persisted.
func (s *MessageService) publish(ctx context.Context, u repository.StatusUpdate, attempts int, source string) {
	event := events.StatusEvent{
		MessageID:         u.ID,
		From:              u.From,
		To:                u.To,
		Reason:            u.Reason,
		ProviderMessageID: u.ProviderMessageID,
		Attempts:          attempts,
		Source:            source,
		Timestamp:         u.UpdatedAt,
	}
	if err := s.events.Publish(ctx, event); err != nil {
		loggerFor(ctx, s.logger).WithError(err).WithField("message_id", u.ID).Warn("publish status event failed")
	}
}

func applyUpdate(msg *entity.Message, u repository.StatusUpdate) {
	msg.Status = u.To
	msg.StatusReason = u.Reason
	if u.ProviderMessageID != "" {
		msg.ProviderMessageID = u.ProviderMessageID
	}
	if u.SentAt != nil {
		msg.SentAt = u.SentAt
	}
	msg.Attempts = u.Attempts
	msg.UpdatedAt = u.UpdatedAt
}
