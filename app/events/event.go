package events

import (
	"context"
	"time"

	"github.com/vibast-solutions/ms-go-mailer/app/entity"
)

// Sources of a status change.
const (
	SourceSend     = "send"
	SourceProvider = "provider"
	SourceAPI      = "api"
)

// StatusEvent is published after every persisted status change.
type StatusEvent struct {
	MessageID         string               `json:"message_id"`
	From              entity.MessageStatus `json:"from"`
	To                entity.MessageStatus `json:"to"`
	Reason            string               `json:"reason,omitempty"`
	ProviderMessageID string               `json:"provider_message_id,omitempty"`
	Attempts          int                  `json:"attempts"`
	Source            string               `json:"source"`
	Timestamp         time.Time            `json:"timestamp"`
}

type Publisher interface {
	Publish(ctx context.Context, event StatusEvent) error
	Close() error
}

// NoopPublisher drops every event.
type NoopPublisher struct{}

func (NoopPublisher) Publish(context.Context, StatusEvent) error { return nil }

func (NoopPublisher) Close() error { return nil }
