package dto

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/vibast-solutions/ms-go-mailer/app/entity"
	"github.com/vibast-solutions/ms-go-mailer/app/service"
)

type MessageResponse struct {
	ID                string               `json:"id"`
	Status            entity.MessageStatus `json:"status"`
	StatusReason      *string              `json:"status_reason"`
	ProviderMessageID *string              `json:"provider_message_id"`
	CreatedAt         time.Time            `json:"created_at"`
	UpdatedAt         time.Time            `json:"updated_at"`
}

type MessageListItem struct {
	ID           string               `json:"id"`
	Status       entity.MessageStatus `json:"status"`
	Subject      string               `json:"subject"`
	From         string               `json:"from"`
	To           []string             `json:"to"`
	CreatedAt    time.Time            `json:"created_at"`
	SentAt       *time.Time           `json:"sent_at"`
	FailedReason *string              `json:"failed_reason"`
}

type MessageListResponse struct {
	Data       []MessageListItem `json:"data"`
	NextCursor *string           `json:"next_cursor"`
}

func NewMessageResponse(msg *entity.Message) MessageResponse {
	return MessageResponse{
		ID:                msg.ID,
		Status:            msg.Status,
		StatusReason:      optional(msg.StatusReason),
		ProviderMessageID: optional(msg.ProviderMessageID),
		CreatedAt:         msg.CreatedAt,
		UpdatedAt:         msg.UpdatedAt,
	}
}

// NewMessageListItem exposes the status reason as failed_reason only for
// messages that ended in Failed or Bounced.
func NewMessageListItem(msg *entity.Message) MessageListItem {
	item := MessageListItem{
		ID:        msg.ID,
		Status:    msg.Status,
		Subject:   msg.Subject,
		From:      msg.Sender,
		To:        msg.Recipients(),
		CreatedAt: msg.CreatedAt,
		SentAt:    msg.SentAt,
	}
	if msg.Status == entity.StatusFailed || msg.Status == entity.StatusBounced {
		item.FailedReason = optional(msg.StatusReason)
	}
	return item
}

func NewMessageListResponse(page service.MessagePage) MessageListResponse {
	out := MessageListResponse{Data: make([]MessageListItem, 0, len(page.Messages))}
	for _, msg := range page.Messages {
		out.Data = append(out.Data, NewMessageListItem(msg))
	}
	if page.NextCursor > 0 {
		cursor := strconv.FormatInt(page.NextCursor, 10)
		out.NextCursor = &cursor
	}
	return out
}

// ParseCursor reads a next_cursor value back; empty means the first page.
func ParseCursor(value string) (int64, error) {
	if value == "" {
		return 0, nil
	}
	cursor, err := strconv.ParseInt(value, 10, 64)
	if err != nil || cursor < 0 {
		return 0, fmt.Errorf("invalid cursor %q", value)
	}
	return cursor, nil
}

// ToStruct renders a response as a protobuf Struct using its JSON form.
func ToStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	return structpb.NewStruct(fields)
}

func decodeStruct(s *structpb.Struct, out any) error {
	if s == nil {
		return nil
	}
	raw, err := s.MarshalJSON()
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

func optional(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
