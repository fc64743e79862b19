package preparer

import (
	"context"
	"fmt"
	"strings"

	"github.com/vibast-solutions/ms-go-mailer/app/entity"
)

// NormalizeStep trims fields, applies the default sender and rejects values
// that would break message headers.
type NormalizeStep struct {
	defaultSender string
}

func NewNormalizeStep(defaultSender string) *NormalizeStep {
	return &NormalizeStep{defaultSender: strings.TrimSpace(defaultSender)}
}

func (s *NormalizeStep) Prepare(_ context.Context, msg *OutboundMessage) error {
	msg.From.Address = strings.TrimSpace(msg.From.Address)
	if msg.From.Address == "" {
		msg.From.Address = s.defaultSender
	}
	if msg.From.Address == "" {
		return fmt.Errorf("%w: sender is required", ErrInvalidMessage)
	}

	msg.Subject = strings.TrimSpace(msg.Subject)
	if hasLineBreak(msg.Subject) {
		return fmt.Errorf("%w: subject contains invalid characters", ErrInvalidMessage)
	}

	switch msg.BodyType {
	case "":
		msg.BodyType = entity.BodyTypeHTML
	case entity.BodyTypeHTML, entity.BodyTypeText:
	default:
		return fmt.Errorf("%w: unsupported body type %q", ErrInvalidMessage, msg.BodyType)
	}

	var err error
	if msg.From, err = normalizeAddress(msg.From); err != nil {
		return err
	}
	for _, list := range []*[]entity.Address{&msg.To, &msg.Cc, &msg.Bcc, &msg.ReplyTo} {
		if *list, err = normalizeAddresses(*list); err != nil {
			return err
		}
	}
	if len(msg.To)+len(msg.Cc)+len(msg.Bcc) == 0 {
		return fmt.Errorf("%w: at least one recipient is required", ErrInvalidMessage)
	}

	for i := range msg.Attachments {
		att := &msg.Attachments[i]
		att.Name = strings.TrimSpace(att.Name)
		if att.Name == "" || hasLineBreak(att.Name) || hasLineBreak(att.ContentType) {
			return fmt.Errorf("%w: attachment %d has an invalid name or content type", ErrInvalidMessage, i)
		}
		if att.ContentType == "" {
			att.ContentType = "application/octet-stream"
		}
	}
	return nil
}

func normalizeAddresses(in []entity.Address) ([]entity.Address, error) {
	out := in[:0]
	for _, addr := range in {
		normalized, err := normalizeAddress(addr)
		if err != nil {
			return nil, err
		}
		if normalized.Address == "" {
			continue
		}
		out = append(out, normalized)
	}
	return out, nil
}

func normalizeAddress(addr entity.Address) (entity.Address, error) {
	addr.Address = strings.TrimSpace(addr.Address)
	addr.Name = strings.TrimSpace(addr.Name)
	if hasLineBreak(addr.Address) || hasLineBreak(addr.Name) {
		return addr, fmt.Errorf("%w: address contains invalid characters", ErrInvalidMessage)
	}
	return addr, nil
}

func hasLineBreak(value string) bool {
	return strings.ContainsAny(value, "\r\n")
}
